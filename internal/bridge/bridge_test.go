package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tabwire/tabwire/internal/wire"
)

// fakeAgent connects to the bridge and answers requests with handler.
// A nil response from the handler leaves the request unanswered.
type fakeAgent struct {
	conn *websocket.Conn
	mu   sync.Mutex
	ids  []int64
}

func startAgent(t *testing.T, wsURL string, handler func(wire.Request) *wire.Response) *fakeAgent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	a := &fakeAgent{conn: conn}
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var req wire.Request
			if json.Unmarshal(data, &req) != nil || req.Method == "" {
				continue
			}
			a.mu.Lock()
			a.ids = append(a.ids, req.ID)
			a.mu.Unlock()
			if handler == nil {
				continue
			}
			if resp := handler(req); resp != nil {
				b, _ := json.Marshal(resp)
				_ = conn.Write(context.Background(), websocket.MessageText, b)
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return a
}

func (a *fakeAgent) send(t *testing.T, v any) {
	t.Helper()
	b, _ := json.Marshal(v)
	if err := a.conn.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatalf("agent write: %v", err)
	}
}

func (a *fakeAgent) seenIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.ids...)
}

func startBridge(t *testing.T, timeout time.Duration) (*Bridge, string) {
	t.Helper()
	b := New("", timeout)
	srv := httptest.NewServer(http.HandlerFunc(b.Accept))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, b *Bridge) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent never connected")
}

func echoHandler(req wire.Request) *wire.Response {
	return &wire.Response{ID: req.ID, Result: req.Params}
}

func TestCallWhileDisconnected(t *testing.T) {
	b, _ := startBridge(t, 50*time.Millisecond)
	start := time.Now()
	_, err := b.Call(context.Background(), "tabs.list", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	if time.Since(start) > 30*time.Millisecond {
		t.Fatal("disconnected call should fail immediately, not wait for a timeout")
	}
}

func TestCallRoundTrip(t *testing.T) {
	b, url := startBridge(t, time.Second)
	startAgent(t, url, echoHandler)
	waitConnected(t, b)

	res, err := b.Call(context.Background(), "dom.click", map[string]string{"selector": "#go"})
	if err != nil {
		t.Fatal(err)
	}
	var params map[string]string
	if err := json.Unmarshal(res, &params); err != nil {
		t.Fatal(err)
	}
	if params["selector"] != "#go" {
		t.Fatalf("unexpected result: %s", res)
	}
}

func TestCallRemoteError(t *testing.T) {
	b, url := startBridge(t, time.Second)
	startAgent(t, url, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Error: "no element matches #missing"}
	})
	waitConnected(t, b)

	_, err := b.Call(context.Background(), "dom.click", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want RemoteError", err)
	}
	if !strings.Contains(re.Error(), "no element matches #missing") {
		t.Fatalf("message lost: %v", re)
	}
}

func TestCallTimeoutAndLateResponse(t *testing.T) {
	b, url := startBridge(t, 60*time.Millisecond)
	var late *fakeAgent
	late = startAgent(t, url, nil) // never answers inline
	waitConnected(t, b)

	_, err := b.Call(context.Background(), "page.navigate", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}

	// A late response for the timed-out id must be a silent no-op and
	// must not interfere with later calls.
	ids := late.seenIDs()
	if len(ids) != 1 {
		t.Fatalf("expected one request, saw %v", ids)
	}
	late.send(t, wire.Response{ID: ids[0], Result: json.RawMessage(`"late"`)})
	time.Sleep(30 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "tabs.list", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("follow-up call: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("follow-up call hung; late response leaked into its slot")
	}
}

func TestDuplicateResponseDeliveredOnce(t *testing.T) {
	b, url := startBridge(t, time.Second)
	startAgent(t, url, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Result: json.RawMessage(`1`)}
	})
	waitConnected(t, b)

	res, err := b.Call(context.Background(), "tabs.list", nil)
	if err != nil || string(res) != "1" {
		t.Fatalf("call: %s, %v", res, err)
	}
	// Replaying the same response id is dropped on the floor.
	a := startAgent(t, url, echoHandler)
	waitConnected(t, b)
	a.send(t, wire.Response{ID: 1, Result: json.RawMessage(`2`)})
	time.Sleep(20 * time.Millisecond)
	if _, err := b.Call(context.Background(), "tabs.list", nil); err != nil {
		t.Fatalf("bridge unusable after duplicate response: %v", err)
	}
}

func TestTransportLossRejectsPending(t *testing.T) {
	b, url := startBridge(t, 5*time.Second)
	a := startAgent(t, url, nil)
	waitConnected(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "page.snapshot", nil)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	_ = a.conn.Close(websocket.StatusGoingAway, "bye")

	select {
	case err := <-done:
		if !errors.Is(err, ErrTransportLost) {
			t.Fatalf("got %v, want ErrTransportLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on transport loss")
	}
}

func TestNewSessionReplacesOld(t *testing.T) {
	b, url := startBridge(t, 5*time.Second)
	startAgent(t, url, nil)
	waitConnected(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "page.snapshot", nil)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)

	startAgent(t, url, echoHandler)
	select {
	case err := <-done:
		if !errors.Is(err, ErrTransportLost) {
			t.Fatalf("got %v, want ErrTransportLost on replacement", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected when session replaced")
	}
	waitConnected(t, b)
	if _, err := b.Call(context.Background(), "tabs.list", nil); err != nil {
		t.Fatalf("replacement session unusable: %v", err)
	}
}

func TestIDsStrictlyIncreasing(t *testing.T) {
	b, url := startBridge(t, time.Second)
	a := startAgent(t, url, echoHandler)
	waitConnected(t, b)

	for i := 0; i < 5; i++ {
		if _, err := b.Call(context.Background(), "tabs.list", nil); err != nil {
			t.Fatal(err)
		}
	}
	ids := a.seenIDs()
	if len(ids) != 5 {
		t.Fatalf("saw %d requests", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
}

func TestKeepaliveIsNotCorrelated(t *testing.T) {
	b, url := startBridge(t, 200*time.Millisecond)
	a := startAgent(t, url, nil)
	waitConnected(t, b)

	a.send(t, wire.Control{Type: wire.ControlKeepalive})
	a.send(t, wire.Control{Type: wire.ControlExtensionReady})
	time.Sleep(30 * time.Millisecond)
	if !b.Connected() {
		t.Fatal("control frames must not disturb the session")
	}
}

func TestAgentKeyRequired(t *testing.T) {
	b := New("sekrit", time.Second)
	srv := httptest.NewServer(http.HandlerFunc(b.Accept))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("dial without key should be rejected")
	}
	conn, _, err := websocket.Dial(ctx, url+"?agent_key=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
