package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/wire"
)

// startServer brings up the full handler with a fake agent attached
// behind the websocket endpoint.
func startServer(t *testing.T, handler func(wire.Request) *wire.Response) (*httptest.Server, *bridge.Bridge) {
	t.Helper()
	cfg := config.ServerConfig{
		Addr:          ":0",
		CallTimeout:   2 * time.Second,
		ReplayTimeout: 5 * time.Second,
	}
	b := bridge.New("", cfg.CallTimeout)
	srv := httptest.NewServer(New(Options{Config: cfg, Bridge: b, Version: "test"}))
	t.Cleanup(srv.Close)

	if handler != nil {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			t.Fatalf("agent dial: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
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
				if resp := handler(req); resp != nil {
					out, _ := json.Marshal(resp)
					_ = conn.Write(context.Background(), websocket.MessageText, out)
				}
			}
		}()
		deadline := time.Now().Add(2 * time.Second)
		for !b.Connected() {
			if time.Now().After(deadline) {
				t.Fatal("agent never connected")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return srv, b
}

func doJSON(t *testing.T, method, url string, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return resp.StatusCode, out
}

func TestHealthzReportsAgent(t *testing.T) {
	srv, _ := startServer(t, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	status, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", "")
	if status != http.StatusOK || body["agent_connected"] != true {
		t.Fatalf("status=%d body=%v", status, body)
	}
}

func TestRESTProxiesOverBridge(t *testing.T) {
	srv, _ := startServer(t, func(req wire.Request) *wire.Response {
		if req.Method != "tabs.list" {
			return &wire.Response{ID: req.ID, Error: "unexpected method " + req.Method}
		}
		return &wire.Response{ID: req.ID, Result: json.RawMessage(`{"tabs":[{"id":"t1"}]}`)}
	})
	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/tabs", "")
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%v", status, body)
	}
	tabs, ok := body["tabs"].([]any)
	if !ok || len(tabs) != 1 {
		t.Fatalf("body=%v", body)
	}
}

func TestRESTNamedParam(t *testing.T) {
	var gotName string
	srv, _ := startServer(t, func(req wire.Request) *wire.Response {
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &p)
		gotName = p.Name
		return &wire.Response{ID: req.ID, Result: json.RawMessage(`{"name":"login"}`)}
	})
	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/recordings/login", "")
	if status != http.StatusOK || gotName != "login" {
		t.Fatalf("status=%d name=%q", status, gotName)
	}
}

func TestGenericCommand(t *testing.T) {
	srv, _ := startServer(t, func(req wire.Request) *wire.Response {
		if req.Method != "dom.click" {
			return &wire.Response{ID: req.ID, Error: "unexpected method"}
		}
		return &wire.Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
	})
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/command", `{"method":"dom.click","params":{"selector":"#go"}}`)
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("status=%d body=%v", status, body)
	}

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/api/command", `{}`)
	if status != http.StatusBadRequest {
		t.Fatalf("empty method accepted: %d", status)
	}
}

func TestAgentErrorMapsToBadGateway(t *testing.T) {
	srv, _ := startServer(t, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Error: "no element matches #x"}
	})
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/command", `{"method":"dom.click","params":{"selector":"#x"}}`)
	if status != http.StatusBadGateway {
		t.Fatalf("status=%d body=%v", status, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "no element matches") {
		t.Fatalf("body=%v", body)
	}
}

func TestDisconnectedMapsToUnavailable(t *testing.T) {
	srv, _ := startServer(t, nil) // no agent
	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/tabs", "")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", status)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _ := startServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tabwire_") {
		t.Fatalf("metrics body missing tabwire collectors")
	}
}
