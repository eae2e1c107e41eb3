// Package cdp speaks the Chrome DevTools Protocol over a single
// browser-level websocket, multiplexing flat sessions per target.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/tabwire/tabwire/internal/logx"
)

// ErrClosed is returned by calls made after the connection is gone.
var ErrClosed = errors.New("cdp: connection closed")

// RPCError is an error object returned by the browser.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	result json.RawMessage
	err    *RPCError
}

type envelope struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

// Client is one DevTools connection. Commands are correlated by id;
// events fan out to subscribers keyed by session and method.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan rpcResult
	subs    map[string][]chan json.RawMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect dials the browser. endpoint is either a ws:// debugger URL or
// an http://host:port DevTools address, in which case the browser-level
// socket URL is discovered via /json/version.
func Connect(ctx context.Context, endpoint string) (*Client, error) {
	wsURL := endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := discoverWSURL(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		wsURL = u
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools: %w", err)
	}
	conn.SetReadLimit(64 << 20) // screenshots and snapshots are large

	c := &Client{
		conn:    conn,
		pending: map[int64]chan rpcResult{},
		subs:    map[string][]chan json.RawMessage{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func discoverWSURL(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query devtools version: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools version response has no websocket url")
	}
	return v.WebSocketDebuggerURL, nil
}

// Close tears the connection down and fails all in-flight calls.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		for key, chans := range c.subs {
			for _, ch := range chans {
				close(ch)
			}
			delete(c.subs, key)
		}
		c.mu.Unlock()
	})
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Call issues one command and waits for its paired result. An empty
// sessionID addresses the browser itself.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	env := envelope{ID: &id, SessionID: sessionID, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		env.Params = b
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func subKey(sessionID, method string) string { return sessionID + "/" + method }

// Subscribe returns a channel fed with params of every matching event.
// The channel is buffered; events overflowing it are dropped.
func (c *Client) Subscribe(sessionID, method string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 64)
	key := subKey(sessionID, method)
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe.
func (c *Client) Unsubscribe(sessionID, method string, ch chan json.RawMessage) {
	key := subKey(sessionID, method)
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.subs[key]
	for i, have := range chans {
		if have == ch {
			c.subs[key] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.closed:
			default:
				logx.Log.Debug().Err(err).Msg("devtools read loop ended")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logx.Log.Warn().Err(err).Msg("undecodable devtools frame")
			continue
		}
		if env.ID != nil {
			c.resolve(*env.ID, rpcResult{result: env.Result, err: env.Error})
			continue
		}
		if env.Method != "" {
			c.dispatch(env.SessionID, env.Method, env.Params)
		}
	}
}

func (c *Client) resolve(id int64, res rpcResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// dispatch fans an event out to its subscribers. The sends happen under
// c.mu so a concurrent Unsubscribe or Close cannot close a channel
// mid-delivery; they never block, so holding the lock is safe.
func (c *Client) dispatch(sessionID, method string, params json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[subKey(sessionID, method)] {
		select {
		case ch <- params:
		default:
			// Slow subscriber; the event stream must not stall commands.
		}
	}
}
