// Package bridge is the issuer side of the command transport: it owns
// the single agent WebSocket session, correlates requests to responses
// by id, and enforces the per-request timeout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/metrics"
	"github.com/tabwire/tabwire/internal/wire"
)

var (
	// ErrNotConnected is returned immediately when no agent session is
	// active; a disconnected bridge never times a call out.
	ErrNotConnected = errors.New("agent not connected")
	// ErrTimeout is returned when no response arrives in time. The
	// in-flight operation on the agent is not cancelled; its late
	// response is discarded.
	ErrTimeout = errors.New("command timed out")
	// ErrTransportLost rejects every call still pending when the agent
	// session drops.
	ErrTransportLost = errors.New("transport lost")
)

// RemoteError carries an error message produced by the agent.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// DefaultCallTimeout bounds one round trip to the agent.
const DefaultCallTimeout = 30 * time.Second

// readIdleTimeout tears down sessions that stop sending traffic; the
// agent keepalive interval keeps healthy sessions well inside it.
const readIdleTimeout = 60 * time.Second

// Bridge accepts agent connections and dispatches correlated calls.
// Exactly one session is active at a time; a newly accepted session
// replaces the previous one.
type Bridge struct {
	agentKey string
	timeout  time.Duration

	mu   sync.Mutex
	sess *session
}

// New returns a bridge requiring agentKey on connect (empty disables
// auth). A non-positive timeout selects the default.
func New(agentKey string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Bridge{agentKey: agentKey, timeout: timeout}
}

// Connected reports whether an agent session is active.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// Call sends a command and waits for its response under the default
// timeout.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.CallTimeout(ctx, method, params, b.timeout)
}

// CallTimeout is Call with an explicit per-request deadline; replay
// runs use it because a full run can far exceed one round trip.
func (b *Bridge) CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}

	var raw json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		raw = p
	}

	id, ch, err := sess.register()
	if err != nil {
		return nil, err
	}
	req, _ := json.Marshal(wire.Request{ID: id, Method: method, Params: raw})
	if err := sess.enqueue(req); err != nil {
		sess.unregister(id)
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		metrics.ObserveCommand(method, out.err == nil, time.Since(start))
		if out.err != nil {
			return nil, out.err
		}
		if out.remoteErr != "" {
			return nil, &RemoteError{Method: method, Message: out.remoteErr}
		}
		return out.result, nil
	case <-timer.C:
		sess.unregister(id)
		metrics.ObserveCommand(method, false, time.Since(start))
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	case <-ctx.Done():
		sess.unregister(id)
		return nil, ctx.Err()
	}
}

// Accept upgrades an incoming agent connection and serves it until it
// drops. It blocks for the lifetime of the session.
func (b *Bridge) Accept(w http.ResponseWriter, r *http.Request) {
	if b.agentKey != "" && agentKeyFrom(r) != b.agentKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}

	sess := newSession(c)
	b.mu.Lock()
	old := b.sess
	b.sess = sess
	b.mu.Unlock()
	if old != nil {
		logx.Log.Warn().Msg("agent session replaced")
		old.close()
	}
	metrics.SetAgentConnected(true)
	logx.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("agent connected")

	sess.run(r.Context())

	b.mu.Lock()
	current := b.sess == sess
	if current {
		b.sess = nil
	}
	b.mu.Unlock()
	if current {
		metrics.SetAgentConnected(false)
		logx.Log.Info().Msg("agent disconnected")
	}
}

func agentKeyFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("agent_key")
}

type outcome struct {
	result    json.RawMessage
	remoteErr string
	err       error
}

// session is one agent connection with its pending-request table. Every
// table entry is resolved exactly once: by its response, by the caller's
// timeout, or by transport loss.
type session struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan outcome
	closed  bool

	closeOnce sync.Once
}

func newSession(c *websocket.Conn) *session {
	return &session{
		conn:    c,
		send:    make(chan []byte, 32),
		pending: map[int64]chan outcome{},
	}
}

// register allocates the next strictly-increasing id and its result
// channel.
func (s *session) register() (int64, chan outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrNotConnected
	}
	s.nextID++
	ch := make(chan outcome, 1)
	s.pending[s.nextID] = ch
	return s.nextID, ch, nil
}

// unregister removes a pending entry without resolving it; late
// responses for the id become no-ops.
func (s *session) unregister(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// resolve delivers the outcome for id. The entry is removed under the
// lock before sending, so a duplicate response cannot deliver twice.
func (s *session) resolve(id int64, out outcome) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (s *session) enqueue(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return fmt.Errorf("agent send queue full: %w", ErrNotConnected)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = map[int64]chan outcome{}
		s.mu.Unlock()
		for _, ch := range pending {
			ch <- outcome{err: ErrTransportLost}
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

// run pumps the session until the connection drops, then rejects all
// pending entries.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.writeLoop(ctx)
	s.readLoop(ctx)
	s.close()
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, readIdleTimeout)
		_, data, err := s.conn.Read(rctx)
		cancel()
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("undecodable frame from agent")
			continue
		}
		switch env.Kind() {
		case wire.KindResponse:
			out := outcome{result: env.Result}
			if env.Error != nil {
				out.remoteErr = *env.Error
			}
			s.resolve(*env.ID, out)
		case wire.KindControl:
			switch env.Type {
			case wire.ControlKeepalive:
				metrics.RecordKeepalive()
			case wire.ControlExtensionReady:
				logx.Log.Info().Msg("agent reports ready")
			}
		default:
			// Requests never originate from the agent; drop anything else.
		}
	}
}
