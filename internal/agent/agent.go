// Package agent maintains the executor's link to the bridge server:
// dial, serve, reconnect forever.
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tabwire/tabwire/internal/ctrlstate"
	"github.com/tabwire/tabwire/internal/executor"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/metrics"
	"github.com/tabwire/tabwire/internal/wire"
)

const (
	// DefaultReconnectDelay is the fixed pause between reconnect
	// attempts. Connection attempts never give up.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultKeepaliveInterval paces the uncorrelated keepalive frames.
	DefaultKeepaliveInterval = 20 * time.Second
)

// Options configures the bridge link.
type Options struct {
	ServerURL         string
	AgentKey          string
	Executor          *executor.Executor
	State             *ctrlstate.State
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	Reconnect         bool
}

// Run connects to the server and serves commands until ctx is
// cancelled. Lost connections are re-established after a fixed delay;
// in-flight commands die with their connection.
func Run(ctx context.Context, opts Options) error {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}

	first := true
	for {
		if !first {
			metrics.RecordReconnect()
		}
		err := connectAndServe(ctx, opts)
		opts.State.SetTransportConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !opts.Reconnect {
			return err
		}
		first = false
		logx.Log.Warn().Err(err).Dur("delay", opts.ReconnectDelay).Msg("bridge connection lost; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.ReconnectDelay):
		}
	}
}

func connectAndServe(ctx context.Context, opts Options) error {
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	hdr := http.Header{}
	if opts.AgentKey != "" {
		hdr.Set("Authorization", "Bearer "+opts.AgentKey)
	}
	ws, _, err := websocket.Dial(connCtx, opts.ServerURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return err
	}
	defer func() { _ = ws.Close(websocket.StatusInternalError, "closing") }()
	ws.SetReadLimit(16 << 20)

	logx.Log.Info().Str("server", opts.ServerURL).Msg("connected to bridge server")
	opts.State.SetTransportConnected(true)

	ready, _ := json.Marshal(wire.Control{Type: wire.ControlExtensionReady})
	if err := ws.Write(connCtx, websocket.MessageText, ready); err != nil {
		return err
	}

	sendCh := make(chan []byte, 16)
	go func() {
		for {
			select {
			case msg := <-sendCh:
				if err := ws.Write(connCtx, websocket.MessageText, msg); err != nil {
					cancelConn()
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	go keepalive(connCtx, sendCh, opts.KeepaliveInterval)

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			return err
		}
		env, err := wire.Decode(data)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("undecodable bridge frame")
			continue
		}
		switch env.Kind() {
		case wire.KindRequest:
			req := wire.Request{ID: *env.ID, Method: env.Method, Params: env.Params}
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				serve(connCtx, opts.Executor, req, sendCh)
			}()
		case wire.KindControl:
			// The server sends no controls today; tolerate them anyway.
			logx.Log.Debug().Str("type", env.Type).Msg("control frame from server")
		default:
			logx.Log.Warn().Msg("unexpected bridge frame; dropped")
		}
	}
}

// serve executes one command and queues its response. Exactly one of
// result or error is set.
func serve(ctx context.Context, ex *executor.Executor, req wire.Request, sendCh chan<- []byte) {
	resp := wire.Response{ID: req.ID}
	res, err := ex.Execute(ctx, req.Method, req.Params)
	if err != nil {
		resp.Error = err.Error()
	} else {
		b, merr := json.Marshal(res)
		if merr != nil {
			resp.Error = merr.Error()
		} else {
			resp.Result = b
		}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		logx.Log.Error().Err(err).Int64("id", req.ID).Msg("marshal response")
		return
	}
	select {
	case sendCh <- out:
	case <-ctx.Done():
	}
}

func keepalive(ctx context.Context, sendCh chan<- []byte, interval time.Duration) {
	msg, _ := json.Marshal(wire.Control{Type: wire.ControlKeepalive})
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case sendCh <- msg:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
