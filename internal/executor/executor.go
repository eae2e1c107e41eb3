// Package executor dispatches named bridge commands against the
// currently targeted tab. It owns the gating contract — control
// enabled, target present, target alive — and delegates browser
// semantics to the Driver.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tabwire/tabwire/internal/ctrlstate"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/recorder"
	"github.com/tabwire/tabwire/internal/replay"
	"github.com/tabwire/tabwire/internal/store"
)

var (
	// ErrNoTarget is returned by operations that need a targeted tab
	// when none is set.
	ErrNoTarget = errors.New("no tab targeted")
	// ErrTargetNotFound is returned when the targeted tab no longer
	// exists; the target is cleared as a side effect.
	ErrTargetNotFound = errors.New("targeted tab no longer exists")
	// ErrUnknownMethod is returned for methods outside the catalog.
	ErrUnknownMethod = errors.New("unknown method")
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Executor holds the dispatch table. The table is built once in New and
// validated there: registering the same method twice is a programming
// error and panics at startup, which keeps the catalog enumerable.
type Executor struct {
	state    *ctrlstate.State
	driver   Driver
	rec      *recorder.Recorder
	st       store.Store
	engine   *replay.Engine
	handlers map[string]handlerFunc
}

// Options carries the executor's collaborators.
type Options struct {
	State      *ctrlstate.State
	Driver     Driver
	Recorder   *recorder.Recorder
	Store      store.Store
	Delays     replay.Delays
	UploadsDir string
}

// New builds the executor and registers the full command catalog.
func New(opts Options) *Executor {
	ex := &Executor{
		state:    opts.State,
		driver:   opts.Driver,
		rec:      opts.Recorder,
		st:       opts.Store,
		handlers: map[string]handlerFunc{},
	}
	ex.engine = replay.New(opts.Store, replay.CallerFunc(ex.Call), opts.Delays, opts.UploadsDir)
	ex.registerAll()
	return ex
}

// Execute runs one named command. Unknown methods fail without a
// default fall-through.
func (ex *Executor) Execute(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h, ok := ex.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return h(ctx, params)
}

// Call adapts Execute to the replay.Caller shape so the replay engine
// drives the exact same dispatch an issuer does.
func (ex *Executor) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	res, err := ex.Execute(ctx, method, raw)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

// Methods returns the sorted command catalog.
func (ex *Executor) Methods() []string {
	out := make([]string, 0, len(ex.handlers))
	for m := range ex.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (ex *Executor) register(method string, h handlerFunc) {
	if _, dup := ex.handlers[method]; dup {
		panic("executor: duplicate method " + method)
	}
	ex.handlers[method] = h
}

// needControl gates operations that may list or target tabs.
func (ex *Executor) needControl() error {
	if !ex.state.Get().ControlEnabled {
		return ctrlstate.ErrControlDisabled
	}
	return nil
}

// target resolves the current target and verifies it still exists.
// A vanished tab clears the target before failing.
func (ex *Executor) target(ctx context.Context) (string, error) {
	snap := ex.state.Get()
	if !snap.ControlEnabled {
		return "", ctrlstate.ErrControlDisabled
	}
	if snap.TargetTabID == "" {
		return "", ErrNoTarget
	}
	_, ok, err := ex.driver.Info(ctx, snap.TargetTabID)
	if err != nil {
		return "", fmt.Errorf("check tab %s: %w", snap.TargetTabID, err)
	}
	if !ok {
		ex.state.DropTargetIf(snap.TargetTabID)
		logx.Log.Warn().Str("tab", snap.TargetTabID).Msg("targeted tab gone; target cleared")
		return "", ErrTargetNotFound
	}
	return snap.TargetTabID, nil
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}
