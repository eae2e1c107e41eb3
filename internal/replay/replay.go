// Package replay re-executes saved recordings through the same command
// interface issuers use, one action at a time.
package replay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/metrics"
	"github.com/tabwire/tabwire/internal/recording"
	"github.com/tabwire/tabwire/internal/store"
)

// Caller issues one named command and returns its result. The executor
// satisfies this locally; the bridge satisfies it remotely.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f(ctx, method, params)
}

// Delays are the per-kind settle pauses applied after each successful
// action, approximating real-user pacing. The defaults are deliberate
// guesses, not tuned values, which is why they are configuration.
type Delays struct {
	Navigate time.Duration `yaml:"navigate"`
	Click    time.Duration `yaml:"click"`
	Type     time.Duration `yaml:"type"`
	Select   time.Duration `yaml:"select"`
	Keypress time.Duration `yaml:"keypress"`
	Upload   time.Duration `yaml:"upload"`
}

// DefaultDelays returns the stock settle delays.
func DefaultDelays() Delays {
	return Delays{
		Navigate: time.Second,
		Click:    300 * time.Millisecond,
		Type:     100 * time.Millisecond,
		Select:   100 * time.Millisecond,
		Keypress: 100 * time.Millisecond,
		Upload:   0,
	}
}

func (d Delays) forKind(k recording.Kind) time.Duration {
	switch k {
	case recording.KindNavigate:
		return d.Navigate
	case recording.KindClick:
		return d.Click
	case recording.KindType:
		return d.Type
	case recording.KindSelect:
		return d.Select
	case recording.KindKeypress:
		return d.Keypress
	default:
		return d.Upload
	}
}

// ActionResult is the outcome of one replayed action. Skipped marks
// actions that could not be attempted (metadata-only uploads, unknown
// kinds); they are not failures.
type ActionResult struct {
	Action  recording.Action `json:"action"`
	Success bool             `json:"success"`
	Skipped bool             `json:"skipped,omitempty"`
	Error   string           `json:"error,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
}

// Result reports a full run: exactly one entry per recorded action, in
// recorded order, regardless of individual failures.
type Result struct {
	RunID           string         `json:"run_id"`
	Name            string         `json:"name"`
	ActionsExecuted int            `json:"actions_executed"`
	Results         []ActionResult `json:"results"`
}

// Engine drives recordings through a Caller.
type Engine struct {
	st         store.Store
	caller     Caller
	delays     Delays
	uploadsDir string
}

// New builds an engine. uploadsDir, when non-empty, lets upload actions
// replay files found there by their recorded name; otherwise uploads
// are skipped since recordings only capture metadata.
func New(st store.Store, caller Caller, delays Delays, uploadsDir string) *Engine {
	return &Engine{st: st, caller: caller, delays: delays, uploadsDir: uploadsDir}
}

// Replay executes the named recording strictly in order. A failing
// action is reported and the run continues; only an unknown name or a
// cancelled context aborts.
func (e *Engine) Replay(ctx context.Context, name string) (*Result, error) {
	rec, err := e.st.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.NewString(), Name: name, Results: make([]ActionResult, 0, len(rec.Actions))}
	logx.Log.Info().Str("run_id", res.RunID).Str("name", name).Int("actions", len(rec.Actions)).Msg("replay started")

	for i, action := range rec.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ar := e.step(ctx, action)
		res.Results = append(res.Results, ar)
		res.ActionsExecuted++
		metrics.RecordReplayAction(string(action.Kind), outcomeOf(ar))

		switch {
		case ar.Skipped:
			logx.Log.Debug().Int("step", i).Str("kind", string(action.Kind)).Msg("action skipped")
		case !ar.Success:
			logx.Log.Warn().Int("step", i).Str("kind", string(action.Kind)).Str("error", ar.Error).Msg("action failed; continuing")
		default:
			if d := e.delays.forKind(action.Kind); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return nil, err
				}
			}
		}
	}
	logx.Log.Info().Str("run_id", res.RunID).Int("executed", res.ActionsExecuted).Msg("replay finished")
	return res, nil
}

func (e *Engine) step(ctx context.Context, a recording.Action) ActionResult {
	method, params, skip := e.plan(a)
	if skip {
		return ActionResult{Action: a, Skipped: true}
	}
	raw, err := e.caller.Call(ctx, method, params)
	if err != nil {
		return ActionResult{Action: a, Error: err.Error()}
	}
	return ActionResult{Action: a, Success: true, Result: raw}
}

// plan maps a recorded action onto a command. Uploads are only
// attempted when the recorded file is actually present in uploadsDir.
func (e *Engine) plan(a recording.Action) (method string, params any, skip bool) {
	switch a.Kind {
	case recording.KindNavigate:
		return "page.navigate", map[string]string{"url": a.URL}, false
	case recording.KindClick:
		return "dom.click", map[string]string{"selector": a.Selector}, false
	case recording.KindType:
		return "dom.type", map[string]string{"selector": a.Selector, "value": a.Value}, false
	case recording.KindSelect:
		return "dom.select", map[string]string{"selector": a.Selector, "value": a.Value}, false
	case recording.KindKeypress:
		return "dom.press_key", map[string]string{"selector": a.Selector, "key": a.Key}, false
	case recording.KindUpload:
		if e.uploadsDir == "" || a.FileName == "" {
			return "", nil, true
		}
		b, err := os.ReadFile(filepath.Join(e.uploadsDir, filepath.Base(a.FileName)))
		if err != nil {
			return "", nil, true
		}
		return "dom.upload", map[string]string{
			"selector":  a.Selector,
			"file_name": a.FileName,
			"mime_type": a.MimeType,
			"content":   base64.StdEncoding.EncodeToString(b),
		}, false
	default:
		return "", nil, true
	}
}

func outcomeOf(ar ActionResult) string {
	switch {
	case ar.Skipped:
		return "skipped"
	case ar.Success:
		return "success"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
