// Package recorder captures user-performed browser events into an
// ordered action buffer that can be saved as a named recording.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/recording"
	"github.com/tabwire/tabwire/internal/selector"
	"github.com/tabwire/tabwire/internal/store"
)

// ErrEmptyRecording is returned by Save when no actions were captured.
var ErrEmptyRecording = errors.New("recording has no actions")

// DefaultDebounce is how long a text field must stay idle before its
// edits coalesce into a single type action.
const DefaultDebounce = 500 * time.Millisecond

// Event is one observed page event, emitted by the capture layer to
// the recorder sink. Target carries the serialized DOM context the
// selector generator runs against.
type Event struct {
	Kind     string // "click", "input", "select", "keydown", "file"
	Target   *selector.Node
	Value    string
	Key      string
	FileName string
	FileSize int64
	MimeType string
}

// controlKeys is the restricted set of keys that record a keypress
// action. Everything else is covered by the debounced type action.
var controlKeys = map[string]bool{
	"Enter": true, "Tab": true, "Escape": true,
	"ArrowUp": true, "ArrowDown": true, "ArrowLeft": true, "ArrowRight": true,
}

type pendingType struct {
	value string
	timer *time.Timer
}

// Recorder is the Idle/Recording state machine. A stopped-but-unsaved
// buffer is retained until Save or the next Start.
type Recorder struct {
	mu        sync.Mutex
	recording bool
	origin    string
	buf       []recording.Action
	pending   map[string]*pendingType // selector -> pending type action
	order     []string                // pending selectors, first edit first
	debounce  time.Duration
}

// New returns an idle recorder. A non-positive debounce selects the
// default.
func New(debounce time.Duration) *Recorder {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Recorder{pending: map[string]*pendingType{}, debounce: debounce}
}

// Recording reports whether capture is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start begins a new capture. Any unsaved buffer is discarded and an
// implicit navigate action for the current location opens the buffer.
func (r *Recorder) Start(originURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropPendingLocked()
	r.buf = []recording.Action{{Kind: recording.KindNavigate, URL: originURL}}
	r.origin = originURL
	r.recording = true
	logx.Log.Info().Str("origin", originURL).Msg("recording started")
}

// Stop detaches capture. Pending debounced edits are flushed so the
// final field values are kept; the buffer survives until Save or the
// next Start.
func (r *Recorder) Stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushPendingLocked()
	r.recording = false
	logx.Log.Info().Int("actions", len(r.buf)).Msg("recording stopped")
	return len(r.buf)
}

// Actions returns a copy of the current buffer.
func (r *Recorder) Actions() []recording.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recording.Action, len(r.buf))
	copy(out, r.buf)
	return out
}

// Save persists the buffer under name and clears it. Saving an empty
// buffer fails with ErrEmptyRecording and leaves the store untouched.
func (r *Recorder) Save(ctx context.Context, st store.Store, name string) (recording.Recording, error) {
	r.mu.Lock()
	r.flushPendingLocked()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return recording.Recording{}, ErrEmptyRecording
	}
	rec := recording.Recording{
		Name:      name,
		OriginURL: r.origin,
		CreatedAt: time.Now().UTC(),
		Actions:   append([]recording.Action(nil), r.buf...),
	}
	r.mu.Unlock()

	if err := st.Save(ctx, rec); err != nil {
		return recording.Recording{}, err
	}
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
	logx.Log.Info().Str("name", name).Int("actions", len(rec.Actions)).Msg("recording saved")
	return rec, nil
}

// Handle feeds one observed event into the recorder. Events arriving
// while idle are ignored.
func (r *Recorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	switch ev.Kind {
	case "input":
		if ev.Target == nil {
			return
		}
		r.noteInputLocked(selector.Generate(ev.Target), ev.Value)
		return
	case "click":
		if ev.Target == nil {
			return
		}
		r.appendLocked(recording.Action{Kind: recording.KindClick, Selector: selector.Generate(ev.Target)})
	case "select":
		if ev.Target == nil {
			return
		}
		r.appendLocked(recording.Action{Kind: recording.KindSelect, Selector: selector.Generate(ev.Target), Value: ev.Value})
	case "keydown":
		if ev.Target == nil || !controlKeys[ev.Key] {
			return
		}
		r.appendLocked(recording.Action{Kind: recording.KindKeypress, Selector: selector.Generate(ev.Target), Key: ev.Key})
	case "file":
		if ev.Target == nil {
			return
		}
		r.appendLocked(recording.Action{
			Kind:     recording.KindUpload,
			Selector: selector.Generate(ev.Target),
			FileName: ev.FileName,
			FileSize: ev.FileSize,
			MimeType: ev.MimeType,
		})
	}
}

// appendLocked flushes debounced edits first so action order follows
// what the user actually did, then appends the new action.
func (r *Recorder) appendLocked(a recording.Action) {
	r.flushPendingLocked()
	r.buf = append(r.buf, a)
}

// noteInputLocked records an edit on a text-like field. Intermediate
// keystrokes are not individually recorded: the field's pending value
// is replaced and its idle timer re-armed.
func (r *Recorder) noteInputLocked(sel, value string) {
	if p, ok := r.pending[sel]; ok {
		p.value = value
		p.timer.Reset(r.debounce)
		return
	}
	p := &pendingType{value: value}
	p.timer = time.AfterFunc(r.debounce, func() { r.commitType(sel) })
	r.pending[sel] = p
	r.order = append(r.order, sel)
}

// commitType runs on the debounce timer and appends the coalesced type
// action, unless the field was already flushed or dropped.
func (r *Recorder) commitType(sel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[sel]
	if !ok {
		return
	}
	r.forgetPendingLocked(sel)
	r.buf = append(r.buf, recording.Action{Kind: recording.KindType, Selector: sel, Value: p.value})
}

// flushPendingLocked commits pending edits in the order the fields were
// first touched, so multi-field flushes keep the user's sequence.
func (r *Recorder) flushPendingLocked() {
	for _, sel := range r.order {
		p := r.pending[sel]
		p.timer.Stop()
		delete(r.pending, sel)
		r.buf = append(r.buf, recording.Action{Kind: recording.KindType, Selector: sel, Value: p.value})
	}
	r.order = r.order[:0]
}

func (r *Recorder) dropPendingLocked() {
	for sel, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, sel)
	}
	r.order = r.order[:0]
}

func (r *Recorder) forgetPendingLocked(sel string) {
	delete(r.pending, sel)
	for i, have := range r.order {
		if have == sel {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
