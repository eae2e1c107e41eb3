package replay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tabwire/tabwire/internal/recording"
	"github.com/tabwire/tabwire/internal/store"
)

type call struct {
	method string
	params map[string]string
	at     time.Time
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]string // method -> error message
}

func (f *fakeCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p map[string]string
	if params != nil {
		b, _ := json.Marshal(params)
		_ = json.Unmarshal(b, &p)
	}
	f.calls = append(f.calls, call{method: method, params: p, at: time.Now()})
	if msg, ok := f.fail[method]; ok {
		return nil, errors.New(msg)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func saveRecording(t *testing.T, st store.Store, name string, actions ...recording.Action) {
	t.Helper()
	err := st.Save(context.Background(), recording.Recording{
		Name: name, OriginURL: "https://x", CreatedAt: time.Now(), Actions: actions,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestReplayUnknownName(t *testing.T) {
	e := New(newStore(t), &fakeCaller{}, Delays{}, "")
	if _, err := e.Replay(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReplayOrderAndResults(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.KindNavigate, URL: "https://x"},
		recording.Action{Kind: recording.KindClick, Selector: "#go"},
		recording.Action{Kind: recording.KindType, Selector: "#q", Value: "hello"},
	)
	fc := &fakeCaller{}
	delays := Delays{Navigate: 30 * time.Millisecond, Click: 15 * time.Millisecond, Type: 5 * time.Millisecond}
	res, err := New(st, fc, delays, "").Replay(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.ActionsExecuted != 3 || len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %+v", res)
	}
	for i, ar := range res.Results {
		if !ar.Success {
			t.Fatalf("step %d failed: %+v", i, ar)
		}
	}
	want := []string{"page.navigate", "dom.click", "dom.type"}
	for i, c := range fc.calls {
		if c.method != want[i] {
			t.Fatalf("call %d = %s, want %s", i, c.method, want[i])
		}
	}
	// Settle delays separate consecutive calls.
	if gap := fc.calls[1].at.Sub(fc.calls[0].at); gap < delays.Navigate {
		t.Fatalf("navigate settle %v < %v", gap, delays.Navigate)
	}
	if gap := fc.calls[2].at.Sub(fc.calls[1].at); gap < delays.Click {
		t.Fatalf("click settle %v < %v", gap, delays.Click)
	}
}

func TestReplayContinuesPastFailure(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.KindClick, Selector: "#missing"},
		recording.Action{Kind: recording.KindKeypress, Selector: "#q", Key: "Enter"},
	)
	fc := &fakeCaller{fail: map[string]string{"dom.click": "no element matches #missing"}}
	res, err := New(st, fc, Delays{}, "").Replay(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("failure aborted the run: %+v", res)
	}
	first := res.Results[0]
	if first.Success || first.Error != "no element matches #missing" {
		t.Fatalf("failure not reported: %+v", first)
	}
	if !res.Results[1].Success {
		t.Fatalf("subsequent action not executed: %+v", res.Results[1])
	}
}

func TestReplaySkipsMetadataOnlyUpload(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.KindUpload, Selector: "#f", FileName: "cv.pdf", MimeType: "application/pdf"},
	)
	fc := &fakeCaller{}
	res, err := New(st, fc, Delays{}, "").Replay(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	ar := res.Results[0]
	if !ar.Skipped || ar.Success || ar.Error != "" {
		t.Fatalf("upload should be skipped, not failed: %+v", ar)
	}
	if len(fc.calls) != 0 {
		t.Fatalf("skipped action reached the caller: %+v", fc.calls)
	}
}

func TestReplayUploadsWhenFilePresent(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.KindUpload, Selector: "#f", FileName: "cv.pdf", MimeType: "application/pdf"},
	)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cv.pdf"), []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	fc := &fakeCaller{}
	res, err := New(st, fc, Delays{}, dir).Replay(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Results[0].Success {
		t.Fatalf("upload with file present should run: %+v", res.Results[0])
	}
	if len(fc.calls) != 1 || fc.calls[0].method != "dom.upload" || fc.calls[0].params["content"] == "" {
		t.Fatalf("unexpected call: %+v", fc.calls)
	}
}

func TestReplaySkipsUnknownKind(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.Kind("hover")},
		recording.Action{Kind: recording.KindClick, Selector: "#go"},
	)
	res, err := New(st, &fakeCaller{}, Delays{}, "").Replay(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Results[0].Skipped {
		t.Fatalf("unknown kind should be skipped: %+v", res.Results[0])
	}
	if !res.Results[1].Success {
		t.Fatalf("run should continue after a skip: %+v", res.Results[1])
	}
}

func TestReplayHonoursCancellation(t *testing.T) {
	st := newStore(t)
	saveRecording(t, st, "t1",
		recording.Action{Kind: recording.KindNavigate, URL: "https://x"},
		recording.Action{Kind: recording.KindClick, Selector: "#go"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(st, &fakeCaller{}, DefaultDelays(), "").Replay(ctx, "t1"); err == nil {
		t.Fatal("cancelled replay should error")
	}
}
