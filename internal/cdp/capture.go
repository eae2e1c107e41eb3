package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/recorder"
	"github.com/tabwire/tabwire/internal/selector"
)

const captureBinding = "__tabwireEmit"

// serializeJS turns the live document into the pruned attribute tree
// the selector generator consumes. Only locator-relevant attributes are
// kept so event payloads stay small.
const serializeJS = `
const KEEP = ['id','class','name','placeholder','aria-label','type',
              'data-testid','data-cy','data-test','data-automation-id'];
const serialize = (el) => {
  const node = { tag: el.tagName ? el.tagName.toLowerCase() : '' };
  const attrs = {};
  for (const a of KEEP) {
    const v = el.getAttribute && el.getAttribute(a);
    if (v) attrs[a] = v;
  }
  if (Object.keys(attrs).length) node.attrs = attrs;
  const children = [];
  for (const c of el.children || []) children.push(serialize(c));
  if (children.length) node.children = children;
  return node;
};
`

const snapshotScript = `(() => {` + serializeJS + `
return serialize(document.documentElement);
})()`

// captureScript installs capturing listeners that forward page events
// through the injected binding. Idempotent per document.
const captureScript = `(() => {` + serializeJS + `
if (window.__tabwireCaptureActive) return;
window.__tabwireCaptureActive = true;
const pathTo = (el) => {
  const path = [];
  let cur = el;
  while (cur && cur !== document.documentElement) {
    const parent = cur.parentElement;
    if (!parent) break;
    path.unshift(Array.prototype.indexOf.call(parent.children, cur));
    cur = parent;
  }
  return path;
};
const emit = (kind, el, extra) => {
  if (!el || !el.tagName || typeof window.` + captureBinding + ` !== 'function') return;
  const payload = Object.assign({
    kind: kind,
    tree: serialize(document.documentElement),
    path: pathTo(el),
  }, extra || {});
  window.` + captureBinding + `(JSON.stringify(payload));
};
const onClick = (e) => emit('click', e.target);
const onInput = (e) => {
  const el = e.target;
  if (!el || !('value' in el)) return;
  if (el.tagName === 'SELECT' || el.type === 'file') return;
  emit('input', el, {value: el.value});
};
const onChange = (e) => {
  const el = e.target;
  if (!el) return;
  if (el.tagName === 'SELECT') { emit('select', el, {value: el.value}); return; }
  if (el.type === 'file' && el.files && el.files.length) {
    const f = el.files[0];
    emit('file', el, {file_name: f.name, file_size: f.size, mime_type: f.type});
  }
};
const onKeydown = (e) => emit('keydown', e.target, {key: e.key});
document.addEventListener('click', onClick, true);
document.addEventListener('input', onInput, true);
document.addEventListener('change', onChange, true);
document.addEventListener('keydown', onKeydown, true);
window.__tabwireCaptureTeardown = () => {
  document.removeEventListener('click', onClick, true);
  document.removeEventListener('input', onInput, true);
  document.removeEventListener('change', onChange, true);
  document.removeEventListener('keydown', onKeydown, true);
  delete window.__tabwireCaptureActive;
};
})()`

const teardownScript = `(() => {
if (window.__tabwireCaptureTeardown) window.__tabwireCaptureTeardown();
})()`

type capturePayload struct {
	Kind     string          `json:"kind"`
	Value    string          `json:"value"`
	Key      string          `json:"key"`
	FileName string          `json:"file_name"`
	FileSize int64           `json:"file_size"`
	MimeType string          `json:"mime_type"`
	Tree     json.RawMessage `json:"tree"`
	Path     []int           `json:"path"`
}

// StartCapture injects the event listeners into the tab and begins
// forwarding observed events to the sink. The listener script is also
// registered for new documents so capture survives navigations.
func (d *Driver) StartCapture(ctx context.Context, tabID string) error {
	if d.sink == nil {
		return fmt.Errorf("no event sink configured")
	}
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	if _, err := d.client.Call(ctx, sess, "Runtime.addBinding", map[string]string{"name": captureBinding}); err != nil {
		return fmt.Errorf("add capture binding: %w", err)
	}

	res, err := d.client.Call(ctx, sess, "Page.addScriptToEvaluateOnNewDocument", map[string]string{"source": captureScript})
	if err != nil {
		return fmt.Errorf("register capture script: %w", err)
	}
	var scriptResp struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(res, &scriptResp); err != nil {
		return fmt.Errorf("parse script registration: %w", err)
	}

	ch := d.client.Subscribe(sess, "Runtime.bindingCalled")
	go d.pumpCapture(ch)

	d.mu.Lock()
	if ts := d.tabs[tabID]; ts != nil {
		ts.mu.Lock()
		ts.captureScriptID = scriptResp.Identifier
		ts.stops = append(ts.stops, func() { d.client.Unsubscribe(sess, "Runtime.bindingCalled", ch) })
		ts.mu.Unlock()
	}
	d.mu.Unlock()

	if _, err := d.evaluate(ctx, sess, captureScript); err != nil {
		return fmt.Errorf("install capture listeners: %w", err)
	}
	return nil
}

// StopCapture removes the listeners from the tab. The binding stays
// registered; with the listeners gone it never fires.
func (d *Driver) StopCapture(ctx context.Context, tabID string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	ts := d.tabs[tabID]
	d.mu.Unlock()
	if ts != nil {
		ts.mu.Lock()
		scriptID := ts.captureScriptID
		ts.captureScriptID = ""
		ts.mu.Unlock()
		if scriptID != "" {
			_, _ = d.client.Call(ctx, sess, "Page.removeScriptToEvaluateOnNewDocument", map[string]string{"identifier": scriptID})
		}
	}
	_, err = d.evaluate(ctx, sess, teardownScript)
	return err
}

func (d *Driver) pumpCapture(ch chan json.RawMessage) {
	for params := range ch {
		var ev struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.Name != captureBinding {
			continue
		}
		var p capturePayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			logx.Log.Warn().Err(err).Msg("undecodable capture payload")
			continue
		}
		target, err := selector.DecodeTree(p.Tree, p.Path)
		if err != nil {
			logx.Log.Warn().Err(err).Str("kind", p.Kind).Msg("capture target unresolvable")
			continue
		}
		d.sink(recorder.Event{
			Kind:     p.Kind,
			Target:   target,
			Value:    p.Value,
			Key:      p.Key,
			FileName: p.FileName,
			FileSize: p.FileSize,
			MimeType: p.MimeType,
		})
	}
}
