package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tabwire/tabwire/internal/executor"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/recorder"
)

// EventSink receives page events observed by the capture layer.
type EventSink func(recorder.Event)

// Driver drives a real browser through a Client. It satisfies
// executor.Driver: targeting, gating and recording policy live above
// it, only protocol mechanics live here.
type Driver struct {
	client *Client
	sink   EventSink

	mu       sync.Mutex
	sessions map[string]string // targetID -> sessionID
	tabs     map[string]*tabState
}

type tabState struct {
	mu              sync.Mutex
	console         []executor.ConsoleEntry
	network         []executor.NetworkEntry
	stops           []func()
	captureScriptID string
}

// NewDriver wraps an established DevTools connection. sink, when
// non-nil, receives events while capture is active on a tab.
func NewDriver(client *Client, sink EventSink) *Driver {
	return &Driver{
		client:   client,
		sink:     sink,
		sessions: map[string]string{},
		tabs:     map[string]*tabState{},
	}
}

// Close drops all sessions and the underlying connection.
func (d *Driver) Close() {
	d.mu.Lock()
	for _, ts := range d.tabs {
		ts.stop()
	}
	d.tabs = map[string]*tabState{}
	d.sessions = map[string]string{}
	d.mu.Unlock()
	d.client.Close()
}

func (ts *tabState) stop() {
	ts.mu.Lock()
	stops := ts.stops
	ts.stops = nil
	ts.mu.Unlock()
	for _, fn := range stops {
		fn()
	}
}

// session returns the flat session for a target, attaching on first
// use. Attached sessions get Page, Runtime and Network enabled and the
// console/network pumps started.
func (d *Driver) session(ctx context.Context, targetID string) (string, error) {
	d.mu.Lock()
	if sess, ok := d.sessions[targetID]; ok {
		d.mu.Unlock()
		return sess, nil
	}
	d.mu.Unlock()

	res, err := d.client.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return "", fmt.Errorf("attach to %s: %w", targetID, err)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attach); err != nil {
		return "", fmt.Errorf("parse attach response: %w", err)
	}
	sess := attach.SessionID

	for _, domain := range []string{"Page.enable", "Runtime.enable", "Network.enable"} {
		if _, err := d.client.Call(ctx, sess, domain, nil); err != nil {
			return "", fmt.Errorf("%s: %w", domain, err)
		}
	}

	ts := &tabState{}
	d.mu.Lock()
	d.sessions[targetID] = sess
	d.tabs[targetID] = ts
	d.mu.Unlock()

	d.pumpConsole(sess, ts)
	d.pumpNetwork(sess, ts)
	return sess, nil
}

func (d *Driver) pumpConsole(sess string, ts *tabState) {
	ch := d.client.Subscribe(sess, "Runtime.consoleAPICalled")
	ts.mu.Lock()
	ts.stops = append(ts.stops, func() { d.client.Unsubscribe(sess, "Runtime.consoleAPICalled", ch) })
	ts.mu.Unlock()
	go func() {
		for params := range ch {
			var ev struct {
				Type string `json:"type"`
				Args []struct {
					Value any `json:"value"`
				} `json:"args"`
			}
			if err := json.Unmarshal(params, &ev); err != nil {
				continue
			}
			text := ""
			for i, a := range ev.Args {
				if i > 0 {
					text += " "
				}
				if a.Value != nil {
					text += fmt.Sprintf("%v", a.Value)
				}
			}
			ts.mu.Lock()
			ts.console = append(ts.console, executor.ConsoleEntry{Level: ev.Type, Text: text})
			ts.mu.Unlock()
		}
	}()
}

func (d *Driver) pumpNetwork(sess string, ts *tabState) {
	reqCh := d.client.Subscribe(sess, "Network.requestWillBeSent")
	respCh := d.client.Subscribe(sess, "Network.responseReceived")
	ts.mu.Lock()
	ts.stops = append(ts.stops,
		func() { d.client.Unsubscribe(sess, "Network.requestWillBeSent", reqCh) },
		func() { d.client.Unsubscribe(sess, "Network.responseReceived", respCh) },
	)
	ts.mu.Unlock()
	go func() {
		for params := range reqCh {
			var ev struct {
				Request struct {
					URL    string `json:"url"`
					Method string `json:"method"`
				} `json:"request"`
			}
			if err := json.Unmarshal(params, &ev); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.network = append(ts.network, executor.NetworkEntry{URL: ev.Request.URL, Method: ev.Request.Method})
			ts.mu.Unlock()
		}
	}()
	go func() {
		for params := range respCh {
			var ev struct {
				Response struct {
					URL      string `json:"url"`
					Status   int    `json:"status"`
					MimeType string `json:"mimeType"`
				} `json:"response"`
			}
			if err := json.Unmarshal(params, &ev); err != nil {
				continue
			}
			ts.mu.Lock()
			ts.network = append(ts.network, executor.NetworkEntry{
				URL: ev.Response.URL, Status: ev.Response.Status, MimeType: ev.Response.MimeType,
			})
			ts.mu.Unlock()
		}
	}()
}

func (d *Driver) ListTabs(ctx context.Context) ([]executor.TabInfo, error) {
	res, err := d.client.Call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			Title    string `json:"title"`
			URL      string `json:"url"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	tabs := make([]executor.TabInfo, 0, len(resp.TargetInfos))
	for _, t := range resp.TargetInfos {
		if t.Type != "page" {
			continue
		}
		tabs = append(tabs, executor.TabInfo{ID: t.TargetID, Title: t.Title, URL: t.URL})
	}
	return tabs, nil
}

func (d *Driver) Info(ctx context.Context, tabID string) (executor.TabInfo, bool, error) {
	tabs, err := d.ListTabs(ctx)
	if err != nil {
		return executor.TabInfo{}, false, err
	}
	for _, t := range tabs {
		if t.ID == tabID {
			return t, true, nil
		}
	}
	return executor.TabInfo{}, false, nil
}

func (d *Driver) CreateTab(ctx context.Context, url string) (executor.TabInfo, error) {
	if url == "" {
		url = "about:blank"
	}
	res, err := d.client.Call(ctx, "", "Target.createTarget", map[string]string{"url": url})
	if err != nil {
		return executor.TabInfo{}, err
	}
	var resp struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return executor.TabInfo{}, fmt.Errorf("parse create target: %w", err)
	}
	return executor.TabInfo{ID: resp.TargetID, URL: url}, nil
}

func (d *Driver) CloseTab(ctx context.Context, tabID string) error {
	_ = d.Detach(ctx, tabID)
	_, err := d.client.Call(ctx, "", "Target.closeTarget", map[string]string{"targetId": tabID})
	return err
}

func (d *Driver) Attach(ctx context.Context, tabID string) error {
	_, err := d.session(ctx, tabID)
	return err
}

func (d *Driver) Detach(ctx context.Context, tabID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[tabID]
	ts := d.tabs[tabID]
	delete(d.sessions, tabID)
	delete(d.tabs, tabID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if ts != nil {
		ts.stop()
	}
	_, err := d.client.Call(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": sess})
	return err
}

func (d *Driver) Navigate(ctx context.Context, tabID, url string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	loadCh := d.client.Subscribe(sess, "Page.loadEventFired")
	defer d.client.Unsubscribe(sess, "Page.loadEventFired", loadCh)

	res, err := d.client.Call(ctx, sess, "Page.navigate", map[string]string{"url": url})
	if err != nil {
		return err
	}
	var resp struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return fmt.Errorf("parse navigate: %w", err)
	}
	if resp.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, resp.ErrorText)
	}
	select {
	case <-loadCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.client.Done():
		return ErrClosed
	}
	return nil
}

func (d *Driver) Back(ctx context.Context, tabID string) error {
	return d.stepHistory(ctx, tabID, -1)
}

func (d *Driver) Forward(ctx context.Context, tabID string) error {
	return d.stepHistory(ctx, tabID, +1)
}

func (d *Driver) stepHistory(ctx context.Context, tabID string, delta int) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	res, err := d.client.Call(ctx, sess, "Page.getNavigationHistory", nil)
	if err != nil {
		return err
	}
	var hist struct {
		CurrentIndex int `json:"currentIndex"`
		Entries      []struct {
			ID int `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(res, &hist); err != nil {
		return fmt.Errorf("parse history: %w", err)
	}
	i := hist.CurrentIndex + delta
	if i < 0 || i >= len(hist.Entries) {
		return fmt.Errorf("no history entry in that direction")
	}
	_, err = d.client.Call(ctx, sess, "Page.navigateToHistoryEntry", map[string]int{"entryId": hist.Entries[i].ID})
	return err
}

// nodeID resolves a selector to a DOM node id, failing when nothing
// matches.
func (d *Driver) nodeID(ctx context.Context, sess, selector string) (int, error) {
	doc, err := d.client.Call(ctx, sess, "DOM.getDocument", nil)
	if err != nil {
		return 0, err
	}
	var docResp struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(doc, &docResp); err != nil {
		return 0, fmt.Errorf("parse document: %w", err)
	}
	res, err := d.client.Call(ctx, sess, "DOM.querySelector", map[string]any{
		"nodeId":   docResp.Root.NodeID,
		"selector": selector,
	})
	if err != nil {
		return 0, err
	}
	var q struct {
		NodeID int `json:"nodeId"`
	}
	if err := json.Unmarshal(res, &q); err != nil {
		return 0, fmt.Errorf("parse query: %w", err)
	}
	if q.NodeID == 0 {
		return 0, fmt.Errorf("no element matches %s", selector)
	}
	return q.NodeID, nil
}

// center returns the midpoint of an element's content box.
func (d *Driver) center(ctx context.Context, sess, selector string) (float64, float64, error) {
	nodeID, err := d.nodeID(ctx, sess, selector)
	if err != nil {
		return 0, 0, err
	}
	res, err := d.client.Call(ctx, sess, "DOM.getBoxModel", map[string]int{"nodeId": nodeID})
	if err != nil {
		return 0, 0, err
	}
	var box struct {
		Model struct {
			Content []float64 `json:"content"` // x1,y1 .. x4,y4
		} `json:"model"`
	}
	if err := json.Unmarshal(res, &box); err != nil {
		return 0, 0, fmt.Errorf("parse box model: %w", err)
	}
	c := box.Model.Content
	if len(c) < 8 {
		return 0, 0, fmt.Errorf("element %s has no box", selector)
	}
	return (c[0] + c[2] + c[4] + c[6]) / 4, (c[1] + c[3] + c[5] + c[7]) / 4, nil
}

func (d *Driver) mouse(ctx context.Context, sess, kind string, x, y float64, click bool) error {
	params := map[string]any{"type": kind, "x": x, "y": y}
	if click {
		params["button"] = "left"
		params["clickCount"] = 1
	}
	_, err := d.client.Call(ctx, sess, "Input.dispatchMouseEvent", params)
	return err
}

func (d *Driver) Click(ctx context.Context, tabID, selector string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	x, y, err := d.center(ctx, sess, selector)
	if err != nil {
		return err
	}
	if err := d.mouse(ctx, sess, "mouseMoved", x, y, false); err != nil {
		return err
	}
	if err := d.mouse(ctx, sess, "mousePressed", x, y, true); err != nil {
		return err
	}
	return d.mouse(ctx, sess, "mouseReleased", x, y, true)
}

func (d *Driver) Hover(ctx context.Context, tabID, selector string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	x, y, err := d.center(ctx, sess, selector)
	if err != nil {
		return err
	}
	return d.mouse(ctx, sess, "mouseMoved", x, y, false)
}

func (d *Driver) TypeText(ctx context.Context, tabID, selector, value string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	nodeID, err := d.nodeID(ctx, sess, selector)
	if err != nil {
		return err
	}
	if _, err := d.client.Call(ctx, sess, "DOM.focus", map[string]int{"nodeId": nodeID}); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	// Clear any existing value so replays are idempotent.
	_, err = d.evaluate(ctx, sess, fmt.Sprintf(`(() => { const el = document.querySelector(%q); if (el) el.value = ''; })()`, selector))
	if err != nil {
		return err
	}
	_, err = d.client.Call(ctx, sess, "Input.insertText", map[string]string{"text": value})
	return err
}

func (d *Driver) SelectOption(ctx context.Context, tabID, selector, value string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf(`(() => {
  const el = document.querySelector(%q);
  if (!el) throw new Error('no element matches ' + %q);
  el.value = %q;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
})()`, selector, selector, value)
	_, err = d.evaluate(ctx, sess, expr)
	return err
}

var keyCodes = map[string]int{
	"Enter": 13, "Tab": 9, "Escape": 27,
	"ArrowUp": 38, "ArrowDown": 40, "ArrowLeft": 37, "ArrowRight": 39,
	"Backspace": 8, "Delete": 46, "Home": 36, "End": 35,
}

func (d *Driver) PressKey(ctx context.Context, tabID, selector, key string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	if selector != "" {
		nodeID, err := d.nodeID(ctx, sess, selector)
		if err != nil {
			return err
		}
		if _, err := d.client.Call(ctx, sess, "DOM.focus", map[string]int{"nodeId": nodeID}); err != nil {
			return fmt.Errorf("focus %s: %w", selector, err)
		}
	}
	params := map[string]any{"type": "keyDown", "key": key}
	if code, ok := keyCodes[key]; ok {
		params["windowsVirtualKeyCode"] = code
		params["nativeVirtualKeyCode"] = code
	}
	if _, err := d.client.Call(ctx, sess, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("keyDown %q: %w", key, err)
	}
	params["type"] = "keyUp"
	if _, err := d.client.Call(ctx, sess, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("keyUp %q: %w", key, err)
	}
	return nil
}

func (d *Driver) Drag(ctx context.Context, tabID, fromSelector, toSelector string) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	fx, fy, err := d.center(ctx, sess, fromSelector)
	if err != nil {
		return err
	}
	tx, ty, err := d.center(ctx, sess, toSelector)
	if err != nil {
		return err
	}
	if err := d.mouse(ctx, sess, "mouseMoved", fx, fy, false); err != nil {
		return err
	}
	if err := d.mouse(ctx, sess, "mousePressed", fx, fy, true); err != nil {
		return err
	}
	if err := d.mouse(ctx, sess, "mouseMoved", tx, ty, false); err != nil {
		return err
	}
	return d.mouse(ctx, sess, "mouseReleased", tx, ty, true)
}

func (d *Driver) Scroll(ctx context.Context, tabID, selector string, dx, dy int) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	var expr string
	if selector == "" {
		expr = fmt.Sprintf(`window.scrollBy(%d, %d)`, dx, dy)
	} else {
		expr = fmt.Sprintf(`(() => {
  const el = document.querySelector(%q);
  if (!el) throw new Error('no element matches ' + %q);
  el.scrollBy(%d, %d);
})()`, selector, selector, dx, dy)
	}
	_, err = d.evaluate(ctx, sess, expr)
	return err
}

// Upload stages the file content on disk and points the input at it.
// DOM.setFileInputFiles only takes paths, so the agent must share a
// filesystem with the browser.
func (d *Driver) Upload(ctx context.Context, tabID, selector, fileName, mimeType string, content []byte) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	nodeID, err := d.nodeID(ctx, sess, selector)
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "tabwire-upload-")
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	_, err = d.client.Call(ctx, sess, "DOM.setFileInputFiles", map[string]any{
		"nodeId": nodeID,
		"files":  []string{path},
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	logx.Log.Debug().Str("file", fileName).Str("mime", mimeType).Msg("upload staged")
	return nil
}

func (d *Driver) Screenshot(ctx context.Context, tabID, format string) (string, error) {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return "", err
	}
	res, err := d.client.Call(ctx, sess, "Page.captureScreenshot", map[string]string{"format": format})
	if err != nil {
		return "", err
	}
	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return "", fmt.Errorf("parse screenshot: %w", err)
	}
	return resp.Data, nil
}

func (d *Driver) Snapshot(ctx context.Context, tabID string) (json.RawMessage, error) {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return d.evaluate(ctx, sess, snapshotScript)
}

func (d *Driver) ReadConsole(ctx context.Context, tabID string) ([]executor.ConsoleEntry, error) {
	if _, err := d.session(ctx, tabID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	ts := d.tabs[tabID]
	d.mu.Unlock()
	ts.mu.Lock()
	out := ts.console
	ts.console = nil
	ts.mu.Unlock()
	return out, nil
}

func (d *Driver) ReadNetwork(ctx context.Context, tabID string) ([]executor.NetworkEntry, error) {
	if _, err := d.session(ctx, tabID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	ts := d.tabs[tabID]
	d.mu.Unlock()
	ts.mu.Lock()
	out := ts.network
	ts.network = nil
	ts.mu.Unlock()
	return out, nil
}

func (d *Driver) GetCookies(ctx context.Context, tabID string) ([]executor.Cookie, error) {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return nil, err
	}
	res, err := d.client.Call(ctx, sess, "Network.getCookies", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Cookies []struct {
			Name     string  `json:"name"`
			Value    string  `json:"value"`
			Domain   string  `json:"domain"`
			Path     string  `json:"path"`
			Expires  float64 `json:"expires"`
			HTTPOnly bool    `json:"httpOnly"`
			Secure   bool    `json:"secure"`
		} `json:"cookies"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return nil, fmt.Errorf("parse cookies: %w", err)
	}
	out := make([]executor.Cookie, 0, len(resp.Cookies))
	for _, c := range resp.Cookies {
		out = append(out, executor.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: c.Expires, HTTPOnly: c.HTTPOnly, Secure: c.Secure,
		})
	}
	return out, nil
}

func (d *Driver) SetCookies(ctx context.Context, tabID string, cookies []executor.Cookie) error {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return err
	}
	items := make([]map[string]any, 0, len(cookies))
	for _, c := range cookies {
		item := map[string]any{"name": c.Name, "value": c.Value}
		if c.Domain != "" {
			item["domain"] = c.Domain
		}
		if c.Path != "" {
			item["path"] = c.Path
		}
		if c.Expires != 0 {
			item["expires"] = c.Expires
		}
		if c.HTTPOnly {
			item["httpOnly"] = true
		}
		if c.Secure {
			item["secure"] = true
		}
		items = append(items, item)
	}
	_, err = d.client.Call(ctx, sess, "Network.setCookies", map[string]any{"cookies": items})
	return err
}

func (d *Driver) Evaluate(ctx context.Context, tabID, expression string) (json.RawMessage, error) {
	sess, err := d.session(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return d.evaluate(ctx, sess, expression)
}

// evaluate runs an expression by value and surfaces page exceptions as
// errors.
func (d *Driver) evaluate(ctx context.Context, sess, expression string) (json.RawMessage, error) {
	res, err := d.client.Call(ctx, sess, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &resp); err != nil {
		return nil, fmt.Errorf("parse evaluate: %w", err)
	}
	if ed := resp.ExceptionDetails; ed != nil {
		msg := ed.Text
		if ed.Exception != nil && ed.Exception.Description != "" {
			msg = ed.Exception.Description
		}
		return nil, fmt.Errorf("page exception: %s", msg)
	}
	return resp.Result.Value, nil
}
