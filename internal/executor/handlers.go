package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tabwire/tabwire/internal/store"
)

func (ex *Executor) registerAll() {
	ex.register("tabs.list", ex.handleTabsList)
	ex.register("tabs.connect", ex.handleTabsConnect)
	ex.register("tabs.disconnect", ex.handleTabsDisconnect)
	ex.register("tabs.create", ex.handleTabsCreate)
	ex.register("tabs.close", ex.handleTabsClose)

	ex.register("page.navigate", ex.handleNavigate)
	ex.register("page.back", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		return okResult(), ex.driver.Back(ctx, tab)
	}))
	ex.register("page.forward", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		return okResult(), ex.driver.Forward(ctx, tab)
	}))
	ex.register("page.screenshot", ex.handleScreenshot)
	ex.register("page.snapshot", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		return ex.driver.Snapshot(ctx, tab)
	}))
	ex.register("page.evaluate", ex.handleEvaluate)

	ex.register("dom.click", ex.selectorOp(ex.driver.Click))
	ex.register("dom.hover", ex.selectorOp(ex.driver.Hover))
	ex.register("dom.type", ex.handleType)
	ex.register("dom.select", ex.handleSelect)
	ex.register("dom.press_key", ex.handlePressKey)
	ex.register("dom.drag", ex.handleDrag)
	ex.register("dom.scroll", ex.handleScroll)
	ex.register("dom.upload", ex.handleUpload)

	ex.register("console.read", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		entries, err := ex.driver.ReadConsole(ctx, tab)
		return map[string]any{"entries": entries}, err
	}))
	ex.register("network.read", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		events, err := ex.driver.ReadNetwork(ctx, tab)
		return map[string]any{"events": events}, err
	}))
	ex.register("cookies.get", ex.targeted(func(ctx context.Context, tab string, _ json.RawMessage) (any, error) {
		cookies, err := ex.driver.GetCookies(ctx, tab)
		return map[string]any{"cookies": cookies}, err
	}))
	ex.register("cookies.set", ex.handleCookiesSet)

	ex.register("control.enable", ex.handleControlEnable)
	ex.register("control.disable", ex.handleControlDisable)
	ex.register("control.status", ex.handleControlStatus)

	ex.register("record.start", ex.handleRecordStart)
	ex.register("record.stop", ex.handleRecordStop)
	ex.register("record.save", ex.handleRecordSave)

	ex.register("recordings.list", ex.handleRecordingsList)
	ex.register("recordings.get", ex.handleRecordingsGet)
	ex.register("recordings.delete", ex.handleRecordingsDelete)

	ex.register("replay.run", ex.handleReplayRun)
}

func okResult() map[string]bool { return map[string]bool{"ok": true} }

type targetedFunc func(ctx context.Context, tabID string, params json.RawMessage) (any, error)

// targeted wraps a handler with the target-resolution gate.
func (ex *Executor) targeted(h targetedFunc) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		tab, err := ex.target(ctx)
		if err != nil {
			return nil, err
		}
		res, err := h(ctx, tab, params)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

type selectorParams struct {
	Selector string `json:"selector"`
}

// selectorOp wraps the single-selector driver operations.
func (ex *Executor) selectorOp(op func(ctx context.Context, tabID, selector string) error) handlerFunc {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[selectorParams](params)
		if err != nil {
			return nil, err
		}
		if p.Selector == "" {
			return nil, fmt.Errorf("selector is required")
		}
		if err := op(ctx, tab, p.Selector); err != nil {
			return nil, err
		}
		return okResult(), nil
	})
}

func (ex *Executor) handleTabsList(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := ex.needControl(); err != nil {
		return nil, err
	}
	tabs, err := ex.driver.ListTabs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tabs": tabs}, nil
}

func (ex *Executor) handleTabsConnect(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ex.needControl(); err != nil {
		return nil, err
	}
	p, err := decode[struct {
		TabID string `json:"tab_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	info, ok, err := ex.driver.Info(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tab %s: %w", p.TabID, ErrTargetNotFound)
	}
	if err := ex.driver.Attach(ctx, p.TabID); err != nil {
		return nil, err
	}
	if err := ex.state.SetTarget(p.TabID); err != nil {
		return nil, err
	}
	return info, nil
}

func (ex *Executor) handleTabsDisconnect(ctx context.Context, _ json.RawMessage) (any, error) {
	snap := ex.state.Get()
	if snap.TargetTabID == "" {
		return nil, ErrNoTarget
	}
	_ = ex.driver.Detach(ctx, snap.TargetTabID)
	ex.state.ClearTarget()
	return okResult(), nil
}

func (ex *Executor) handleTabsCreate(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ex.needControl(); err != nil {
		return nil, err
	}
	p, err := decode[struct {
		URL string `json:"url"`
	}](params)
	if err != nil {
		return nil, err
	}
	return ex.driver.CreateTab(ctx, p.URL)
}

func (ex *Executor) handleTabsClose(ctx context.Context, params json.RawMessage) (any, error) {
	if err := ex.needControl(); err != nil {
		return nil, err
	}
	p, err := decode[struct {
		TabID string `json:"tab_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	tab := p.TabID
	if tab == "" {
		tab = ex.state.Get().TargetTabID
		if tab == "" {
			return nil, ErrNoTarget
		}
	}
	if err := ex.driver.CloseTab(ctx, tab); err != nil {
		return nil, err
	}
	ex.state.DropTargetIf(tab)
	return okResult(), nil
}

func (ex *Executor) handleNavigate(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			URL string `json:"url"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.URL == "" {
			return nil, fmt.Errorf("url is required")
		}
		if err := ex.driver.Navigate(ctx, tab, p.URL); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleScreenshot(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Format string `json:"format"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.Format == "" {
			p.Format = "png"
		}
		data, err := ex.driver.Screenshot(ctx, tab, p.Format)
		if err != nil {
			return nil, err
		}
		return map[string]string{"format": p.Format, "data": data}, nil
	})(ctx, params)
}

func (ex *Executor) handleEvaluate(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Expression string `json:"expression"`
		}](params)
		if err != nil {
			return nil, err
		}
		val, err := ex.driver.Evaluate(ctx, tab, p.Expression)
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{"value": val}, nil
	})(ctx, params)
}

func (ex *Executor) handleType(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Selector string `json:"selector"`
			Value    string `json:"value"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := ex.driver.TypeText(ctx, tab, p.Selector, p.Value); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleSelect(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Selector string `json:"selector"`
			Value    string `json:"value"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := ex.driver.SelectOption(ctx, tab, p.Selector, p.Value); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handlePressKey(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Selector string `json:"selector"`
			Key      string `json:"key"`
		}](params)
		if err != nil {
			return nil, err
		}
		if p.Key == "" {
			return nil, fmt.Errorf("key is required")
		}
		if err := ex.driver.PressKey(ctx, tab, p.Selector, p.Key); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleDrag(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			From string `json:"from"`
			To   string `json:"to"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := ex.driver.Drag(ctx, tab, p.From, p.To); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleScroll(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Selector string `json:"selector"`
			DX       int    `json:"dx"`
			DY       int    `json:"dy"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := ex.driver.Scroll(ctx, tab, p.Selector, p.DX, p.DY); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleUpload(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Selector string `json:"selector"`
			FileName string `json:"file_name"`
			MimeType string `json:"mime_type"`
			Content  string `json:"content"`
		}](params)
		if err != nil {
			return nil, err
		}
		content, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, fmt.Errorf("decode upload content: %w", err)
		}
		if err := ex.driver.Upload(ctx, tab, p.Selector, p.FileName, p.MimeType, content); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleCookiesSet(ctx context.Context, params json.RawMessage) (any, error) {
	return ex.targeted(func(ctx context.Context, tab string, params json.RawMessage) (any, error) {
		p, err := decode[struct {
			Cookies []Cookie `json:"cookies"`
		}](params)
		if err != nil {
			return nil, err
		}
		if err := ex.driver.SetCookies(ctx, tab, p.Cookies); err != nil {
			return nil, err
		}
		return okResult(), nil
	})(ctx, params)
}

func (ex *Executor) handleControlEnable(context.Context, json.RawMessage) (any, error) {
	ex.state.SetControlEnabled(true)
	return ex.state.Get(), nil
}

func (ex *Executor) handleControlDisable(context.Context, json.RawMessage) (any, error) {
	ex.state.SetControlEnabled(false)
	return ex.state.Get(), nil
}

func (ex *Executor) handleControlStatus(context.Context, json.RawMessage) (any, error) {
	return ex.state.Get(), nil
}

func (ex *Executor) handleRecordStart(ctx context.Context, _ json.RawMessage) (any, error) {
	tab, err := ex.target(ctx)
	if err != nil {
		return nil, err
	}
	info, _, err := ex.driver.Info(ctx, tab)
	if err != nil {
		return nil, err
	}
	if err := ex.driver.StartCapture(ctx, tab); err != nil {
		return nil, err
	}
	ex.rec.Start(info.URL)
	return map[string]any{"recording": true, "origin_url": info.URL}, nil
}

func (ex *Executor) handleRecordStop(ctx context.Context, _ json.RawMessage) (any, error) {
	if tab := ex.state.Get().TargetTabID; tab != "" {
		// Best effort: the tab may already be gone, the buffer is still valid.
		_ = ex.driver.StopCapture(ctx, tab)
	}
	n := ex.rec.Stop()
	return map[string]any{"recording": false, "actions": n}, nil
}

func (ex *Executor) handleRecordSave(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name string `json:"name"`
	}](params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	rec, err := ex.rec.Save(ctx, ex.st, p.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"saved": rec.Name, "actions": len(rec.Actions)}, nil
}

func (ex *Executor) handleRecordingsList(ctx context.Context, _ json.RawMessage) (any, error) {
	infos, err := ex.st.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recordings": infos}, nil
}

func (ex *Executor) handleRecordingsGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name string `json:"name"`
	}](params)
	if err != nil {
		return nil, err
	}
	rec, err := ex.st.Get(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (ex *Executor) handleRecordingsDelete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name string `json:"name"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := ex.st.Delete(ctx, p.Name); err != nil {
		return nil, err
	}
	return okResult(), nil
}

func (ex *Executor) handleReplayRun(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name string `json:"name"`
	}](params)
	if err != nil {
		return nil, err
	}
	res, err := ex.engine.Replay(ctx, p.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("recording %q: %w", p.Name, store.ErrNotFound)
		}
		return nil, err
	}
	return res, nil
}
