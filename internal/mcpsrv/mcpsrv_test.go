package mcpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"
)

type recordedCall struct {
	method  string
	params  map[string]string
	timeout time.Duration
}

type fakeCaller struct {
	calls []recordedCall
	fail  error
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f.CallTimeout(ctx, method, params, 0)
}

func (f *fakeCaller) CallTimeout(_ context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var p map[string]string
	if params != nil {
		b, _ := json.Marshal(params)
		_ = json.Unmarshal(b, &p)
	}
	f.calls = append(f.calls, recordedCall{method: method, params: p, timeout: timeout})
	if f.fail != nil {
		return nil, f.fail
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func handlerFor(t *testing.T, defs []toolDef, name string) sdkserver.ToolHandlerFunc {
	t.Helper()
	for _, td := range defs {
		if td.tool.Name == name {
			return td.handler
		}
	}
	t.Fatalf("tool %s not registered", name)
	return nil
}

func callTool(t *testing.T, h sdkserver.ToolHandlerFunc, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T", res.Content[0])
	}
	return tc.Text
}

func TestToolForwardsMethodAndParams(t *testing.T) {
	fc := &fakeCaller{}
	defs := toolDefs(fc, 0)

	res := callTool(t, handlerFor(t, defs, "browser_click"), map[string]any{"selector": "#go"})
	if res.IsError {
		t.Fatalf("tool errored: %s", resultText(t, res))
	}
	if len(fc.calls) != 1 || fc.calls[0].method != "dom.click" || fc.calls[0].params["selector"] != "#go" {
		t.Fatalf("calls = %+v", fc.calls)
	}
	if resultText(t, res) != `{"ok":true}` {
		t.Fatalf("text = %s", resultText(t, res))
	}
}

func TestToolMissingRequiredArgument(t *testing.T) {
	fc := &fakeCaller{}
	defs := toolDefs(fc, 0)
	res := callTool(t, handlerFor(t, defs, "browser_navigate"), nil)
	if !res.IsError {
		t.Fatal("missing url should produce a tool error")
	}
	if len(fc.calls) != 0 {
		t.Fatalf("invalid request reached the bridge: %+v", fc.calls)
	}
}

func TestToolBridgeErrorIsInBand(t *testing.T) {
	fc := &fakeCaller{fail: errors.New("agent not connected")}
	defs := toolDefs(fc, 0)
	res := callTool(t, handlerFor(t, defs, "browser_list_tabs"), nil)
	if !res.IsError {
		t.Fatal("bridge failure should surface as tool error")
	}
	if resultText(t, res) != "agent not connected" {
		t.Fatalf("text = %s", resultText(t, res))
	}
}

func TestReplayUsesExtendedTimeout(t *testing.T) {
	fc := &fakeCaller{}
	defs := toolDefs(fc, 2*time.Minute)
	res := callTool(t, handlerFor(t, defs, "browser_replay"), map[string]any{"name": "login"})
	if res.IsError {
		t.Fatalf("tool errored: %s", resultText(t, res))
	}
	c := fc.calls[0]
	if c.method != "replay.run" || c.params["name"] != "login" || c.timeout != 2*time.Minute {
		t.Fatalf("call = %+v", c)
	}
}

func TestCatalogCoversBridgeSurface(t *testing.T) {
	defs := toolDefs(&fakeCaller{}, 0)
	want := []string{
		"browser_list_tabs", "browser_connect_tab", "browser_navigate",
		"browser_click", "browser_type", "browser_press_key",
		"browser_screenshot", "browser_snapshot", "browser_evaluate",
		"browser_record_start", "browser_record_stop", "browser_record_save",
		"browser_list_recordings", "browser_get_recording", "browser_delete_recording",
		"browser_replay", "browser_control_status",
	}
	have := map[string]bool{}
	for _, td := range defs {
		have[td.tool.Name] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("tool %s missing", name)
		}
	}
}
