// Package mcpsrv exposes the bridge command catalog as MCP tools over
// the Streamable HTTP transport, so agentic clients can drive the
// browser without speaking the bridge protocol.
package mcpsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"
)

// Caller issues bridge commands. *bridge.Bridge satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	CallTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Options configures the MCP surface.
type Options struct {
	Name          string
	Version       string
	ReplayTimeout time.Duration
}

// NewHandler builds the Streamable HTTP MCP handler with the browser
// tool set registered.
func NewHandler(caller Caller, opts Options) http.Handler {
	if opts.Name == "" {
		opts.Name = "tabwire"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	srv := sdkserver.NewMCPServer(
		opts.Name,
		opts.Version,
		sdkserver.WithToolCapabilities(false),
		sdkserver.WithResourceCapabilities(false, false),
		sdkserver.WithPromptCapabilities(false),
	)
	for _, td := range toolDefs(caller, opts.ReplayTimeout) {
		srv.AddTool(td.tool, td.handler)
	}
	return sdkserver.NewStreamableHTTPServer(srv)
}

type toolDef struct {
	tool    mcp.Tool
	handler sdkserver.ToolHandlerFunc
}

// toolDefs builds the browser tool set. Each tool forwards to one
// bridge method; tool errors are reported in-band as MCP tool results,
// never as protocol errors.
func toolDefs(caller Caller, replayTimeout time.Duration) []toolDef {
	forward := func(method string, params func(req mcp.CallToolRequest) (any, error)) sdkserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var p any
			if params != nil {
				var err error
				if p, err = params(req); err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
			}
			res, err := caller.Call(ctx, method, p)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return rawResult(res), nil
		}
	}

	return []toolDef{
		{
			mcp.NewTool("browser_list_tabs",
				mcp.WithDescription("List open browser tabs with their ids, titles and URLs")),
			forward("tabs.list", nil),
		},
		{
			mcp.NewTool("browser_connect_tab",
				mcp.WithDescription("Target a tab by id; subsequent page and dom tools act on it"),
				mcp.WithString("tab_id", mcp.Required())),
			forward("tabs.connect", func(req mcp.CallToolRequest) (any, error) {
				id, err := req.RequireString("tab_id")
				if err != nil {
					return nil, err
				}
				return map[string]string{"tab_id": id}, nil
			}),
		},
		{
			mcp.NewTool("browser_navigate",
				mcp.WithDescription("Navigate the targeted tab to a URL"),
				mcp.WithString("url", mcp.Required())),
			forward("page.navigate", func(req mcp.CallToolRequest) (any, error) {
				url, err := req.RequireString("url")
				if err != nil {
					return nil, err
				}
				return map[string]string{"url": url}, nil
			}),
		},
		{
			mcp.NewTool("browser_click",
				mcp.WithDescription("Click the first element matching a CSS selector"),
				mcp.WithString("selector", mcp.Required())),
			forward("dom.click", selectorParams),
		},
		{
			mcp.NewTool("browser_hover",
				mcp.WithDescription("Hover over the first element matching a CSS selector"),
				mcp.WithString("selector", mcp.Required())),
			forward("dom.hover", selectorParams),
		},
		{
			mcp.NewTool("browser_type",
				mcp.WithDescription("Replace the value of a text input"),
				mcp.WithString("selector", mcp.Required()),
				mcp.WithString("value", mcp.Required())),
			forward("dom.type", func(req mcp.CallToolRequest) (any, error) {
				sel, err := req.RequireString("selector")
				if err != nil {
					return nil, err
				}
				val, err := req.RequireString("value")
				if err != nil {
					return nil, err
				}
				return map[string]string{"selector": sel, "value": val}, nil
			}),
		},
		{
			mcp.NewTool("browser_press_key",
				mcp.WithDescription("Press a key, optionally focusing a selector first"),
				mcp.WithString("key", mcp.Required()),
				mcp.WithString("selector")),
			forward("dom.press_key", func(req mcp.CallToolRequest) (any, error) {
				key, err := req.RequireString("key")
				if err != nil {
					return nil, err
				}
				return map[string]string{"key": key, "selector": req.GetString("selector", "")}, nil
			}),
		},
		{
			mcp.NewTool("browser_screenshot",
				mcp.WithDescription("Capture the targeted tab as a base64 image"),
				mcp.WithString("format")),
			forward("page.screenshot", func(req mcp.CallToolRequest) (any, error) {
				return map[string]string{"format": req.GetString("format", "png")}, nil
			}),
		},
		{
			mcp.NewTool("browser_snapshot",
				mcp.WithDescription("Return a pruned DOM tree of the targeted tab")),
			forward("page.snapshot", nil),
		},
		{
			mcp.NewTool("browser_evaluate",
				mcp.WithDescription("Evaluate a JavaScript expression in the targeted tab"),
				mcp.WithString("expression", mcp.Required())),
			forward("page.evaluate", func(req mcp.CallToolRequest) (any, error) {
				expr, err := req.RequireString("expression")
				if err != nil {
					return nil, err
				}
				return map[string]string{"expression": expr}, nil
			}),
		},
		{
			mcp.NewTool("browser_read_console",
				mcp.WithDescription("Drain captured console messages from the targeted tab")),
			forward("console.read", nil),
		},
		{
			mcp.NewTool("browser_control_status",
				mcp.WithDescription("Report transport, control and target state")),
			forward("control.status", nil),
		},
		{
			mcp.NewTool("browser_record_start",
				mcp.WithDescription("Start recording user actions in the targeted tab")),
			forward("record.start", nil),
		},
		{
			mcp.NewTool("browser_record_stop",
				mcp.WithDescription("Stop recording; the buffer is kept until saved")),
			forward("record.stop", nil),
		},
		{
			mcp.NewTool("browser_record_save",
				mcp.WithDescription("Save the recorded actions under a name"),
				mcp.WithString("name", mcp.Required())),
			forward("record.save", nameParams),
		},
		{
			mcp.NewTool("browser_list_recordings",
				mcp.WithDescription("List saved recordings")),
			forward("recordings.list", nil),
		},
		{
			mcp.NewTool("browser_get_recording",
				mcp.WithDescription("Fetch one saved recording with its actions"),
				mcp.WithString("name", mcp.Required())),
			forward("recordings.get", nameParams),
		},
		{
			mcp.NewTool("browser_delete_recording",
				mcp.WithDescription("Delete a saved recording"),
				mcp.WithString("name", mcp.Required())),
			forward("recordings.delete", nameParams),
		},
		{
			// Replay runs many actions with settle delays; it gets its
			// own timeout instead of the per-command one.
			mcp.NewTool("browser_replay",
				mcp.WithDescription("Replay a saved recording against the targeted tab"),
				mcp.WithString("name", mcp.Required())),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				name, err := req.RequireString("name")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				timeout := replayTimeout
				if timeout <= 0 {
					timeout = 10 * time.Minute
				}
				res, err := caller.CallTimeout(ctx, "replay.run", map[string]string{"name": name}, timeout)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				return rawResult(res), nil
			},
		},
	}
}

func selectorParams(req mcp.CallToolRequest) (any, error) {
	sel, err := req.RequireString("selector")
	if err != nil {
		return nil, err
	}
	return map[string]string{"selector": sel}, nil
}

func nameParams(req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": name}, nil
}

func rawResult(res json.RawMessage) *mcp.CallToolResult {
	if len(res) == 0 {
		return mcp.NewToolResultText("{}")
	}
	return mcp.NewToolResultText(string(res))
}
