package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

// Selectors carrying quotes must survive interpolation into the
// injected scripts without breaking them.
func TestInjectedScriptsQuoteSelector(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.handlers["Target.attachToTarget"] = func(_ string, _ json.RawMessage) (any, *RPCError) {
		return map[string]string{"sessionId": "sess-1"}, nil
	}
	var exprs []string
	fb.handlers["Runtime.evaluate"] = func(_ string, params json.RawMessage) (any, *RPCError) {
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		exprs = append(exprs, p.Expression)
		return map[string]any{"result": map[string]any{}}, nil
	}
	c := connect(t, fb)
	d := NewDriver(c, nil)

	sel := `a[title='x "y"']`
	if err := d.SelectOption(context.Background(), "tab-1", sel, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := d.Scroll(context.Background(), "tab-1", sel, 0, 100); err != nil {
		t.Fatal(err)
	}

	if len(exprs) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(exprs))
	}
	quoted := fmt.Sprintf("%q", sel)
	for _, expr := range exprs {
		if !strings.Contains(expr, "document.querySelector("+quoted+")") {
			t.Fatalf("selector not quoted in lookup: %s", expr)
		}
		if !strings.Contains(expr, "'no element matches ' + "+quoted) {
			t.Fatalf("selector not quoted in error message: %s", expr)
		}
	}
}
