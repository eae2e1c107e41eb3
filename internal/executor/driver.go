package executor

import (
	"context"
	"encoding/json"
)

// TabInfo describes one browser tab.
type TabInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ConsoleEntry is one captured console message.
type ConsoleEntry struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// NetworkEntry is one observed request/response pair.
type NetworkEntry struct {
	URL      string `json:"url"`
	Method   string `json:"method,omitempty"`
	Status   int    `json:"status,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Cookie mirrors the browser cookie shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Driver is the host automation API the executor delegates browser
// semantics to. The executor owns gating and targeting only; what a
// click or a keypress means belongs to the driver.
type Driver interface {
	ListTabs(ctx context.Context) ([]TabInfo, error)
	Info(ctx context.Context, tabID string) (TabInfo, bool, error)
	CreateTab(ctx context.Context, url string) (TabInfo, error)
	CloseTab(ctx context.Context, tabID string) error
	Attach(ctx context.Context, tabID string) error
	Detach(ctx context.Context, tabID string) error

	Navigate(ctx context.Context, tabID, url string) error
	Back(ctx context.Context, tabID string) error
	Forward(ctx context.Context, tabID string) error

	Click(ctx context.Context, tabID, selector string) error
	Hover(ctx context.Context, tabID, selector string) error
	TypeText(ctx context.Context, tabID, selector, value string) error
	SelectOption(ctx context.Context, tabID, selector, value string) error
	PressKey(ctx context.Context, tabID, selector, key string) error
	Drag(ctx context.Context, tabID, fromSelector, toSelector string) error
	Scroll(ctx context.Context, tabID, selector string, dx, dy int) error
	Upload(ctx context.Context, tabID, selector, fileName, mimeType string, content []byte) error

	Screenshot(ctx context.Context, tabID, format string) (string, error)
	Snapshot(ctx context.Context, tabID string) (json.RawMessage, error)
	ReadConsole(ctx context.Context, tabID string) ([]ConsoleEntry, error)
	ReadNetwork(ctx context.Context, tabID string) ([]NetworkEntry, error)
	GetCookies(ctx context.Context, tabID string) ([]Cookie, error)
	SetCookies(ctx context.Context, tabID string, cookies []Cookie) error
	Evaluate(ctx context.Context, tabID, expression string) (json.RawMessage, error)

	StartCapture(ctx context.Context, tabID string) error
	StopCapture(ctx context.Context, tabID string) error
}
