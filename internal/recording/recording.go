// Package recording holds the durable action-recording types shared by
// the recorder, the store, and the replay engine.
package recording

import "time"

// Kind tags an Action variant.
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindSelect   Kind = "select"
	KindKeypress Kind = "keypress"
	KindUpload   Kind = "upload"
)

// Action is one captured user operation. Each action is self-contained:
// replay depends only on the fields carried here plus the currently
// targeted tab. Selector is empty for navigate actions.
type Action struct {
	Kind     Kind   `json:"kind"`
	Selector string `json:"selector,omitempty"`
	URL      string `json:"url,omitempty"`
	Value    string `json:"value,omitempty"`
	Key      string `json:"key,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Recording is a named, ordered sequence of captured actions. Order is
// load-bearing: replay is strictly sequential.
type Recording struct {
	Name      string    `json:"name"`
	OriginURL string    `json:"origin_url"`
	CreatedAt time.Time `json:"created_at"`
	Actions   []Action  `json:"actions"`
}
