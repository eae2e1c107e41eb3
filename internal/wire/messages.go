// Package wire defines the JSON messages exchanged over the bridge
// between the server and the browser agent.
package wire

import "encoding/json"

// Request is a correlated command sent from the server to the agent.
// IDs are unique per transport session and strictly increasing.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request. Result and Error are mutually
// exclusive; Error carries a human-readable message.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Control is an out-of-band message. It carries no id and no response
// is ever expected for it.
type Control struct {
	Type string `json:"type"`
}

const (
	ControlKeepalive      = "keepalive"
	ControlExtensionReady = "extension_ready"
)

// Kind classifies an incoming frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindControl
)

// Envelope is the superset of all bridge messages. Incoming frames are
// decoded into an Envelope first and then narrowed by Kind.
type Envelope struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
	Type   string          `json:"type,omitempty"`
}

// Kind reports what the envelope holds. Frames with neither an id nor a
// control type are unknown and dropped by both sides.
func (e *Envelope) Kind() Kind {
	switch {
	case e.ID != nil && e.Method != "":
		return KindRequest
	case e.ID != nil:
		return KindResponse
	case e.Type != "":
		return KindControl
	default:
		return KindUnknown
	}
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
