// Package wsgateway is a reference browser transport for the gateway
// core: it upgrades an HTTP connection to a websocket and translates
// the wire envelope described by the external-interfaces contract into
// calls against internal/gateway's Facade, decoding nothing the core
// itself needs to understand.
//
// Grounded on lib/web/conn_upgrade.go for the hijack-and-upgrade
// handler shape (a httprouter.Handle that takes over the response
// writer) and on the wider pack's use of gorilla/websocket for the
// actual frame I/O, since the teacher's own terminal-session websocket
// handler was not part of this retrieval.
package wsgateway

// Kind identifies an envelope's message type.
type Kind string

const (
	KindOpen   Kind = "open"
	KindInput  Kind = "input"
	KindResize Kind = "resize"
	KindClose  Kind = "close"

	KindOpened Kind = "opened"
	KindOutput Kind = "output"
	KindClosed Kind = "closed"
	KindError  Kind = "error"
)

// Envelope is the decoded form of one websocket text frame. Only the
// fields relevant to Kind are populated by the sender; the others are
// zero.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`

	// open
	HostID string `json:"host_id,omitempty"`

	// open, resize
	Cols uint32 `json:"cols,omitempty"`
	Rows uint32 `json:"rows,omitempty"`

	// input, output
	Data []byte `json:"data,omitempty"`

	// closed
	Reason string `json:"reason,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
