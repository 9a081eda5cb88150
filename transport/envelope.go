package transport

import (
	"encoding/json"
	"time"
)

// Event types carried by Envelope.Type.
const (
	EventJoin        = "join"
	EventMessage     = "message"
	EventSignal      = "signal"
	EventTyping      = "typing"
	EventCheckStatus = "check-status"
	EventStatus      = "status"
)

// Envelope is the single wire frame exchanged over a connection. Which
// fields are meaningful depends on Type; unused fields are omitted on the
// wire. Payload and Data are opaque to the relay and forwarded verbatim.
type Envelope struct {
	Type string `json:"type"`

	// join / check-status / status
	PeerID string `json:"peerId,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Target string `json:"target,omitempty"`
	Online *bool  `json:"online,omitempty"`

	// message push
	ID      string     `json:"id,omitempty"`
	Payload []byte     `json:"payload,omitempty"`
	SentAt  *time.Time `json:"sentAt,omitempty"`

	// signal / typing
	From     string          `json:"from,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	IsTyping bool            `json:"isTyping,omitempty"`
}
