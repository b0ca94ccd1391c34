package chat

import "time"

// Mode is the chat participation mode of a session.
type Mode string

const (
	ModeGuest   Mode = "guest"
	ModeRoom    Mode = "room"
	ModePrivate Mode = "private"
)

// ParseMode maps a client supplied mode onto a known Mode. Empty and unknown
// values fall back to ModeGuest.
func ParseMode(raw string) Mode {
	switch Mode(raw) {
	case ModeRoom:
		return ModeRoom
	case ModePrivate:
		return ModePrivate
	default:
		return ModeGuest
	}
}

// MessageType classifies outgoing chat payloads. Its value is what clients
// see in the type field of a chat line.
type MessageType string

const (
	MessageTypeGuest   MessageType = "freechat"
	MessageTypePrivate MessageType = "private"
)

// State is the lifecycle state of a session.
type State string

const (
	StateGuest        State = "GUEST"
	StateRoom         State = "ROOM"
	StatePrivate      State = "PRIVATE"
	StateDisconnected State = "DISCONNECTED"
)

// Session captures one live client connection's chat participation.
type Session struct {
	ID          string      `json:"id"`
	PerformerID string      `json:"performerId,omitempty"`
	Mode        Mode        `json:"mode"`
	MessageType MessageType `json:"messageType"`
	DisplayName string      `json:"displayName"`
	State       State       `json:"state"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// NewSession returns a guest session whose display name defaults to its id.
func NewSession(id string) Session {
	return Session{
		ID:          id,
		Mode:        ModeGuest,
		MessageType: MessageTypeGuest,
		DisplayName: id,
		State:       StateGuest,
		CreatedAt:   time.Now().UTC(),
	}
}

// Connected reports whether the session still accepts events.
func (s Session) Connected() bool {
	return s.State != StateDisconnected
}
