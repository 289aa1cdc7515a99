package realtime

import "encoding/json"

// Client to server envelope types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeBroadcast   = "broadcast"
	TypeTrack       = "track"
	TypeUntrack     = "untrack"
	TypePing        = "ping"
)

// Server to client envelope types.
const (
	TypeSubscribed   = "subscribed"
	TypeChange       = "change"
	TypePresenceSync = "presence_sync"
	TypePong         = "pong"
	TypeError        = "error"
)

// Envelope is the single frame shape exchanged over the realtime socket.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// PresencePayload carries the full membership of a presence topic.
type PresencePayload struct {
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload describes a rejected client frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorEnvelope(ref, code, message string) Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Envelope{Type: TypeError, Ref: ref, Payload: payload}
}
