// Package events defines the JSON protocol spoken over a gochat WebSocket.
// Every frame, in either direction, is an Envelope naming the event and
// carrying its payload.
package events

import "encoding/json"

// Inbound event names.
const (
	SendMessage = "send-message"
	Join        = "join"
	Leave       = "leave"
)

// Outbound event names. Typing events use the same name both ways.
const (
	NewMessage      = "new-message"
	NewMessageAlert = "new-message-alert"
	StartTyping     = "start-typing"
	StopTyping      = "stop-typing"
	OnlineUsers     = "online-users"
)

// Envelope wraps every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is sent by a client posting to a conversation.
// Any sender field the client adds is ignored.
type SendMessagePayload struct {
	ChatID  string   `json:"chatId"`
	Members []string `json:"members"`
	Message string   `json:"message"`
}

// TypingPayload is sent on start-typing and stop-typing.
type TypingPayload struct {
	ChatID  string   `json:"chatId"`
	Members []string `json:"members"`
}

// PresencePayload is sent on join and leave. UserID is advisory; the
// authenticated identity of the connection is what gets marked.
type PresencePayload struct {
	UserID  string   `json:"userId"`
	Members []string `json:"members"`
	ChatID  string   `json:"chatId,omitempty"`
}

// Sender identifies the author of a broadcast message.
type Sender struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// ChatMessage is the transient, broadcast-only form of a message. Its ID is
// minted per broadcast and is unrelated to the stored record's id.
type ChatMessage struct {
	ID        string `json:"_id"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	Chat      string `json:"chat"`
	CreatedAt string `json:"createdAt"`
}

// NewMessagePayload is delivered to every reachable member.
type NewMessagePayload struct {
	ChatID  string      `json:"chatId"`
	Message ChatMessage `json:"message"`
}

// ChatRef carries only a conversation id; used by alerts and typing events.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses an inbound frame's envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}
