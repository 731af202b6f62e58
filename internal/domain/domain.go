// Package domain holds the records shared by the authenticator, the stores
// and the persistence writer.
package domain

import (
	"errors"
	"time"
)

// ErrUserNotFound is returned by user stores when no record matches the id.
var ErrUserNotFound = errors.New("user not found")

// User is the subset of a user record the realtime engine needs.
type User struct {
	ID   string
	Name string
}

// Message is the persisted form of a chat message. The store assigns the
// record id. SentAt is stamped when the message is broadcast and becomes the
// stored creation time, so history order does not depend on write order.
type Message struct {
	ConversationID string    `json:"chat"`
	SenderID       string    `json:"sender"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
}
