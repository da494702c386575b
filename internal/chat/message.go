package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message body.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindVoice       Kind = "voice"
	KindFile        Kind = "file"
	KindTransaction Kind = "transaction"
)

// DeliveryState tracks a message's path from optimistic append to server
// confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one entry in a conversation's ordered sequence. A locally
// created message starts out identified by ClientID; once the server confirms
// it, ID carries the server-assigned identity and the entry keeps its
// position in the sequence.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Body           string        `json:"body"`
	Kind           Kind          `json:"kind"`
	CreatedAt      time.Time     `json:"createdAt"`
	Delivery       DeliveryState `json:"delivery"`
}

// newOutgoing builds an optimistic entry for a locally sent message. The
// client-generated ClientID doubles as the display ID until confirmation.
func newOutgoing(conversationID, senderID, body string, kind Kind) *Message {
	clientID := uuid.NewString()
	return &Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           kind,
		CreatedAt:      time.Now(),
		Delivery:       DeliveryPending,
	}
}

// sendPayload is the wire shape of a send_message emission.
type sendPayload struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	Kind           Kind   `json:"kind"`
	ClientID       string `json:"clientId"`
}

// RemoteMessage is the wire shape of a receive_message event. ClientID is set
// only when the server echoes back a message this client sent.
type RemoteMessage struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Kind           Kind   `json:"kind"`
	CreatedAt      int64  `json:"createdAt"` // unix milliseconds
}

// roomPayload addresses room-scoped events (join_room, typing, stop_typing).
type roomPayload struct {
	ConversationID string `json:"conversationId"`
}
