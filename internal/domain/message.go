package domain

import "time"

type MessageID string

// Message is one chat message. ClientID is assigned locally before the
// server confirms the send; Pending marks the optimistic copy.
type Message struct {
	ID             MessageID      `json:"id,omitempty"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Content        string         `json:"content"`
	SentAt         time.Time      `json:"sentAt"`
	Pending        bool           `json:"-"`
}
