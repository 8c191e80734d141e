package domain

type ConversationID string

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type Conversation struct {
	ID      ConversationID   `json:"id"`
	Type    ConversationType `json:"type"`
	Members []UserID         `json:"members"`
}
