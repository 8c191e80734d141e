package transport

import (
	"fmt"

	"github.com/dkeye/Chat/internal/domain"
)

// Topic builders. Single source of truth for bus topic strings; the
// server side routes on the same shapes.

// UserCallTopic is the per-user inbound queue for call signaling.
func UserCallTopic(id domain.UserID) string {
	return fmt.Sprintf("user.%s.calls", id)
}

// ConversationTopic carries chat messages for one conversation.
func ConversationTopic(id domain.ConversationID) string {
	return fmt.Sprintf("conversation.%s.messages", id)
}
