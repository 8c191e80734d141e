package core

import (
	"context"
	"errors"

	"github.com/dkeye/Chat/internal/domain"
)

// ErrOngoingCall is the server's conflict for creating a call while a
// stale record says one is still in progress. Only this specific error
// triggers cleanup-and-retry in the call engine.
var ErrOngoingCall = errors.New("ongoing call in progress")

type AuthAPI interface {
	// Login exchanges credentials for the user record and a bus token.
	Login(ctx context.Context, username, password string) (*domain.User, string, error)
}

type CallAPI interface {
	Create(ctx context.Context, conversationID domain.ConversationID, callType domain.CallType) (*domain.Call, error)
	UpdateStatus(ctx context.Context, id domain.CallID, status domain.CallStatus) error
	End(ctx context.Context, id domain.CallID) error
	CleanupExpired(ctx context.Context) error
}

type ConversationAPI interface {
	GetOrCreateDirect(ctx context.Context, peerID domain.UserID) (*domain.Conversation, error)
}

type MessageAPI interface {
	// Send is the REST fallback for chat delivery when the bus is down.
	Send(ctx context.Context, msg *domain.Message) error
}
