package core

import (
	"context"

	"github.com/dkeye/Chat/internal/domain"
)

// Frame is a raw wire payload.
type Frame []byte

// BusLink is one established connection to the server message bus.
// Owned by the transport session; the session must Close() it.
type BusLink interface {
	// ReadFrame blocks until the next inbound frame or a link error.
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer establishes BusLinks, performing the full handshake including
// the server's connected acknowledgement.
type Dialer interface {
	Dial(ctx context.Context, userID domain.UserID, token string) (BusLink, error)
}
