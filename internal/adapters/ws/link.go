// Package ws implements the bus link over a websocket connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
)

const (
	writeWait     = 5 * time.Second
	handshakeWait = 10 * time.Second
	readLimit     = 1 << 20
)

var ErrBadHandshake = errors.New("bus handshake failed")

type Dialer struct {
	// BusURL is the ws:// or wss:// endpoint of the server bus.
	BusURL string
}

func NewDialer(busURL string) *Dialer {
	return &Dialer{BusURL: busURL}
}

// Dial opens the websocket, authenticates and waits for the server's
// connected acknowledgement frame.
func (d *Dialer) Dial(ctx context.Context, userID domain.UserID, token string) (core.BusLink, error) {
	u, err := url.Parse(d.BusURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bus url: %w", err)
	}
	q := u.Query()
	q.Set("user", string(userID))
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := awaitConnected(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Info().Str("module", "adapters.ws").Str("user", string(userID)).Msg("bus handshake complete")
	return &link{conn: conn}, nil
}

// awaitConnected reads the first frame and verifies it is the server's
// connected ack. Anything else fails the handshake.
func awaitConnected(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading handshake frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing handshake deadline: %w", err)
	}

	var ack struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &ack); err != nil || ack.Op != "connected" {
		return ErrBadHandshake
	}
	return nil
}

type link struct {
	conn *websocket.Conn

	// gorilla/websocket allows a single writer at a time.
	writeMu sync.Mutex
}

func (l *link) ReadFrame() (core.Frame, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return core.Frame(data), nil
}

func (l *link) WriteFrame(f core.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, f)
}

func (l *link) Close() error {
	return l.conn.Close()
}
