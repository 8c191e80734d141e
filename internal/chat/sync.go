// Package chat keeps per-conversation message history in sync over the
// bus, with optimistic local echo and a REST fallback for sends that
// cannot reach the bus.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
	"github.com/dkeye/Chat/internal/transport"
)

var ErrNotJoined = errors.New("conversation not joined")

// Bus is the slice of the transport session the manager needs.
type Bus interface {
	Subscribe(topic string, h transport.Handler) error
	Publish(topic string, payload any) error
	Unsubscribe(topic string) error
}

type room struct {
	conv *domain.Conversation
	msgs []domain.Message
}

// Manager owns the joined-conversation table. One instance per login.
type Manager struct {
	self     domain.UserID
	bus      Bus
	fallback core.MessageAPI
	events   *event.Bus

	mu    sync.Mutex
	rooms map[domain.ConversationID]*room
}

func NewManager(self domain.UserID, bus Bus, fallback core.MessageAPI, events *event.Bus) *Manager {
	return &Manager{
		self:     self,
		bus:      bus,
		fallback: fallback,
		events:   events,
		rooms:    make(map[domain.ConversationID]*room),
	}
}

// Join subscribes to the conversation's message topic and starts
// tracking its history. Joining twice is a no-op.
func (m *Manager) Join(conv *domain.Conversation) error {
	m.mu.Lock()
	if _, ok := m.rooms[conv.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[conv.ID] = &room{conv: conv}
	m.mu.Unlock()

	if err := m.bus.Subscribe(transport.ConversationTopic(conv.ID), m.onFrame); err != nil {
		m.mu.Lock()
		delete(m.rooms, conv.ID)
		m.mu.Unlock()
		return fmt.Errorf("joining conversation %s: %w", conv.ID, err)
	}
	log.Info().Str("module", "chat").Str("conversation", string(conv.ID)).Msg("conversation joined")
	return nil
}

// Leave unsubscribes and drops the local history.
func (m *Manager) Leave(id domain.ConversationID) error {
	m.mu.Lock()
	if _, ok := m.rooms[id]; !ok {
		m.mu.Unlock()
		return ErrNotJoined
	}
	delete(m.rooms, id)
	m.mu.Unlock()
	return m.bus.Unsubscribe(transport.ConversationTopic(id))
}

// Resubscribe re-issues the topic subscriptions for every joined
// conversation. The owner calls this after the session reconnects.
func (m *Manager) Resubscribe() error {
	m.mu.Lock()
	ids := make([]domain.ConversationID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.bus.Subscribe(transport.ConversationTopic(id), m.onFrame); err != nil {
			return fmt.Errorf("resubscribing to %s: %w", id, err)
		}
	}
	return nil
}

// Send publishes the message and records an optimistic pending copy.
// When the bus is down the message goes out over REST instead; the
// server echoes it back on the topic either way, and the echo replaces
// the pending copy by client id.
func (m *Manager) Send(ctx context.Context, id domain.ConversationID, content string) (*domain.Message, error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotJoined
	}
	msg := domain.Message{
		ClientID:       uuid.NewString(),
		ConversationID: id,
		SenderID:       m.self,
		Content:        content,
		SentAt:         time.Now().UTC(),
		Pending:        true,
	}
	r.msgs = append(r.msgs, msg)
	m.mu.Unlock()

	if err := m.bus.Publish(transport.ConversationTopic(id), msg); err != nil {
		log.Warn().Err(err).Str("module", "chat").Str("conversation", string(id)).Msg("bus send failed, falling back to rest")
		if rerr := m.fallback.Send(ctx, &msg); rerr != nil {
			m.dropPending(id, msg.ClientID)
			return nil, fmt.Errorf("sending message: %w", rerr)
		}
	}
	return &msg, nil
}

// Messages returns a copy of the conversation history.
func (m *Manager) Messages(id domain.ConversationID) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (m *Manager) onFrame(_ string, body []byte) {
	var msg domain.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error().Err(err).Str("module", "chat").Msg("bad message payload")
		return
	}

	m.mu.Lock()
	r, ok := m.rooms[msg.ConversationID]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("module", "chat").Str("conversation", string(msg.ConversationID)).Msg("message for unjoined conversation")
		return
	}
	if msg.ClientID != "" && m.reconcileLocked(r, &msg) {
		m.mu.Unlock()
	} else {
		r.msgs = append(r.msgs, msg)
		m.mu.Unlock()
	}

	if m.events != nil {
		m.events.Publish(event.Event{Kind: event.KindMessageReceived, Payload: &msg})
	}
}

// reconcileLocked replaces the optimistic pending copy with the
// server-confirmed one. Returns false when no pending copy matches.
func (m *Manager) reconcileLocked(r *room, confirmed *domain.Message) bool {
	for i := range r.msgs {
		if r.msgs[i].Pending && r.msgs[i].ClientID == confirmed.ClientID {
			r.msgs[i] = *confirmed
			return true
		}
	}
	return false
}

func (m *Manager) dropPending(id domain.ConversationID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return
	}
	for i := range r.msgs {
		if r.msgs[i].Pending && r.msgs[i].ClientID == clientID {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
			return
		}
	}
}
