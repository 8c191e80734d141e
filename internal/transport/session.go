// Package transport maintains one logical connection to the server's
// real-time message bus and provides pub/sub on top of it: per-topic
// handlers, inbound message deduplication and a bounded reconnection
// policy. Subscriptions are NOT restored after a reconnect; owners must
// re-issue Subscribe calls once the session reports Connected again.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrNilHandler       = errors.New("nil handler")
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Handler receives every inbound message on a subscribed topic.
// Handlers must not call back into the session's subscription table.
type Handler func(topic string, body []byte)

type Options struct {
	// SettleDelay guards against subscribing before the server has
	// fully registered the new session.
	SettleDelay   time.Duration
	ReconnectBase time.Duration
	MaxReconnects int
	// SubscribeWait bounds how long Subscribe waits for the session to
	// come up before giving up.
	SubscribeWait time.Duration
}

func (o *Options) withDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 250 * time.Millisecond
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = 2 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.SubscribeWait == 0 {
		o.SubscribeWait = 10 * time.Second
	}
}

// Session is created on login and torn down on logout; it is not
// reusable after Disconnect.
type Session struct {
	dialer core.Dialer
	events *event.Bus
	opts   Options

	mu       sync.Mutex
	state    ConnState
	link     core.BusLink
	gen      int // connection generation; stale read loops check it and bail
	subs     map[string]Handler
	seen     map[string]struct{}
	attempts int
	ready    chan struct{} // closed while connected; replaced when the link drops
	userID   domain.UserID
	token    string
}

func NewSession(dialer core.Dialer, events *event.Bus, opts Options) *Session {
	opts.withDefaults()
	return &Session{
		dialer: dialer,
		events: events,
		opts:   opts,
		subs:   make(map[string]Handler),
		seen:   make(map[string]struct{}),
		ready:  make(chan struct{}),
	}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the bus and resolves once the handshake completed and
// the settle delay elapsed. Handshake failures are returned to the
// caller; mid-session errors afterwards go through the reconnect policy.
func (s *Session) Connect(ctx context.Context, userID domain.UserID, token string) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.userID = userID
	s.token = token
	s.mu.Unlock()
	s.emitState(StateConnecting)

	link, err := s.dialer.Dial(ctx, userID, token)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.emitState(StateDisconnected)
		return fmt.Errorf("dialing bus: %w", err)
	}

	select {
	case <-time.After(s.opts.SettleDelay):
	case <-ctx.Done():
		_ = link.Close()
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.emitState(StateDisconnected)
		return ctx.Err()
	}

	s.mu.Lock()
	s.link = link
	s.gen++
	gen := s.gen
	s.state = StateConnected
	s.attempts = 0
	close(s.ready)
	s.mu.Unlock()
	s.emitState(StateConnected)
	log.Info().Str("module", "transport").Str("user", string(userID)).Msg("bus connected")

	go s.readLoop(gen, link)
	return nil
}

// Subscribe registers exactly one handler per topic. A duplicate call
// for an already-subscribed topic is a logged no-op. When the session
// is still coming up, Subscribe waits (bounded) instead of failing.
func (s *Session) Subscribe(topic string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if err := s.awaitConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.subs[topic]; ok {
		s.mu.Unlock()
		log.Info().Str("module", "transport").Str("topic", topic).Msg("duplicate subscription ignored")
		return nil
	}
	if s.state != StateConnected || s.link == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	link := s.link
	s.subs[topic] = h
	s.mu.Unlock()

	b, err := json.Marshal(frame{Op: opSubscribe, Topic: topic})
	if err != nil {
		return fmt.Errorf("marshaling subscribe frame: %w", err)
	}
	if err := link.WriteFrame(b); err != nil {
		s.mu.Lock()
		delete(s.subs, topic)
		s.mu.Unlock()
		return fmt.Errorf("sending subscribe for %s: %w", topic, err)
	}
	log.Info().Str("module", "transport").Str("topic", topic).Msg("subscribed")
	return nil
}

// Publish is fire-and-forget: no acknowledgment, no retry queue. The
// returned error tells callers the frame never left this process;
// callers needing guaranteed delivery implement their own fallback.
func (s *Session) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling publish body: %w", err)
	}

	s.mu.Lock()
	if s.state != StateConnected || s.link == nil {
		s.mu.Unlock()
		log.Warn().Str("module", "transport").Str("topic", topic).Msg("publish while disconnected, dropped")
		return ErrNotConnected
	}
	link := s.link
	s.mu.Unlock()

	b, err := json.Marshal(frame{Op: opSend, Topic: topic, Body: body})
	if err != nil {
		return fmt.Errorf("marshaling send frame: %w", err)
	}
	if err := link.WriteFrame(b); err != nil {
		log.Warn().Err(err).Str("module", "transport").Str("topic", topic).Msg("publish write failed")
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe releases the topic. Unknown topics are a no-op.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	if _, ok := s.subs[topic]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, topic)
	var link core.BusLink
	if s.state == StateConnected {
		link = s.link
	}
	s.mu.Unlock()

	if link == nil {
		return nil
	}
	b, err := json.Marshal(frame{Op: opUnsubscribe, Topic: topic})
	if err != nil {
		return fmt.Errorf("marshaling unsubscribe frame: %w", err)
	}
	if err := link.WriteFrame(b); err != nil {
		log.Warn().Err(err).Str("module", "transport").Str("topic", topic).Msg("unsubscribe write failed")
	}
	return nil
}

// Disconnect tears the session down and clears all bookkeeping,
// including the dedup set. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected && s.link == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	link := s.link
	s.link = nil
	s.subs = make(map[string]Handler)
	s.seen = make(map[string]struct{})
	s.attempts = 0
	if s.state == StateConnected {
		s.ready = make(chan struct{})
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	s.emitState(StateDisconnected)
	log.Info().Str("module", "transport").Msg("bus disconnected")
}

func (s *Session) awaitConnected() error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-time.After(s.opts.SubscribeWait):
		return ErrNotConnected
	}
}

func (s *Session) readLoop(gen int, link core.BusLink) {
	for {
		raw, err := link.ReadFrame()
		if err != nil {
			s.linkDown(gen, err)
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw core.Frame) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}

	switch f.Op {
	case opMessage:
		s.deliver(&f)
	case opConnected, opPong:
	default:
		log.Warn().Str("module", "transport").Str("op", f.Op).Msg("unknown frame op")
	}
}

func (s *Session) deliver(f *frame) {
	s.mu.Lock()
	if f.ID != "" {
		if _, dup := s.seen[f.ID]; dup {
			s.mu.Unlock()
			log.Debug().Str("module", "transport").Str("id", f.ID).Msg("duplicate message dropped")
			return
		}
		s.seen[f.ID] = struct{}{}
	}
	h := s.subs[f.Topic]
	s.mu.Unlock()

	if h == nil {
		log.Warn().Str("module", "transport").Str("topic", f.Topic).Msg("message for unsubscribed topic")
		return
	}
	h(f.Topic, f.Body)
}

// linkDown is invoked by the read loop on a transport error. The gen
// check keeps a stale loop (superseded by an explicit Disconnect or a
// newer connection) from touching current state.
func (s *Session) linkDown(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.link != nil {
		_ = s.link.Close()
		s.link = nil
	}
	s.state = StateReconnecting
	s.ready = make(chan struct{})
	s.mu.Unlock()

	log.Error().Err(cause).Str("module", "transport").Msg("bus link lost, reconnecting")
	s.emitState(StateReconnecting)
	go s.reconnect()
}

// reconnect retries with linearly increasing delay up to the bound. On
// success the attempt counter resets and prior subscriptions are
// cleared; re-subscribing is the owner's responsibility.
func (s *Session) reconnect() {
	for attempt := 1; attempt <= s.opts.MaxReconnects; attempt++ {
		time.Sleep(time.Duration(attempt) * s.opts.ReconnectBase)

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.attempts = attempt
		userID, token := s.userID, s.token
		s.mu.Unlock()

		link, err := s.dialer.Dial(context.Background(), userID, token)
		if err != nil {
			log.Warn().Err(err).Str("module", "transport").Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			_ = link.Close()
			return
		}
		s.link = link
		s.gen++
		gen := s.gen
		s.state = StateConnected
		s.attempts = 0
		s.subs = make(map[string]Handler)
		close(s.ready)
		s.mu.Unlock()

		log.Info().Str("module", "transport").Int("attempt", attempt).Msg("bus reconnected")
		s.emitState(StateConnected)
		go s.readLoop(gen, link)
		return
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.subs = make(map[string]Handler)
	s.attempts = 0
	s.mu.Unlock()
	log.Error().Str("module", "transport").Int("max", s.opts.MaxReconnects).Msg("reconnect attempts exhausted, giving up")
	s.emitState(StateDisconnected)
}

func (s *Session) emitState(st ConnState) {
	if s.events == nil {
		return
	}
	s.events.Publish(event.Event{Kind: event.KindConnectionChanged, Payload: st})
}
