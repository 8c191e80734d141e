// Package app wires the client together: login, the bus session, the
// call engine and chat, and the re-subscription dance after reconnects.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/adapters/media"
	"github.com/dkeye/Chat/internal/adapters/rtc"
	"github.com/dkeye/Chat/internal/call"
	"github.com/dkeye/Chat/internal/chat"
	"github.com/dkeye/Chat/internal/config"
	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
	"github.com/dkeye/Chat/internal/transport"
)

var (
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

// Deps are the adapter implementations the runtime is built from.
// Tests inject fakes here.
type Deps struct {
	Dialer core.Dialer
	Auth   core.AuthAPI
	Calls  core.CallAPI
	Convs  core.ConversationAPI
	Msgs   core.MessageAPI
	Media  core.MediaSource
	Peers  call.PeerFactory
}

// Runtime is the single service object owning client state. Constructed
// once at process start; session-scoped pieces are built on Login and
// destroyed on Logout.
type Runtime struct {
	cfg    *config.Config
	deps   Deps
	events *event.Bus

	mu      sync.Mutex
	user    *domain.User
	session *transport.Session
	engine  *call.Engine
	chats   *chat.Manager
	watch   *event.Subscription
}

func NewRuntime(cfg *config.Config, deps Deps, events *event.Bus) *Runtime {
	if deps.Peers == nil {
		deps.Peers = func(callID domain.CallID) (core.MediaConnection, error) {
			return rtc.NewWebRTCConnection(rtc.DefaultWebRTCConfig(), callID)
		}
	}
	if deps.Media == nil {
		deps.Media = media.NewMicrophone()
	}
	return &Runtime{cfg: cfg, deps: deps, events: events}
}

func (r *Runtime) Events() *event.Bus { return r.events }

func (r *Runtime) User() *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user
}

func (r *Runtime) ConnState() transport.ConnState {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return transport.StateDisconnected
	}
	return s.State()
}

func (r *Runtime) CallState() call.State {
	r.mu.Lock()
	e := r.engine
	r.mu.Unlock()
	if e == nil {
		return call.State{}
	}
	return e.State()
}

// Login authenticates, connects the bus and brings up the session-scoped
// services. Partial failures leave the runtime logged out.
func (r *Runtime) Login(ctx context.Context) error {
	r.mu.Lock()
	if r.session != nil {
		r.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	r.mu.Unlock()

	user, token, err := r.deps.Auth.Login(ctx, r.cfg.Username, r.cfg.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	session := transport.NewSession(r.deps.Dialer, r.events, transport.Options{
		SettleDelay:   r.cfg.SettleDelay,
		ReconnectBase: r.cfg.ReconnectBase,
		MaxReconnects: r.cfg.MaxReconnects,
		SubscribeWait: r.cfg.SubscribeWait,
	})
	if err := session.Connect(ctx, user.ID, token); err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}

	engine := call.NewEngine(user.ID, session, r.deps.Calls, r.deps.Convs,
		r.deps.Media, r.deps.Peers, r.events, call.Options{Timeout: r.cfg.CallTimeout})
	engine.OnRemoteTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sink := media.NewAudioSink(nil)
		go sink.Play(ctx, track)
	})
	chats := chat.NewManager(user.ID, session, r.deps.Msgs, r.events)

	if err := engine.Subscribe(); err != nil {
		session.Disconnect()
		return fmt.Errorf("subscribing call topic: %w", err)
	}

	// Subscriptions do not survive a reconnect; watch for the session
	// coming back and re-issue them.
	watch := r.events.Subscribe(16)
	go r.resubscribeLoop(watch, engine, chats)

	r.mu.Lock()
	r.user = user
	r.session = session
	r.engine = engine
	r.chats = chats
	r.watch = watch
	r.mu.Unlock()
	log.Info().Str("module", "app").Str("user", string(user.ID)).Msg("logged in")
	return nil
}

// Logout hangs up any call, tears the session down and forgets the user.
func (r *Runtime) Logout(ctx context.Context) {
	r.mu.Lock()
	session := r.session
	engine := r.engine
	watch := r.watch
	r.user = nil
	r.session = nil
	r.engine = nil
	r.chats = nil
	r.watch = nil
	r.mu.Unlock()

	if engine != nil {
		if err := engine.EndCall(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app").Msg("ending call on logout")
		}
	}
	if watch != nil {
		watch.Cancel()
	}
	if session != nil {
		session.Disconnect()
	}
	log.Info().Str("module", "app").Msg("logged out")
}

func (r *Runtime) resubscribeLoop(watch *event.Subscription, engine *call.Engine, chats *chat.Manager) {
	for ev := range watch.C {
		if ev.Kind != event.KindConnectionChanged {
			continue
		}
		st, ok := ev.Payload.(transport.ConnState)
		if !ok || st != transport.StateConnected {
			continue
		}
		// The watch is created after the initial connect already
		// emitted, so every Connected seen here is a reconnect with an
		// empty handler table behind it.
		log.Info().Str("module", "app").Msg("session reconnected, restoring subscriptions")
		if err := engine.Subscribe(); err != nil {
			log.Error().Err(err).Str("module", "app").Msg("restoring call subscription failed")
		}
		if err := chats.Resubscribe(); err != nil {
			log.Error().Err(err).Str("module", "app").Msg("restoring chat subscriptions failed")
		}
	}
}

// StartCall resolves the conversation and places an audio call.
func (r *Runtime) StartCall(ctx context.Context, calleeID domain.UserID) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return ErrNotLoggedIn
	}
	return engine.StartCall(ctx, calleeID, domain.CallAudio)
}

func (r *Runtime) AcceptCall(ctx context.Context) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return ErrNotLoggedIn
	}
	return engine.AcceptCall(ctx)
}

func (r *Runtime) RejectCall(ctx context.Context) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return ErrNotLoggedIn
	}
	return engine.RejectCall(ctx)
}

func (r *Runtime) EndCall(ctx context.Context) error {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return ErrNotLoggedIn
	}
	return engine.EndCall(ctx)
}

// OpenConversation resolves (or creates) the direct conversation with
// the peer and joins its message topic.
func (r *Runtime) OpenConversation(ctx context.Context, peerID domain.UserID) (*domain.Conversation, error) {
	r.mu.Lock()
	chats := r.chats
	r.mu.Unlock()
	if chats == nil {
		return nil, ErrNotLoggedIn
	}
	conv, err := r.deps.Convs.GetOrCreateDirect(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("opening conversation: %w", err)
	}
	if err := chats.Join(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Runtime) SendMessage(ctx context.Context, id domain.ConversationID, content string) (*domain.Message, error) {
	r.mu.Lock()
	chats := r.chats
	r.mu.Unlock()
	if chats == nil {
		return nil, ErrNotLoggedIn
	}
	return chats.Send(ctx, id, content)
}

func (r *Runtime) Messages(id domain.ConversationID) []domain.Message {
	r.mu.Lock()
	chats := r.chats
	r.mu.Unlock()
	if chats == nil {
		return nil
	}
	return chats.Messages(id)
}
