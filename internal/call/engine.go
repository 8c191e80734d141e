package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
	"github.com/dkeye/Chat/internal/transport"
)

var (
	ErrCallInProgress   = errors.New("another call is in progress")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrNoPeerConnection = errors.New("no peer connection for negotiation")
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOutgoing
	PhaseIncoming
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOutgoing:
		return "outgoing"
	case PhaseIncoming:
		return "incoming"
	case PhaseActive:
		return "active"
	}
	return "unknown"
}

// State is a snapshot of the single call slot.
type State struct {
	Phase    Phase           `json:"phase"`
	CallID   domain.CallID   `json:"callId,omitempty"`
	PeerID   domain.UserID   `json:"peerId,omitempty"`
	CallType domain.CallType `json:"callType,omitempty"`
}

// Bus is the slice of the transport session the engine needs.
type Bus interface {
	Subscribe(topic string, h transport.Handler) error
	Publish(topic string, payload any) error
	Unsubscribe(topic string) error
}

// PeerFactory builds the media connection for a call. Swappable in tests.
type PeerFactory func(callID domain.CallID) (core.MediaConnection, error)

type Options struct {
	// Timeout force-ends an outgoing call that never reached Active.
	Timeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
}

// Engine conducts at most one call at a time, from initiation through
// teardown. It owns the peer connection and local media exclusively and
// guarantees each is released exactly once.
type Engine struct {
	self    domain.UserID
	bus     Bus
	calls   core.CallAPI
	convs   core.ConversationAPI
	media   core.MediaSource
	newPeer PeerFactory
	events  *event.Bus
	opts    Options

	mu           sync.Mutex
	phase        Phase
	call         *domain.Call
	peerID       domain.UserID
	pc           core.MediaConnection
	local        core.LocalMedia
	pendingOffer *webrtc.SessionDescription
	pendingICE   []webrtc.ICECandidateInit
	timer        *time.Timer

	onTrack func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func NewEngine(
	self domain.UserID,
	bus Bus,
	calls core.CallAPI,
	convs core.ConversationAPI,
	media core.MediaSource,
	newPeer PeerFactory,
	events *event.Bus,
	opts Options,
) *Engine {
	opts.withDefaults()
	return &Engine{
		self:    self,
		bus:     bus,
		calls:   calls,
		convs:   convs,
		media:   media,
		newPeer: newPeer,
		events:  events,
		opts:    opts,
	}
}

// OnRemoteTrack installs the remote-audio callback used for every call.
// Must be set before the first call.
func (e *Engine) OnRemoteTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	e.onTrack = fn
}

// Subscribe attaches the engine to its per-user signaling topic. The
// transport drops subscriptions on reconnect, so the owner calls this
// again every time the session reports Connected.
func (e *Engine) Subscribe() error {
	return e.bus.Subscribe(transport.UserCallTopic(e.self), e.onFrame)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// StartCall places an audio call to calleeId. On any setup failure all
// partially acquired resources are released and the slot returns to Idle.
func (e *Engine) StartCall(ctx context.Context, calleeID domain.UserID, callType domain.CallType) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	e.phase = PhaseOutgoing
	e.peerID = calleeID
	e.mu.Unlock()
	e.emitState()

	conv, err := e.convs.GetOrCreateDirect(ctx, calleeID)
	if err != nil {
		return e.failSetup(ctx, nil, nil, nil, fmt.Errorf("resolving conversation: %w", err))
	}

	callRec, err := e.createCallRecord(ctx, conv.ID, callType)
	if err != nil {
		return e.failSetup(ctx, nil, nil, nil, err)
	}
	callRec.CallerID = e.self
	callRec.CalleeID = calleeID

	local, err := e.media.AcquireAudio(ctx)
	if err != nil {
		return e.failSetup(ctx, callRec, nil, nil, fmt.Errorf("acquiring media: %w", err))
	}

	pc, err := e.newPeer(callRec.ID)
	if err != nil {
		return e.failSetup(ctx, callRec, local, nil, fmt.Errorf("creating peer connection: %w", err))
	}
	e.wirePeer(pc, callRec, calleeID)
	if err := pc.Start(ctx); err != nil {
		return e.failSetup(ctx, callRec, local, pc, fmt.Errorf("starting peer connection: %w", err))
	}
	for _, t := range local.Tracks() {
		if err := pc.AddLocalTrack(t); err != nil {
			return e.failSetup(ctx, callRec, local, pc, fmt.Errorf("attaching local track: %w", err))
		}
	}

	offer, err := pc.CreateAndSetOffer()
	if err != nil {
		return e.failSetup(ctx, callRec, local, pc, fmt.Errorf("creating offer: %w", err))
	}

	e.mu.Lock()
	if e.phase != PhaseOutgoing || e.peerID != calleeID {
		// endCall won the race during setup; resolve as a no-op. The
		// record was never stored in the slot, so close it here.
		e.mu.Unlock()
		local.Stop()
		pc.Close()
		if err := e.calls.End(ctx, callRec.ID); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("abandoning call record failed")
		}
		log.Info().Str("module", "call").Str("call", string(callRec.ID)).Msg("call ended during setup")
		return nil
	}
	e.call = callRec
	e.pc = pc
	e.local = local
	callID := callRec.ID
	e.timer = time.AfterFunc(e.opts.Timeout, func() { e.timeoutExpired(callID) })
	e.mu.Unlock()

	env := Envelope{
		Type:     EventCallOutgoing,
		CallID:   callRec.ID,
		CallerID: e.self,
		CalleeID: calleeID,
		CallType: callType,
		Offer:    offer,
	}
	if err := e.bus.Publish(transport.UserCallTopic(calleeID), env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("invite publish failed")
	}
	log.Info().Str("module", "call").Str("call", string(callRec.ID)).Str("callee", string(calleeID)).Msg("call placed")
	e.emitState()
	return nil
}

// createCallRecord retries exactly once, after a server-side cleanup,
// when creation is rejected for a stale ongoing call. Other rejections
// are not retried.
func (e *Engine) createCallRecord(ctx context.Context, convID domain.ConversationID, ct domain.CallType) (*domain.Call, error) {
	callRec, err := e.calls.Create(ctx, convID, ct)
	if errors.Is(err, core.ErrOngoingCall) {
		log.Warn().Str("module", "call").Msg("stale ongoing call record, cleaning up and retrying")
		if cerr := e.calls.CleanupExpired(ctx); cerr != nil {
			return nil, fmt.Errorf("cleaning up stale calls: %w", cerr)
		}
		callRec, err = e.calls.Create(ctx, convID, ct)
	}
	if err != nil {
		return nil, fmt.Errorf("creating call record: %w", err)
	}
	return callRec, nil
}

func (e *Engine) failSetup(ctx context.Context, callRec *domain.Call, local core.LocalMedia, pc core.MediaConnection, cause error) error {
	if pc != nil {
		pc.Close()
	}
	if local != nil {
		local.Stop()
	}
	if callRec != nil {
		if err := e.calls.End(ctx, callRec.ID); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("abandoning call record failed")
		}
	}

	e.mu.Lock()
	if e.phase == PhaseOutgoing {
		e.resetLocked()
	}
	e.mu.Unlock()
	e.emitState()
	log.Error().Err(cause).Str("module", "call").Msg("call setup failed")
	return cause
}

// AcceptCall answers the ringing call. Outside Incoming, or when media
// acquisition fails, it returns an error and the state does not change.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseIncoming || e.call == nil {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	callRec := e.call
	peer := e.peerID
	e.mu.Unlock()

	if err := e.calls.UpdateStatus(ctx, callRec.ID, domain.CallOngoing); err != nil {
		return fmt.Errorf("updating call status: %w", err)
	}
	local, err := e.media.AcquireAudio(ctx)
	if err != nil {
		return fmt.Errorf("acquiring media: %w", err)
	}
	pc, err := e.newPeer(callRec.ID)
	if err != nil {
		local.Stop()
		return fmt.Errorf("creating peer connection: %w", err)
	}
	e.wirePeer(pc, callRec, peer)
	if err := pc.Start(ctx); err != nil {
		local.Stop()
		pc.Close()
		return fmt.Errorf("starting peer connection: %w", err)
	}
	for _, t := range local.Tracks() {
		if err := pc.AddLocalTrack(t); err != nil {
			local.Stop()
			pc.Close()
			return fmt.Errorf("attaching local track: %w", err)
		}
	}

	e.mu.Lock()
	if e.phase != PhaseIncoming {
		e.mu.Unlock()
		local.Stop()
		pc.Close()
		log.Info().Str("module", "call").Str("call", string(callRec.ID)).Msg("call ended during accept")
		return nil
	}
	e.pc = pc
	e.local = local
	offer := e.pendingOffer
	e.pendingOffer = nil
	e.phase = PhaseActive
	e.mu.Unlock()

	env := Envelope{
		Type:     EventCallAccepted,
		CallID:   callRec.ID,
		CallerID: callRec.CallerID,
		CalleeID: callRec.CalleeID,
	}
	if offer != nil {
		if err := pc.ApplyRemote(*offer); err != nil {
			return e.teardown(ctx, EventCallFailed, true, fmt.Errorf("applying queued offer: %w", err))
		}
		e.drainPendingICE(pc)
		answer, err := pc.CreateAndSetAnswer()
		if err != nil {
			return e.teardown(ctx, EventCallFailed, true, fmt.Errorf("creating answer: %w", err))
		}
		env.Answer = answer
	}
	if err := e.bus.Publish(transport.UserCallTopic(peer), env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("accept publish failed")
	}
	log.Info().Str("module", "call").Str("call", string(callRec.ID)).Bool("inline_answer", env.Answer != nil).Msg("call accepted")
	e.emitState()
	return nil
}

// RejectCall declines the ringing call and tears everything down.
func (e *Engine) RejectCall(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseIncoming || e.call == nil {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	callRec := e.call
	peer := e.peerID
	e.mu.Unlock()

	if err := e.calls.UpdateStatus(ctx, callRec.ID, domain.CallCanceled); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("canceling call record failed")
	}
	env := Envelope{
		Type:     EventCallRejected,
		CallID:   callRec.ID,
		CallerID: callRec.CallerID,
		CalleeID: callRec.CalleeID,
	}
	if err := e.bus.Publish(transport.UserCallTopic(peer), env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("reject publish failed")
	}
	log.Info().Str("module", "call").Str("call", string(callRec.ID)).Msg("call rejected")
	return e.teardown(ctx, "", false, nil)
}

// EndCall hangs up from any non-Idle state. Calling it while Idle is a
// safe no-op, so racing UI triggers cause exactly one teardown.
func (e *Engine) EndCall(ctx context.Context) error {
	return e.teardown(ctx, EventCallEnded, true, nil)
}

// teardown releases the slot's resources exactly once: stop the timer,
// stop local media, close the peer connection, then best-effort server
// update and peer notification. notify=="" skips the publish (used when
// the remote side terminated first).
func (e *Engine) teardown(ctx context.Context, notify EventType, updateServer bool, cause error) error {
	e.mu.Lock()
	if e.phase == PhaseIdle {
		e.mu.Unlock()
		return cause
	}
	callRec := e.call
	peer := e.peerID
	pc := e.pc
	local := e.local
	timer := e.timer
	e.resetLocked()
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if local != nil {
		local.Stop()
	}
	if pc != nil {
		pc.Close()
	}
	if updateServer && callRec != nil {
		if err := e.calls.End(ctx, callRec.ID); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("ending call record failed")
		}
	}
	if notify != "" && callRec != nil && peer != "" {
		env := Envelope{
			Type:     notify,
			CallID:   callRec.ID,
			CallerID: callRec.CallerID,
			CalleeID: callRec.CalleeID,
		}
		if err := e.bus.Publish(transport.UserCallTopic(peer), env); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("hangup publish failed")
		}
	}
	if callRec != nil {
		log.Info().Str("module", "call").Str("call", string(callRec.ID)).Msg("call torn down")
	}
	e.emitState()
	return cause
}

func (e *Engine) resetLocked() {
	e.phase = PhaseIdle
	e.call = nil
	e.peerID = ""
	e.pc = nil
	e.local = nil
	e.pendingOffer = nil
	e.pendingICE = nil
	e.timer = nil
}

func (e *Engine) timeoutExpired(id domain.CallID) {
	e.mu.Lock()
	expired := e.phase == PhaseOutgoing && e.call != nil && e.call.ID == id
	e.mu.Unlock()
	if !expired {
		return
	}
	log.Warn().Str("module", "call").Str("call", string(id)).Msg("call not accepted in time")
	_ = e.teardown(context.Background(), EventCallEnded, true, nil)
}

// onFrame is the transport handler for the per-user call topic.
func (e *Engine) onFrame(_ string, body []byte) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad signaling envelope")
		return
	}
	if !env.concerns(e.self) {
		log.Debug().Str("module", "call").Str("type", string(env.Type)).Msg("signal for another user ignored")
		return
	}

	switch env.Type {
	case EventCallOutgoing, EventCallIncoming:
		if env.CalleeID == e.self {
			e.handleInvite(&env)
		}
	case EventCallAccepted:
		e.handleAccepted(&env)
	case EventCallRejected, EventCallEnded, EventCallFailed:
		e.handleRemoteTermination(&env)
	case EventOffer:
		if env.Offer == nil {
			log.Warn().Str("module", "call").Msg("offer event without offer")
			return
		}
		if err := e.handleIncomingOffer(*env.Offer); err != nil {
			log.Error().Err(err).Str("module", "call").Str("call", string(env.CallID)).Msg("offer handling failed")
		}
	case EventAnswer:
		if env.Answer == nil {
			log.Warn().Str("module", "call").Msg("answer event without answer")
			return
		}
		if err := e.handleIncomingAnswer(*env.Answer); err != nil {
			log.Error().Err(err).Str("module", "call").Str("call", string(env.CallID)).Msg("answer handling failed")
		}
	case EventICECandidate:
		if env.Data != nil {
			e.handleIncomingICE(*env.Data)
		}
	default:
		log.Warn().Str("module", "call").Str("type", string(env.Type)).Msg("unknown signal type")
	}

	if e.events != nil {
		e.events.Publish(event.Event{Kind: event.KindCallSignal, Payload: &env})
	}
}

// handleInvite moves Idle to Incoming. A second invite while any call is
// in flight is ignored; the caller's timeout resolves it on their side.
func (e *Engine) handleInvite(env *Envelope) {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		log.Warn().Str("module", "call").Str("call", string(env.CallID)).Msg("invite while busy, ignored")
		return
	}
	ct := env.CallType
	if ct == "" {
		ct = domain.CallAudio
	}
	e.phase = PhaseIncoming
	e.call = &domain.Call{
		ID:       env.CallID,
		CallerID: env.CallerID,
		CalleeID: env.CalleeID,
		Type:     ct,
		Status:   domain.CallPending,
	}
	e.peerID = env.peer(e.self)
	if env.Offer != nil {
		e.pendingOffer = env.Offer
	}
	e.mu.Unlock()
	log.Info().Str("module", "call").Str("call", string(env.CallID)).Str("caller", string(env.CallerID)).Msg("incoming call")
	e.emitState()
}

// handleAccepted drives the caller to Active. An inline answer is
// applied first; without one, the answer arrives as a separate event.
func (e *Engine) handleAccepted(env *Envelope) {
	e.mu.Lock()
	if e.phase != PhaseOutgoing || e.call == nil || e.call.ID != env.CallID {
		e.mu.Unlock()
		log.Warn().Str("module", "call").Str("call", string(env.CallID)).Msg("unexpected accept ignored")
		return
	}
	pc := e.pc
	timer := e.timer
	e.timer = nil
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if env.Answer != nil && pc != nil {
		if err := pc.ApplyRemote(*env.Answer); err != nil {
			log.Error().Err(err).Str("module", "call").Str("call", string(env.CallID)).Msg("applying inline answer failed")
			_ = e.teardown(context.Background(), EventCallFailed, true, nil)
			return
		}
		e.drainPendingICE(pc)
	}

	e.mu.Lock()
	if e.phase == PhaseOutgoing {
		e.phase = PhaseActive
	}
	e.mu.Unlock()
	log.Info().Str("module", "call").Str("call", string(env.CallID)).Msg("call active")
	e.emitState()
}

// handleRemoteTermination cleans up locally without echoing a hangup
// back; the remote side already closed the call and updated the server.
func (e *Engine) handleRemoteTermination(env *Envelope) {
	e.mu.Lock()
	relevant := e.call != nil && e.call.ID == env.CallID
	e.mu.Unlock()
	if !relevant {
		return
	}
	log.Info().Str("module", "call").Str("call", string(env.CallID)).Str("type", string(env.Type)).Msg("remote terminated call")
	_ = e.teardown(context.Background(), "", false, nil)
}

// handleIncomingOffer applies the remote offer, drains queued ICE and
// answers. Before the local side is ready (Incoming, no peer connection
// yet) the offer is stashed for the accept path instead.
func (e *Engine) handleIncomingOffer(offer webrtc.SessionDescription) error {
	e.mu.Lock()
	pc := e.pc
	if pc == nil {
		if e.phase == PhaseIncoming {
			e.pendingOffer = &offer
			e.mu.Unlock()
			log.Debug().Str("module", "call").Msg("offer queued until accept")
			return nil
		}
		e.mu.Unlock()
		return ErrNoPeerConnection
	}
	callRec := e.call
	peer := e.peerID
	e.mu.Unlock()

	if err := pc.ApplyRemote(offer); err != nil {
		return fmt.Errorf("applying offer: %w", err)
	}
	e.drainPendingICE(pc)
	answer, err := pc.CreateAndSetAnswer()
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	env := Envelope{
		Type:     EventAnswer,
		CallID:   callRec.ID,
		CallerID: callRec.CallerID,
		CalleeID: callRec.CalleeID,
		Answer:   answer,
	}
	if err := e.bus.Publish(transport.UserCallTopic(peer), env); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("answer publish failed")
	}
	return nil
}

func (e *Engine) handleIncomingAnswer(answer webrtc.SessionDescription) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return ErrNoPeerConnection
	}
	if err := pc.ApplyRemote(answer); err != nil {
		return fmt.Errorf("applying answer: %w", err)
	}
	e.drainPendingICE(pc)
	return nil
}

// handleIncomingICE never surfaces an error: candidates arriving before
// the remote description are queued, and a failed add is requeued since
// application can fail transiently before negotiation settles.
func (e *Engine) handleIncomingICE(cand webrtc.ICECandidateInit) {
	e.mu.Lock()
	pc := e.pc
	if pc == nil || !pc.HasRemoteDescription() {
		e.pendingICE = append(e.pendingICE, cand)
		n := len(e.pendingICE)
		e.mu.Unlock()
		log.Debug().Str("module", "call").Int("queued", n).Msg("ICE candidate queued")
		return
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		e.mu.Lock()
		e.pendingICE = append(e.pendingICE, cand)
		e.mu.Unlock()
		log.Warn().Err(err).Str("module", "call").Msg("ICE candidate add failed, requeued")
	}
}

// drainPendingICE applies queued candidates in arrival order. Failed
// candidates go back on the queue in order.
func (e *Engine) drainPendingICE(pc core.MediaConnection) {
	e.mu.Lock()
	queue := e.pendingICE
	e.pendingICE = nil
	e.mu.Unlock()

	for _, cand := range queue {
		if err := pc.AddICECandidate(cand); err != nil {
			e.mu.Lock()
			e.pendingICE = append(e.pendingICE, cand)
			e.mu.Unlock()
			log.Warn().Err(err).Str("module", "call").Msg("queued ICE candidate failed, requeued")
		}
	}
}

// wirePeer installs the per-call callbacks: locally gathered candidates
// are published one event each, remote tracks go to the render hook.
func (e *Engine) wirePeer(pc core.MediaConnection, callRec *domain.Call, peer domain.UserID) {
	pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		env := Envelope{
			Type:     EventICECandidate,
			CallID:   callRec.ID,
			CallerID: callRec.CallerID,
			CalleeID: callRec.CalleeID,
			Data:     &cand,
		}
		if err := e.bus.Publish(transport.UserCallTopic(peer), env); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("call", string(callRec.ID)).Msg("ICE publish failed")
		}
	})
	if e.onTrack != nil {
		pc.OnTrack(e.onTrack)
	}
	pc.OnClosed(func() {
		log.Info().Str("module", "call").Str("call", string(callRec.ID)).Msg("media connection closed")
	})
}

func (e *Engine) snapshotLocked() State {
	st := State{Phase: e.phase, PeerID: e.peerID}
	if e.call != nil {
		st.CallID = e.call.ID
		st.CallType = e.call.Type
	}
	return st
}

func (e *Engine) emitState() {
	if e.events == nil {
		return
	}
	e.mu.Lock()
	st := e.snapshotLocked()
	e.mu.Unlock()
	e.events.Publish(event.Event{Kind: event.KindCallStateChanged, Payload: st})
}
