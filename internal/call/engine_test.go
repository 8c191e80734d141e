package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Chat/internal/core"
	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/event"
	"github.com/dkeye/Chat/internal/transport"
)

const (
	self   = domain.UserID("alice")
	callee = domain.UserID("bob")
)

type published struct {
	topic string
	env   Envelope
}

type fakeBus struct {
	mu   sync.Mutex
	subs map[string]transport.Handler
	pubs []published
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]transport.Handler)}
}

func (b *fakeBus) Subscribe(topic string, h transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = h
	return nil
}

func (b *fakeBus) Publish(topic string, payload any) error {
	env, ok := payload.(Envelope)
	if !ok {
		return errors.New("unexpected payload type")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubs = append(b.pubs, published{topic: topic, env: env})
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

// deliver simulates the server routing an envelope to a topic.
func (b *fakeBus) deliver(t *testing.T, topic string, env Envelope) {
	t.Helper()
	b.mu.Lock()
	h := b.subs[topic]
	b.mu.Unlock()
	require.NotNil(t, h, "no handler on %s", topic)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	h(topic, body)
}

func (b *fakeBus) publishedOf(typ EventType) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.pubs {
		if p.env.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type fakeCallAPI struct {
	mu          sync.Mutex
	creates     int
	cleanups    int
	ends        int
	statuses    []domain.CallStatus
	rejectFirst error
}

func (f *fakeCallAPI) Create(_ context.Context, convID domain.ConversationID, ct domain.CallType) (*domain.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.rejectFirst != nil {
		err := f.rejectFirst
		f.rejectFirst = nil
		return nil, err
	}
	return &domain.Call{ID: "call-1", ConversationID: convID, Type: ct, Status: domain.CallPending}, nil
}

func (f *fakeCallAPI) UpdateStatus(_ context.Context, _ domain.CallID, st domain.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeCallAPI) End(_ context.Context, _ domain.CallID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeCallAPI) CleanupExpired(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeCallAPI) counts() (creates, cleanups, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.cleanups, f.ends
}

type fakeConvAPI struct{}

func (fakeConvAPI) GetOrCreateDirect(_ context.Context, peerID domain.UserID) (*domain.Conversation, error) {
	return &domain.Conversation{
		ID:      "conv-1",
		Type:    domain.ConversationDirect,
		Members: []domain.UserID{self, peerID},
	}, nil
}

type fakeLocal struct {
	stops counter
}

func (f *fakeLocal) Tracks() []webrtc.TrackLocal { return nil }
func (f *fakeLocal) Stop()                       { f.stops.inc() }

type fakeMedia struct {
	err       error
	last      *fakeLocal
	onAcquire func()
}

func (f *fakeMedia) AcquireAudio(_ context.Context) (core.LocalMedia, error) {
	if f.onAcquire != nil {
		f.onAcquire()
	}
	if f.err != nil {
		return nil, f.err
	}
	f.last = &fakeLocal{}
	return f.last, nil
}

type fakePeer struct {
	mu        sync.Mutex
	remote    []webrtc.SessionDescription
	added     []webrtc.ICECandidateInit
	remoteSet bool
	closes    int
	addErrs   int

	onICE func(webrtc.ICECandidateInit)
}

func (p *fakePeer) Start(_ context.Context) error { return nil }

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErrs > 0 {
		p.addErrs--
		return errors.New("not ready")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePeer) ApplyRemote(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, sd)
	p.remoteSet = true
	return nil
}

func (p *fakePeer) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAndSetAnswer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onICE = fn }
func (p *fakePeer) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
}
func (p *fakePeer) AddLocalTrack(webrtc.TrackLocal) error { return nil }
func (p *fakePeer) OnClosed(func())                       {}

func (p *fakePeer) applied() []webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.SessionDescription, len(p.remote))
	copy(out, p.remote)
	return out
}

func (p *fakePeer) candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.added))
	copy(out, p.added)
	return out
}

func (p *fakePeer) closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (a *counter) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *counter) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type rig struct {
	bus    *fakeBus
	calls  *fakeCallAPI
	media  *fakeMedia
	peer   *fakePeer
	engine *Engine
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	r := &rig{
		bus:   newFakeBus(),
		calls: &fakeCallAPI{},
		media: &fakeMedia{},
		peer:  &fakePeer{},
	}
	factory := func(domain.CallID) (core.MediaConnection, error) { return r.peer, nil }
	r.engine = NewEngine(self, r.bus, r.calls, fakeConvAPI{}, r.media, factory, event.NewBus(), opts)
	require.NoError(t, r.engine.Subscribe())
	return r
}

func inviteFor(me domain.UserID, withOffer bool) Envelope {
	env := Envelope{
		Type:     EventCallOutgoing,
		CallID:   "call-9",
		CallerID: callee,
		CalleeID: me,
		CallType: domain.CallAudio,
	}
	if withOffer {
		env.Offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
	}
	return env
}

func TestStartCallRoundTrip(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	assert.Equal(t, PhaseOutgoing, r.engine.State().Phase)

	invites := r.bus.publishedOf(EventCallOutgoing)
	require.Len(t, invites, 1)
	assert.Equal(t, transport.UserCallTopic(callee), invites[0].topic)
	require.NotNil(t, invites[0].env.Offer)
	assert.Equal(t, self, invites[0].env.CallerID)

	// Accepted without an inline answer still makes the call active.
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventCallAccepted, CallID: "call-1", CallerID: self, CalleeID: callee,
	})
	assert.Equal(t, PhaseActive, r.engine.State().Phase)

	// The answer arrives as its own event and lands on the connection.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 late answer"}
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventAnswer, CallID: "call-1", CallerID: self, CalleeID: callee, Answer: &answer,
	})
	applied := r.peer.applied()
	require.Len(t, applied, 1)
	assert.Equal(t, answer, applied[0])
}

func TestStartCallWhileBusy(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	assert.ErrorIs(t, r.engine.StartCall(context.Background(), "carol", domain.CallAudio), ErrCallInProgress)
}

func TestStartCallRetriesAfterStaleOngoing(t *testing.T) {
	r := newRig(t, Options{})
	r.calls.rejectFirst = core.ErrOngoingCall

	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	creates, cleanups, _ := r.calls.counts()
	assert.Equal(t, 2, creates)
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, PhaseOutgoing, r.engine.State().Phase)
}

func TestStartCallOtherRejectionNotRetried(t *testing.T) {
	r := newRig(t, Options{})
	r.calls.rejectFirst = errors.New("validation failed")

	err := r.engine.StartCall(context.Background(), callee, domain.CallAudio)
	require.Error(t, err)
	creates, cleanups, _ := r.calls.counts()
	assert.Equal(t, 1, creates)
	assert.Zero(t, cleanups)
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
}

func TestStartCallMediaFailureLeavesNoState(t *testing.T) {
	r := newRig(t, Options{})
	r.media.err = errors.New("device busy")

	err := r.engine.StartCall(context.Background(), callee, domain.CallAudio)
	require.Error(t, err)
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
	_, _, ends := r.calls.counts()
	assert.Equal(t, 1, ends, "orphaned call record not released")
	assert.Empty(t, r.bus.publishedOf(EventCallOutgoing))
}

func TestAcceptBeforeOfferYieldsOneAnswer(t *testing.T) {
	r := newRig(t, Options{})
	r.bus.deliver(t, transport.UserCallTopic(self), inviteFor(self, false))
	assert.Equal(t, PhaseIncoming, r.engine.State().Phase)

	require.NoError(t, r.engine.AcceptCall(context.Background()))
	assert.Equal(t, PhaseActive, r.engine.State().Phase)

	accepts := r.bus.publishedOf(EventCallAccepted)
	require.Len(t, accepts, 1)
	assert.Nil(t, accepts[0].env.Answer, "no offer yet, accept must not carry an answer")

	// The offer catches up and produces exactly one answer publish.
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 late offer"}
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventOffer, CallID: "call-9", CallerID: callee, CalleeID: self, Offer: &offer,
	})
	answers := r.bus.publishedOf(EventAnswer)
	require.Len(t, answers, 1)
	require.NotNil(t, answers[0].env.Answer)
	assert.Equal(t, transport.UserCallTopic(callee), answers[0].topic)
}

func TestAcceptWithQueuedOfferCarriesInlineAnswer(t *testing.T) {
	r := newRig(t, Options{})
	r.bus.deliver(t, transport.UserCallTopic(self), inviteFor(self, true))

	require.NoError(t, r.engine.AcceptCall(context.Background()))
	assert.Equal(t, PhaseActive, r.engine.State().Phase)

	accepts := r.bus.publishedOf(EventCallAccepted)
	require.Len(t, accepts, 1)
	assert.NotNil(t, accepts[0].env.Answer)
	require.Len(t, r.peer.applied(), 1)

	statuses := func() []domain.CallStatus {
		r.calls.mu.Lock()
		defer r.calls.mu.Unlock()
		return r.calls.statuses
	}()
	assert.Contains(t, statuses, domain.CallOngoing)
}

func TestAcceptOutsideIncoming(t *testing.T) {
	r := newRig(t, Options{})
	assert.ErrorIs(t, r.engine.AcceptCall(context.Background()), ErrNoIncomingCall)
}

func TestICECandidatesAppliedInArrivalOrder(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))

	topic := transport.UserCallTopic(self)
	for _, frag := range []string{"cand-1", "cand-2", "cand-3"} {
		cand := webrtc.ICECandidateInit{Candidate: frag}
		r.bus.deliver(t, topic, Envelope{
			Type: EventICECandidate, CallID: "call-1", CallerID: self, CalleeID: callee, Data: &cand,
		})
	}
	assert.Empty(t, r.peer.candidates(), "candidates must wait for the remote description")

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	r.bus.deliver(t, topic, Envelope{
		Type: EventCallAccepted, CallID: "call-1", CallerID: self, CalleeID: callee, Answer: &answer,
	})

	got := r.peer.candidates()
	require.Len(t, got, 3)
	assert.Equal(t, "cand-1", got[0].Candidate)
	assert.Equal(t, "cand-2", got[1].Candidate)
	assert.Equal(t, "cand-3", got[2].Candidate)
}

func TestFailedCandidateIsRequeuedNotDropped(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	r.peer.mu.Lock()
	r.peer.remoteSet = true
	r.peer.addErrs = 1
	r.peer.mu.Unlock()

	cand := webrtc.ICECandidateInit{Candidate: "flaky"}
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventICECandidate, CallID: "call-1", CallerID: self, CalleeID: callee, Data: &cand,
	})
	assert.Empty(t, r.peer.candidates())

	// A later drain applies the requeued candidate.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventAnswer, CallID: "call-1", CallerID: self, CalleeID: callee, Answer: &answer,
	})
	got := r.peer.candidates()
	require.Len(t, got, 1)
	assert.Equal(t, "flaky", got[0].Candidate)
}

func TestOfferWithoutPeerConnectionIsDesync(t *testing.T) {
	r := newRig(t, Options{})
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	assert.ErrorIs(t, r.engine.handleIncomingOffer(offer), ErrNoPeerConnection)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	assert.ErrorIs(t, r.engine.handleIncomingAnswer(answer), ErrNoPeerConnection)
}

func TestOutgoingCallTimesOut(t *testing.T) {
	r := newRig(t, Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))

	require.Eventually(t, func() bool {
		return r.engine.State().Phase == PhaseIdle
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, r.peer.closed())
	assert.Equal(t, 1, r.media.last.stops.get())
	_, _, ends := r.calls.counts()
	assert.Equal(t, 1, ends)
	assert.Len(t, r.bus.publishedOf(EventCallEnded), 1)
}

func TestTimeoutDoesNotFireOnActiveCall(t *testing.T) {
	r := newRig(t, Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventCallAccepted, CallID: "call-1", CallerID: self, CalleeID: callee,
	})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, PhaseActive, r.engine.State().Phase)
	assert.Zero(t, r.peer.closed())
}

func TestEndCallIdempotent(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))

	require.NoError(t, r.engine.EndCall(context.Background()))
	require.NoError(t, r.engine.EndCall(context.Background()))

	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
	assert.Equal(t, 1, r.peer.closed())
	assert.Equal(t, 1, r.media.last.stops.get())
	_, _, ends := r.calls.counts()
	assert.Equal(t, 1, ends)
	assert.Len(t, r.bus.publishedOf(EventCallEnded), 1)
}

func TestEndCallDuringSetupReleasesCallRecord(t *testing.T) {
	r := newRig(t, Options{})
	// Hang up while the outgoing call is still acquiring media.
	r.media.onAcquire = func() {
		require.NoError(t, r.engine.EndCall(context.Background()))
	}

	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)

	assert.Equal(t, 1, r.peer.closed())
	assert.Equal(t, 1, r.media.last.stops.get())
	_, _, ends := r.calls.counts()
	assert.Equal(t, 1, ends, "abandoned call record must be closed on the server")
	assert.Empty(t, r.bus.publishedOf(EventCallOutgoing))
	assert.Empty(t, r.bus.publishedOf(EventCallEnded))
}

func TestEndCallFromIdleIsNoOp(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.EndCall(context.Background()))
	assert.Empty(t, r.bus.publishedOf(EventCallEnded))
	_, _, ends := r.calls.counts()
	assert.Zero(t, ends)
}

func TestRejectCall(t *testing.T) {
	r := newRig(t, Options{})
	r.bus.deliver(t, transport.UserCallTopic(self), inviteFor(self, true))

	require.NoError(t, r.engine.RejectCall(context.Background()))
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
	assert.Len(t, r.bus.publishedOf(EventCallRejected), 1)
	assert.Empty(t, r.bus.publishedOf(EventCallEnded))

	statuses := func() []domain.CallStatus {
		r.calls.mu.Lock()
		defer r.calls.mu.Unlock()
		return r.calls.statuses
	}()
	assert.Contains(t, statuses, domain.CallCanceled)
}

func TestRemoteHangupDoesNotEcho(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))

	r.bus.deliver(t, transport.UserCallTopic(self), Envelope{
		Type: EventCallRejected, CallID: "call-1", CallerID: self, CalleeID: callee,
	})
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
	assert.Equal(t, 1, r.peer.closed())
	assert.Empty(t, r.bus.publishedOf(EventCallEnded), "remote hangup must not be echoed back")
}

func TestInviteWhileBusyIgnored(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))

	busy := inviteFor(self, false)
	busy.CallID = "call-other"
	busy.CallerID = "carol"
	r.bus.deliver(t, transport.UserCallTopic(self), busy)

	st := r.engine.State()
	assert.Equal(t, PhaseOutgoing, st.Phase)
	assert.Equal(t, domain.CallID("call-1"), st.CallID)
}

func TestSignalForOtherUsersIgnored(t *testing.T) {
	r := newRig(t, Options{})
	env := Envelope{Type: EventCallOutgoing, CallID: "x", CallerID: "carol", CalleeID: "dave"}
	r.bus.deliver(t, transport.UserCallTopic(self), env)
	assert.Equal(t, PhaseIdle, r.engine.State().Phase)
}

func TestResubscribeDoesNotTouchCallState(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	before := r.engine.State()

	// After a transport reconnect the owner re-issues the subscription.
	require.NoError(t, r.engine.Subscribe())
	assert.Equal(t, before, r.engine.State())
	assert.Zero(t, r.peer.closed())
}

func TestLocalCandidatesPublishedAsGathered(t *testing.T) {
	r := newRig(t, Options{})
	require.NoError(t, r.engine.StartCall(context.Background(), callee, domain.CallAudio))
	require.NotNil(t, r.peer.onICE)

	r.peer.onICE(webrtc.ICECandidateInit{Candidate: "local-1"})
	r.peer.onICE(webrtc.ICECandidateInit{Candidate: "local-2"})

	pubs := r.bus.publishedOf(EventICECandidate)
	require.Len(t, pubs, 2)
	assert.Equal(t, transport.UserCallTopic(callee), pubs[0].topic)
	assert.Equal(t, "local-1", pubs[0].env.Data.Candidate)
	assert.Equal(t, "local-2", pubs[1].env.Data.Candidate)
}
