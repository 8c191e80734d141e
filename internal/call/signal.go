// Package call runs the client-side negotiation for one-to-one calls:
// a single call slot, SDP exchange, ICE trickling and resource teardown.
package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Chat/internal/domain"
)

// EventType enumerates the signaling envelope kinds exchanged over the
// per-user call topic.
type EventType string

const (
	EventCallIncoming EventType = "call_incoming"
	EventCallOutgoing EventType = "call_outgoing"
	EventCallAccepted EventType = "call_accepted"
	EventCallRejected EventType = "call_rejected"
	EventCallEnded    EventType = "call_ended"
	EventCallFailed   EventType = "call_failed"
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice_candidate"
)

// Envelope is the wire shape for everything on the call topic. Offer,
// Answer and Data are populated depending on Type.
type Envelope struct {
	Type     EventType                  `json:"type"`
	CallID   domain.CallID              `json:"callId"`
	CallerID domain.UserID              `json:"callerId"`
	CalleeID domain.UserID              `json:"calleeId"`
	CallType domain.CallType            `json:"callType,omitempty"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	Data     *webrtc.ICECandidateInit   `json:"data,omitempty"`
	Reason   string                     `json:"reason,omitempty"`
}

// peer returns the other party of the envelope relative to self.
func (e *Envelope) peer(self domain.UserID) domain.UserID {
	if e.CallerID == self {
		return e.CalleeID
	}
	return e.CallerID
}

// concerns reports whether the envelope addresses self at all.
func (e *Envelope) concerns(self domain.UserID) bool {
	return e.CallerID == self || e.CalleeID == self
}
