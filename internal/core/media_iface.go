package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection wraps a single peer-to-peer media session.
// The call engine owns exactly one live instance at a time.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// HasRemoteDescription reports whether a remote SDP has been applied.
	HasRemoteDescription() bool
	// ApplyRemote sets the remote description (offer or answer).
	ApplyRemote(webrtc.SessionDescription) error
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	CreateAndSetAnswer() (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) error
	// OnClosed sets a callback for cleanup when the media session dies.
	OnClosed(func())
}

// LocalMedia is an acquired set of local capture tracks (microphone).
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture devices. Safe to call more than once.
	Stop()
}

// MediaSource acquires local media devices.
type MediaSource interface {
	AcquireAudio(ctx context.Context) (LocalMedia, error)
}
