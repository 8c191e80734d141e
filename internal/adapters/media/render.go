package media

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Consumer receives decodable RTP packets from the remote audio track.
// The playback pipeline behind it is platform-specific.
type Consumer func(pkt *rtp.Packet)

// AudioSink is the render side channel for remote call audio: it drains
// RTP off the remote track and hands packets to the consumer. One sink
// per call; Play stops when ctx is canceled or the track ends.
type AudioSink struct {
	consume Consumer

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func NewAudioSink(consume Consumer) *AudioSink {
	return &AudioSink{consume: consume}
}

func (s *AudioSink) Play(ctx context.Context, track *webrtc.TrackRemote) {
	log.Info().
		Str("module", "adapters.media").
		Str("track_id", track.ID()).
		Str("codec", track.Codec().MimeType).
		Msg("remote audio started")

	for {
		select {
		case <-ctx.Done():
			s.logEnd(track, "remote audio ctx done")
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.logEnd(track, "remote audio ended")
			return
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))
		if s.consume != nil {
			s.consume(pkt)
		}
	}
}

func (s *AudioSink) logEnd(track *webrtc.TrackRemote, msg string) {
	log.Info().
		Str("module", "adapters.media").
		Str("track_id", track.ID()).
		Uint64("packets", s.packets.Load()).
		Uint64("bytes", s.bytes.Load()).
		Msg(msg)
}
