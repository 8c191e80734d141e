// Package media acquires local capture devices and renders remote audio.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chat/internal/core"
)

// Microphone implements core.MediaSource over pion/mediadevices.
type Microphone struct{}

func NewMicrophone() *Microphone {
	return &Microphone{}
}

// AcquireAudio opens the default microphone as a single opus-encoded
// audio track. Callers own the returned media and must Stop() it.
func (m *Microphone) AcquireAudio(_ context.Context) (core.LocalMedia, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring microphone: %w", err)
	}
	log.Info().Str("module", "adapters.media").Int("tracks", len(stream.GetAudioTracks())).Msg("microphone acquired")
	return &localMedia{stream: stream}, nil
}

type localMedia struct {
	stream mediadevices.MediaStream

	stopOnce sync.Once
}

func (l *localMedia) Tracks() []webrtc.TrackLocal {
	audio := l.stream.GetAudioTracks()
	out := make([]webrtc.TrackLocal, 0, len(audio))
	for _, t := range audio {
		out = append(out, t)
	}
	return out
}

func (l *localMedia) Stop() {
	l.stopOnce.Do(func() {
		for _, t := range l.stream.GetTracks() {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.media").Str("track_id", t.ID()).Msg("closing capture track")
			}
		}
		log.Info().Str("module", "adapters.media").Msg("microphone released")
	})
}
