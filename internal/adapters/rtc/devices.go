package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
)

// TrackCapture is a capture that can feed a PeerConnection. Captures that
// do not implement it join receive-only.
type TrackCapture interface {
	core.Capture
	Tracks() map[core.MediaKind]webrtc.TrackLocal
}

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus comfort-noise frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices stands in for real capture hardware on headless
// attendees: it never prompts and produces silent audio plus empty video
// and screen tracks.
type SyntheticDevices struct {
	clock clockwork.Clock
}

func NewSyntheticDevices(clock clockwork.Clock) *SyntheticDevices {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyntheticDevices{clock: clock}
}

func (d *SyntheticDevices) Probe(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func (d *SyntheticDevices) Open(ctx context.Context) (core.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "breakout-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", stream)
	if err != nil {
		return nil, fmt.Errorf("screen track: %w", err)
	}
	c := &syntheticCapture{
		tracks: map[core.MediaKind]webrtc.TrackLocal{
			core.MediaAudio:  audio,
			core.MediaVideo:  video,
			core.MediaScreen: screen,
		},
		done: make(chan struct{}),
	}
	go c.pumpAudio(d.clock, audio)
	return c, nil
}

type syntheticCapture struct {
	tracks map[core.MediaKind]webrtc.TrackLocal
	done   chan struct{}
	once   sync.Once
}

func (c *syntheticCapture) Tracks() map[core.MediaKind]webrtc.TrackLocal { return c.tracks }

func (c *syntheticCapture) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *syntheticCapture) pumpAudio(clock clockwork.Clock, track *webrtc.TrackLocalStaticSample) {
	ticker := clock.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Msg("write audio sample")
				return
			}
		}
	}
}
