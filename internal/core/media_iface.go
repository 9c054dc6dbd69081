package core

import (
	"context"
	"time"
)

// Layer is a simulcast layer index; higher is better quality.
type Layer int

const (
	LayerLow    Layer = 0
	LayerMedium Layer = 1
	LayerHigh   Layer = 2
)

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// RemoteParticipant is the engine's view of another call member.
type RemoteParticipant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Audio  bool   `json:"audio"`
	Video  bool   `json:"video"`
	Screen bool   `json:"screen"`
}

type EngineEventType int

const (
	EngineJoined EngineEventType = iota
	EngineLeft
	EngineParticipantUpdated
	EngineParticipantLeft
	EngineActiveSpeaker
	EngineLocalMedia
	EngineError
)

// EngineEvent is delivered through the callback set with OnEvent.
// Only the fields relevant to Type are set.
type EngineEvent struct {
	Type        EngineEventType
	Participant RemoteParticipant
	SpeakerID   string
	Kind        MediaKind
	Enabled     bool
	Err         error
}

// NetworkStats is the raw pressure reading a quality sample is derived from.
type NetworkStats struct {
	PacketLoss float64
	RoundTrip  time.Duration
	CPU        float64
}

// Capture is the real device capture handed to the engine on join. The
// caller owns it; Close must be safe to call more than once.
type Capture interface {
	Close() error
}

type JoinRequest struct {
	URL         string
	Token       string
	DisplayName string
	Capture     Capture
}

// MediaEngine is the media transport provider. One engine instance
// serves exactly one call session.
type MediaEngine interface {
	// Join connects and blocks until the session is established or ctx
	// ends. ctx bounds the handshake only, not the session.
	Join(ctx context.Context, req JoinRequest) error
	Leave(ctx context.Context) error
	SetLocalAudio(on bool) error
	SetLocalVideo(on bool) error
	SetScreenShare(on bool) error
	// UpdateReceiveSettings selects the video layer per remote participant.
	UpdateReceiveSettings(layers map[string]Layer) error
	OnEvent(fn func(EngineEvent))
	Stats(ctx context.Context) (NetworkStats, error)
	// Close destroys the engine. It does not close the capture.
	Close() error
}

// Devices is the two-phase device access: Probe opens a throwaway
// capture purely to trigger the OS permission prompt, Open acquires the
// capture handed to the engine.
type Devices interface {
	Probe(ctx context.Context) (release func(), err error)
	Open(ctx context.Context) (Capture, error)
}
