package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Breakout/internal/core"
)

// Control message types on the "control" data channel.
const (
	ctlParticipantUpdated = "participant.updated"
	ctlParticipantLeft    = "participant.left"
	ctlSpeaker            = "speaker"
	ctlMedia              = "media"
	ctlLayers             = "layers"
	ctlHello              = "hello"
)

type controlMessage struct {
	Type        string                  `json:"type"`
	Participant *core.RemoteParticipant `json:"participant,omitempty"`
	ID          string                  `json:"id,omitempty"`
	Name        string                  `json:"name,omitempty"`
	Kind        core.MediaKind          `json:"kind,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty"`
	Layers      map[string]core.Layer   `json:"layers,omitempty"`
}

// decodeControl turns an inbound control message into an engine event.
// Messages the client only sends are reported as not ok.
func decodeControl(data []byte) (core.EngineEvent, bool, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return core.EngineEvent{}, false, fmt.Errorf("bad control message: %w", err)
	}
	switch msg.Type {
	case ctlParticipantUpdated:
		if msg.Participant == nil || msg.Participant.ID == "" {
			return core.EngineEvent{}, false, fmt.Errorf("participant.updated without participant")
		}
		return core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: *msg.Participant}, true, nil
	case ctlParticipantLeft:
		id := msg.ID
		if id == "" && msg.Participant != nil {
			id = msg.Participant.ID
		}
		if id == "" {
			return core.EngineEvent{}, false, fmt.Errorf("participant.left without id")
		}
		return core.EngineEvent{Type: core.EngineParticipantLeft, Participant: core.RemoteParticipant{ID: id}}, true, nil
	case ctlSpeaker:
		return core.EngineEvent{Type: core.EngineActiveSpeaker, SpeakerID: msg.ID}, true, nil
	}
	return core.EngineEvent{}, false, nil
}

func encodeControl(msg controlMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
