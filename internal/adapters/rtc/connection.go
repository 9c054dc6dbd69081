// Package rtc implements the media transport provider on top of pion:
// one PeerConnection per call, negotiated over an HTTP offer/answer
// exchange, with a "control" data channel carrying roster and layer
// messages.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/domain"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// peer wraps the PeerConnection of one call.
type peer struct {
	pc   *webrtc.PeerConnection
	room string

	connected chan struct{}
	connOnce  sync.Once
	failed    chan struct{}
	failOnce  sync.Once

	onClosed func()
}

func newPeer(api *webrtc.API, cfg webrtc.Configuration, room string) (*peer, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &peer{
		pc:        pc,
		room:      room,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}, nil
}

func (p *peer) start() {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("room", p.room).Str("ice_state", s.String()).Msg("ICE state")
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("room", p.room).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.connOnce.Do(func() { close(p.connected) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.failOnce.Do(func() { close(p.failed) })
			if p.onClosed != nil {
				p.onClosed()
			}
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("room", p.room).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drain(track)
	})
}

// drain reads a remote track so its receive stats keep moving. Rendering
// is the presentation layer's business.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// offer creates the local offer and waits for ICE gathering so the SDP
// carries every candidate.
func (p *peer) offer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.pc.LocalDescription(), nil
}

func (p *peer) applyAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *peer) waitConnected(ctx context.Context) error {
	select {
	case <-p.connected:
		return nil
	case <-p.failed:
		return fmt.Errorf("%w: peer connection failed", domain.ErrConnection)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) close() {
	if p.pc == nil {
		return
	}
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("room", p.room).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("room", p.room).Msg("closed")
	}
}
