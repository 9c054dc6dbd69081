package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

var (
	ErrEngineClosed = errors.New("rtc: engine closed")
	ErrNotJoined    = errors.New("rtc: not joined")
)

type Option func(*Engine)

func WithConfiguration(cfg webrtc.Configuration) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.whip = whipClient{http: c} }
}

// Engine is a core.MediaEngine backed by a single pion PeerConnection.
type Engine struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	whip whipClient

	mu       sync.Mutex
	peer     *peer
	control  *webrtc.DataChannel
	senders  map[core.MediaKind]*webrtc.RTPSender
	tracks   map[core.MediaKind]webrtc.TrackLocal
	resource string
	token    string
	onEvent  func(core.EngineEvent)
	joined   bool
	leaving  bool
	closed   bool
	stats    statsSampler
}

func NewEngine(opts ...Option) (*Engine, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		api:     api,
		cfg:     DefaultWebRTCConfig(),
		whip:    whipClient{http: http.DefaultClient},
		senders: make(map[core.MediaKind]*webrtc.RTPSender),
		tracks:  make(map[core.MediaKind]webrtc.TrackLocal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) OnEvent(fn func(core.EngineEvent)) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

func (e *Engine) emit(ev core.EngineEvent) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *Engine) Join(ctx context.Context, req core.JoinRequest) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.peer != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: already joined", domain.ErrConnection)
	}
	e.mu.Unlock()

	p, err := newPeer(e.api, e.cfg, req.URL)
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", domain.ErrConnection, err)
	}
	p.onClosed = e.peerClosed
	p.start()

	senders, tracks, err := attachCapture(p.pc, req.Capture)
	if err != nil {
		p.close()
		return fmt.Errorf("%w: attach capture: %v", domain.ErrConnection, err)
	}

	control, err := p.pc.CreateDataChannel("control", nil)
	if err != nil {
		p.close()
		return fmt.Errorf("%w: control channel: %v", domain.ErrConnection, err)
	}
	control.OnOpen(func() {
		e.sendControl(controlMessage{Type: ctlHello, Name: req.DisplayName})
	})
	control.OnMessage(e.handleControl)

	e.mu.Lock()
	e.peer = p
	e.control = control
	e.senders = senders
	e.tracks = tracks
	e.token = req.Token
	e.mu.Unlock()

	if err := e.negotiate(ctx, p, req); err != nil {
		e.reset()
		return err
	}

	e.mu.Lock()
	e.joined = true
	screen := e.senders[core.MediaScreen]
	e.mu.Unlock()
	// Screen share starts disabled; a sender can only be emptied once negotiated.
	if screen != nil {
		if err := screen.ReplaceTrack(nil); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("disable screen share")
		}
	}
	log.Info().Str("module", "rtc").Str("room", req.URL).Msg("media session established")
	e.emit(core.EngineEvent{Type: core.EngineJoined})
	return nil
}

func (e *Engine) negotiate(ctx context.Context, p *peer, req core.JoinRequest) error {
	offer, err := p.offer(ctx)
	if err != nil {
		return connErr("create offer", err)
	}
	answer, resource, err := e.whip.publish(ctx, req.URL, req.Token, offer.SDP)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.resource = resource
	e.mu.Unlock()

	if err := p.applyAnswer(answer); err != nil {
		return connErr("apply answer", err)
	}
	if err := p.waitConnected(ctx); err != nil {
		return connErr("connect", err)
	}
	return nil
}

func connErr(step string, err error) error {
	if errors.Is(err, domain.ErrConnection) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%s: %w: %v", step, domain.ErrConnection, err)
}

// attachCapture adds the capture's tracks as senders. Without tracks the
// call is receive-only.
func attachCapture(pc *webrtc.PeerConnection, capture core.Capture) (map[core.MediaKind]*webrtc.RTPSender, map[core.MediaKind]webrtc.TrackLocal, error) {
	senders := make(map[core.MediaKind]*webrtc.RTPSender)
	tracks := make(map[core.MediaKind]webrtc.TrackLocal)

	tc, ok := capture.(TrackCapture)
	if !ok {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				return nil, nil, err
			}
		}
		return senders, tracks, nil
	}

	for _, kind := range []core.MediaKind{core.MediaAudio, core.MediaVideo, core.MediaScreen} {
		track, ok := tc.Tracks()[kind]
		if !ok {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return nil, nil, err
		}
		go drainRTCP(sender)
		senders[kind] = sender
		tracks[kind] = track
	}
	return senders, tracks, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (e *Engine) handleControl(msg webrtc.DataChannelMessage) {
	ev, ok, err := decodeControl(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("control message")
		return
	}
	if ok {
		e.emit(ev)
	}
}

func (e *Engine) sendControl(msg controlMessage) {
	e.mu.Lock()
	dc := e.control
	e.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	text, err := encodeControl(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("encode control")
		return
	}
	if err := dc.SendText(text); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("type", msg.Type).Msg("send control")
	}
}

// peerClosed reports a connection lost while joined. Closes we started
// ourselves are not reported.
func (e *Engine) peerClosed() {
	e.mu.Lock()
	report := e.joined && !e.leaving && !e.closed
	e.joined = false
	e.mu.Unlock()
	if report {
		e.emit(core.EngineEvent{Type: core.EngineError, Err: fmt.Errorf("%w: peer connection lost", domain.ErrConnection)})
	}
}

func (e *Engine) SetLocalAudio(on bool) error  { return e.setLocal(core.MediaAudio, on) }
func (e *Engine) SetLocalVideo(on bool) error  { return e.setLocal(core.MediaVideo, on) }
func (e *Engine) SetScreenShare(on bool) error { return e.setLocal(core.MediaScreen, on) }

// setLocal mutes by detaching the track from its sender, which needs no
// renegotiation. The change is confirmed through EngineLocalMedia.
func (e *Engine) setLocal(kind core.MediaKind, on bool) error {
	e.mu.Lock()
	if !e.joined {
		e.mu.Unlock()
		return ErrNotJoined
	}
	sender, track := e.senders[kind], e.tracks[kind]
	e.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rtc: no local %s track", kind)
	}

	var next webrtc.TrackLocal
	if on {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("rtc: %s: %w", kind, err)
	}
	e.sendControl(controlMessage{Type: ctlMedia, Kind: kind, Enabled: &on})
	e.emit(core.EngineEvent{Type: core.EngineLocalMedia, Kind: kind, Enabled: on})
	return nil
}

// UpdateReceiveSettings asks the media server for a simulcast layer per
// remote participant.
func (e *Engine) UpdateReceiveSettings(layers map[string]core.Layer) error {
	e.mu.Lock()
	joined := e.joined
	e.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if len(layers) == 0 {
		return nil
	}
	e.sendControl(controlMessage{Type: ctlLayers, Layers: layers})
	return nil
}

func (e *Engine) Stats(ctx context.Context) (core.NetworkStats, error) {
	if err := ctx.Err(); err != nil {
		return core.NetworkStats{}, err
	}
	e.mu.Lock()
	p := e.peer
	e.mu.Unlock()
	if p == nil {
		return core.NetworkStats{}, ErrNotJoined
	}
	out := e.stats.network(p.pc.GetStats())
	out.CPU = e.stats.cpu()
	return out, nil
}

// Leave ends the media session on the server and closes the connection.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	e.leaving = true
	resource, token := e.resource, e.token
	e.mu.Unlock()

	var err error
	if resource != "" {
		if err = e.whip.remove(ctx, resource, token); err != nil {
			err = fmt.Errorf("end media session: %w", err)
		}
	}
	e.reset()
	e.emit(core.EngineEvent{Type: core.EngineLeft})
	return err
}

func (e *Engine) reset() {
	e.mu.Lock()
	p := e.peer
	e.peer = nil
	e.control = nil
	e.senders = make(map[core.MediaKind]*webrtc.RTPSender)
	e.tracks = make(map[core.MediaKind]webrtc.TrackLocal)
	e.resource = ""
	e.joined = false
	e.leaving = true
	e.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// Close is idempotent. The capture handed to Join stays open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.reset()
	return nil
}
