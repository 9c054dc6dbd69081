// Package call owns the lifecycle of the single local media session a
// client may have at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/quality"
	"github.com/dkeye/Breakout/internal/scheduler"
)

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateLeaving State = "leaving"
	StateError   State = "error"
)

var errAborted = errors.New("join aborted by leave")

// EngineFactory builds a fresh engine for every join.
type EngineFactory func() (core.MediaEngine, error)

type Config struct {
	JoinTimeout time.Duration
	Quality     quality.Config
}

func DefaultConfig() Config {
	return Config{JoinTimeout: 15 * time.Second, Quality: quality.DefaultConfig()}
}

type JoinParams struct {
	RoomID      domain.RoomID
	URL         string
	Token       string
	DisplayName string
}

// Snapshot is the read state exposed to the presentation layer.
type Snapshot struct {
	State         State                    `json:"state"`
	Room          domain.RoomID            `json:"room,omitempty"`
	Participants  []core.RemoteParticipant `json:"participants"`
	ActiveSpeaker string                   `json:"activeSpeaker,omitempty"`
	Audio         FlagState                `json:"audio"`
	Video         FlagState                `json:"video"`
	Screen        FlagState                `json:"screen"`
	Quality       quality.Status           `json:"quality"`
	Err           string                   `json:"error,omitempty"`
}

type Controller struct {
	cfg       Config
	devices   core.Devices
	newEngine EngineFactory
	sched     *scheduler.Scheduler
	quality   *quality.Controller
	// joinSlot admits one JoinCall at a time, so an aborted join has
	// released its capture before the next one opens devices.
	joinSlot chan struct{}

	mu            sync.Mutex
	state         State
	gen           uint64
	params        JoinParams
	engine        core.MediaEngine
	capture       core.Capture
	participants  map[string]core.RemoteParticipant
	speaker       string
	audio         flag
	video         flag
	screen        flag
	videoWanted   bool
	suppressed    bool
	lastErr       error
	abortJoin     context.CancelFunc
	cancelSession context.CancelFunc
	cancelQuality func()
}

func NewController(cfg Config, devices core.Devices, newEngine EngineFactory, sched *scheduler.Scheduler) *Controller {
	c := &Controller{
		cfg:          cfg,
		devices:      devices,
		newEngine:    newEngine,
		sched:        sched,
		joinSlot:     make(chan struct{}, 1),
		state:        StateIdle,
		participants: make(map[string]core.RemoteParticipant),
	}
	c.quality = quality.New(cfg.Quality, statsSource{c}, qualityTarget{c})
	return c
}

func (c *Controller) Quality() *quality.Controller { return c.quality }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinCall establishes a session for one room. An existing session is
// left first. Errors wrap domain.ErrPermissionDenied or domain.ErrConnection.
func (c *Controller) JoinCall(ctx context.Context, p JoinParams) (Snapshot, error) {
	// Abort a join in flight so it gives up the slot promptly.
	c.leaveActive(ctx, p.RoomID)
	select {
	case c.joinSlot <- struct{}{}:
	case <-ctx.Done():
		return Snapshot{}, classify("join", ctx.Err(), domain.ErrConnection)
	}
	defer func() { <-c.joinSlot }()
	c.leaveActive(ctx, p.RoomID)

	joinCtx, abort := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer abort()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = StateJoining
	c.params = p
	c.lastErr = nil
	c.abortJoin = abort
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("room", string(p.RoomID)).Msg("joining")

	release, err := c.devices.Probe(joinCtx)
	if err != nil {
		return Snapshot{}, c.fail(gen, classify("device probe", err, domain.ErrPermissionDenied))
	}
	release()

	capture, err := c.devices.Open(joinCtx)
	if err != nil {
		return Snapshot{}, c.fail(gen, classify("open capture", err, domain.ErrPermissionDenied))
	}

	engine, err := c.newEngine()
	if err != nil {
		closeCapture(capture)
		return Snapshot{}, c.fail(gen, classify("new engine", err, domain.ErrConnection))
	}
	engine.OnEvent(func(ev core.EngineEvent) { c.handleEvent(gen, ev) })

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		teardown(context.Background(), engine, capture, false)
		return Snapshot{}, fmt.Errorf("join room %s: %w: %w", p.RoomID, domain.ErrConnection, errAborted)
	}
	c.engine = engine
	c.capture = capture
	c.mu.Unlock()

	err = engine.Join(joinCtx, core.JoinRequest{URL: p.URL, Token: p.Token, DisplayName: p.DisplayName, Capture: capture})
	if err != nil {
		return Snapshot{}, c.fail(gen, classify("engine join", err, domain.ErrConnection))
	}

	sessCtx, cancelSession := context.WithCancel(context.Background())
	epoch := c.quality.Epoch()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancelSession()
		return Snapshot{}, fmt.Errorf("join room %s: %w: %w", p.RoomID, domain.ErrConnection, errAborted)
	}
	c.state = StateJoined
	c.abortJoin = nil
	c.audio = flag{confirmed: true}
	c.video = flag{confirmed: true}
	c.screen = flag{}
	c.videoWanted = true
	c.suppressed = false
	c.cancelSession = cancelSession
	c.cancelQuality = c.sched.Every("call.quality", c.cfg.Quality.SamplePeriod, func(now time.Time) {
		c.quality.SampleEpoch(sessCtx, epoch, now)
	})
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("room", string(p.RoomID)).Msg("joined")
	return c.Snapshot(), nil
}

func (c *Controller) leaveActive(ctx context.Context, room domain.RoomID) {
	switch c.State() {
	case StateJoining, StateJoined, StateError:
		log.Info().Str("module", "call").Str("room", string(room)).Msg("leaving previous session before join")
		c.LeaveCall(ctx)
	}
}

// classify keeps a taxonomy error already present in err and otherwise
// wraps it with fallback. Timeouts are connection errors.
func classify(step string, err error, fallback error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied), errors.Is(err, domain.ErrConnection):
		return fmt.Errorf("%s: %w", step, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", step, domain.ErrConnection, domain.ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", step, fallback, err)
}

// fail moves a still-current join to Error and releases whatever it held.
func (c *Controller) fail(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", err, errAborted)
	}
	c.state = StateError
	c.lastErr = err
	engine, capture := c.engine, c.capture
	c.engine, c.capture = nil, nil
	c.abortJoin = nil
	c.participants = make(map[string]core.RemoteParticipant)
	c.speaker = ""
	c.mu.Unlock()

	log.Warn().Err(err).Str("module", "call").Msg("join failed")
	teardown(context.Background(), engine, capture, false)
	return err
}

// LeaveCall always ends in Idle with no tracked participants. It aborts a
// join in progress and never fails; teardown errors are only logged.
func (c *Controller) LeaveCall(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.state
	if prev != StateIdle {
		c.state = StateLeaving
	}
	engine, capture := c.engine, c.capture
	abort, cancelSession, cancelQuality := c.abortJoin, c.cancelSession, c.cancelQuality
	c.engine, c.capture = nil, nil
	c.abortJoin, c.cancelSession, c.cancelQuality = nil, nil, nil
	c.participants = make(map[string]core.RemoteParticipant)
	c.speaker = ""
	c.audio, c.video, c.screen = flag{}, flag{}, flag{}
	c.videoWanted, c.suppressed = false, false
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	if cancelQuality != nil {
		cancelQuality()
	}
	if cancelSession != nil {
		cancelSession()
	}
	teardown(ctx, engine, capture, prev == StateJoined)
	c.quality.Reset()

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateIdle
		c.lastErr = nil
	}
	c.mu.Unlock()
	if prev != StateIdle {
		log.Info().Str("module", "call").Str("from", string(prev)).Msg("left call")
	}
}

func teardown(ctx context.Context, engine core.MediaEngine, capture core.Capture, joined bool) {
	if engine != nil {
		if joined {
			if err := engine.Leave(ctx); err != nil {
				log.Warn().Err(err).Str("module", "call").Msg("engine leave")
			}
		}
		if err := engine.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("engine destroy")
		}
	}
	closeCapture(capture)
}

func closeCapture(capture core.Capture) {
	if capture == nil {
		return
	}
	if err := capture.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("release capture")
	}
}

func (c *Controller) handleEvent(gen uint64, ev core.EngineEvent) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch ev.Type {
	case core.EngineParticipantUpdated:
		c.participants[ev.Participant.ID] = ev.Participant
		c.mu.Unlock()
		c.quality.AddParticipant(ev.Participant.ID)
		return
	case core.EngineParticipantLeft:
		delete(c.participants, ev.Participant.ID)
		if c.speaker == ev.Participant.ID {
			c.speaker = ""
		}
		c.mu.Unlock()
		c.quality.RemoveParticipant(ev.Participant.ID)
		return
	case core.EngineActiveSpeaker:
		c.speaker = ev.SpeakerID
		c.mu.Unlock()
		c.quality.SetActiveSpeaker(ev.SpeakerID)
		return
	case core.EngineLocalMedia:
		c.flagFor(ev.Kind).confirm(ev.Enabled)
	case core.EngineError, core.EngineLeft:
		if c.state == StateJoined {
			err := fmt.Errorf("media session: %w", domain.ErrConnection)
			if ev.Err != nil {
				err = fmt.Errorf("media session: %w: %v", domain.ErrConnection, ev.Err)
			}
			c.mu.Unlock()
			log.Warn().Err(err).Str("module", "call").Msg("session lost")
			go c.abandon(gen, err)
			return
		}
	}
	c.mu.Unlock()
}

// abandon tears down a session the engine dropped and parks in Error.
func (c *Controller) abandon(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateError
	c.lastErr = err
	engine, capture := c.engine, c.capture
	cancelSession, cancelQuality := c.cancelSession, c.cancelQuality
	c.engine, c.capture = nil, nil
	c.cancelSession, c.cancelQuality = nil, nil
	c.participants = make(map[string]core.RemoteParticipant)
	c.speaker = ""
	c.mu.Unlock()

	if cancelQuality != nil {
		cancelQuality()
	}
	if cancelSession != nil {
		cancelSession()
	}
	teardown(context.Background(), engine, capture, false)
	c.quality.Reset()
}

func (c *Controller) flagFor(kind core.MediaKind) *flag {
	switch kind {
	case core.MediaAudio:
		return &c.audio
	case core.MediaScreen:
		return &c.screen
	}
	return &c.video
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:         c.state,
		Room:          c.params.RoomID,
		Participants:  make([]core.RemoteParticipant, 0, len(c.participants)),
		ActiveSpeaker: c.speaker,
		Audio:         c.audio.state(),
		Video:         c.video.state(),
		Screen:        c.screen.state(),
	}
	if c.state == StateIdle {
		s.Room = ""
	}
	for _, p := range c.participants {
		s.Participants = append(s.Participants, p)
	}
	if c.lastErr != nil {
		s.Err = c.lastErr.Error()
	}
	c.mu.Unlock()

	sort.Slice(s.Participants, func(i, j int) bool { return s.Participants[i].ID < s.Participants[j].ID })
	s.Quality = c.quality.Status()
	return s
}

type statsSource struct{ c *Controller }

func (s statsSource) Stats(ctx context.Context) (core.NetworkStats, error) {
	s.c.mu.Lock()
	engine := s.c.engine
	s.c.mu.Unlock()
	if engine == nil {
		return core.NetworkStats{}, fmt.Errorf("stats: %w", domain.ErrConnection)
	}
	return engine.Stats(ctx)
}

type qualityTarget struct{ c *Controller }

func (t qualityTarget) UpdateReceiveSettings(layers map[string]core.Layer) error {
	t.c.mu.Lock()
	engine := t.c.engine
	t.c.mu.Unlock()
	if engine == nil {
		return fmt.Errorf("receive settings: %w", domain.ErrConnection)
	}
	return engine.UpdateReceiveSettings(layers)
}

// SuppressLocalVideo turns outgoing video off under critical load without
// touching what the user asked for.
func (t qualityTarget) SuppressLocalVideo(suppress bool) error {
	t.c.mu.Lock()
	engine := t.c.engine
	want := t.c.videoWanted
	t.c.suppressed = suppress
	t.c.mu.Unlock()
	if engine == nil {
		return nil
	}
	if suppress {
		return engine.SetLocalVideo(false)
	}
	if want {
		return engine.SetLocalVideo(true)
	}
	return nil
}
