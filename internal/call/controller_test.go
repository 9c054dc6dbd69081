package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/quality"
	"github.com/dkeye/Breakout/internal/scheduler"
)

type fakeCapture struct {
	closed  atomic.Int32
	onClose func()
}

func (c *fakeCapture) Close() error {
	if c.closed.Add(1) == 1 && c.onClose != nil {
		c.onClose()
	}
	return nil
}

type fakeDevices struct {
	probeErr error
	openErr  error
	probes   atomic.Int32
	released atomic.Int32
	mu       sync.Mutex
	captures []*fakeCapture

	// openGate holds the first Open until closed; openStarted is closed
	// once that Open is waiting.
	openGate    chan struct{}
	openStarted chan struct{}
	opens       atomic.Int32
	live        atomic.Int32
	maxLive     atomic.Int32
}

func (d *fakeDevices) Probe(context.Context) (func(), error) {
	d.probes.Add(1)
	if d.probeErr != nil {
		return nil, d.probeErr
	}
	return func() { d.released.Add(1) }, nil
}

func (d *fakeDevices) Open(context.Context) (core.Capture, error) {
	if d.opens.Add(1) == 1 && d.openGate != nil {
		close(d.openStarted)
		<-d.openGate
	}
	if d.openErr != nil {
		return nil, d.openErr
	}
	c := &fakeCapture{onClose: func() { d.live.Add(-1) }}
	n := d.live.Add(1)
	for {
		m := d.maxLive.Load()
		if n <= m || d.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	d.mu.Lock()
	d.captures = append(d.captures, c)
	d.mu.Unlock()
	return c, nil
}

type fakeEngine struct {
	joinErr   error
	block     chan struct{}
	joining   chan struct{}
	leaveErr  error
	refuse    bool
	onEvent   func(core.EngineEvent)
	mu        sync.Mutex
	left      int
	closed    int
	video     []bool
	audio     []bool
	receive   []map[string]core.Layer
	stats     core.NetworkStats
	joinedReq core.JoinRequest

	// statsGate holds Stats until closed; statsCalled receives once per call.
	statsGate   chan struct{}
	statsCalled chan struct{}
}

func (e *fakeEngine) Join(ctx context.Context, req core.JoinRequest) error {
	e.mu.Lock()
	e.joinedReq = req
	e.mu.Unlock()
	if e.joining != nil {
		close(e.joining)
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.joinErr
}

func (e *fakeEngine) Leave(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.left++
	return e.leaveErr
}

func (e *fakeEngine) SetLocalAudio(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse {
		return errors.New("refused")
	}
	e.audio = append(e.audio, on)
	return nil
}

func (e *fakeEngine) SetLocalVideo(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.video = append(e.video, on)
	return nil
}

func (e *fakeEngine) SetScreenShare(bool) error { return nil }

func (e *fakeEngine) UpdateReceiveSettings(l map[string]core.Layer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receive = append(e.receive, l)
	return nil
}

func (e *fakeEngine) OnEvent(fn func(core.EngineEvent)) { e.onEvent = fn }

func (e *fakeEngine) Stats(context.Context) (core.NetworkStats, error) {
	if e.statsCalled != nil {
		select {
		case e.statsCalled <- struct{}{}:
		default:
		}
	}
	if e.statsGate != nil {
		<-e.statsGate
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) emit(ev core.EngineEvent) { e.onEvent(ev) }

type harness struct {
	ctl     *Controller
	devices *fakeDevices
	clock   *clockwork.FakeClock
	sched   *scheduler.Scheduler
	mu      sync.Mutex
	engines []*fakeEngine
	next    func() *fakeEngine
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		devices: &fakeDevices{},
		clock:   clockwork.NewFakeClock(),
		next:    func() *fakeEngine { return &fakeEngine{} },
	}
	h.sched = scheduler.New(h.clock)
	t.Cleanup(h.sched.Stop)
	cfg := DefaultConfig()
	cfg.JoinTimeout = 200 * time.Millisecond
	h.ctl = NewController(cfg, h.devices, func() (core.MediaEngine, error) {
		e := h.next()
		h.mu.Lock()
		h.engines = append(h.engines, e)
		h.mu.Unlock()
		return e, nil
	}, h.sched)
	return h
}

func (h *harness) engine(i int) *fakeEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engines[i]
}

var params = JoinParams{RoomID: "r1", URL: "https://media.test/rooms/r1", Token: "tok", DisplayName: "Ann"}

func assertIdle(t *testing.T, ctl *Controller) {
	t.Helper()
	s := ctl.Snapshot()
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, s.Participants)
	assert.Empty(t, s.Room)
}

func TestJoinUsesTwoPhaseDeviceAccess(t *testing.T) {
	h := newHarness(t)
	snap, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, StateJoined, snap.State)
	assert.Equal(t, domain.RoomID("r1"), snap.Room)
	assert.True(t, snap.Audio.Confirmed)

	assert.EqualValues(t, 1, h.devices.probes.Load())
	assert.EqualValues(t, 1, h.devices.released.Load(), "probe released before the real capture")
	e := h.engine(0)
	assert.Equal(t, "tok", e.joinedReq.Token)
	assert.Same(t, h.devices.captures[0], e.joinedReq.Capture)
	assert.Equal(t, 1, h.sched.Active(), "quality sampler running")
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.devices.probeErr = errors.New("NotAllowedError")

	_, err := h.ctl.JoinCall(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, StateError, h.ctl.State())
	assert.Empty(t, h.engines, "no engine is built without permission")

	h.ctl.LeaveCall(context.Background())
	assertIdle(t, h.ctl)
}

func TestConnectionErrorReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.next = func() *fakeEngine { return &fakeEngine{joinErr: errors.New("ice failed")} }

	_, err := h.ctl.JoinCall(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, StateError, h.ctl.State())
	assert.Equal(t, 1, h.engine(0).closed)
	assert.EqualValues(t, 1, h.devices.captures[0].closed.Load())
	assert.Equal(t, 0, h.sched.Active())

	// Error is recoverable
	h.next = func() *fakeEngine { return &fakeEngine{} }
	_, err = h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, StateJoined, h.ctl.State())
}

func TestJoinTimeoutIsConnectionError(t *testing.T) {
	h := newHarness(t)
	h.next = func() *fakeEngine { return &fakeEngine{block: make(chan struct{})} }

	_, err := h.ctl.JoinCall(context.Background(), params)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestLeaveFromJoiningAbortsJoin(t *testing.T) {
	h := newHarness(t)
	joining := make(chan struct{})
	h.next = func() *fakeEngine { return &fakeEngine{block: make(chan struct{}), joining: joining} }

	errc := make(chan error, 1)
	go func() {
		_, err := h.ctl.JoinCall(context.Background(), params)
		errc <- err
	}()
	<-joining
	assert.Equal(t, StateJoining, h.ctl.State())

	h.ctl.LeaveCall(context.Background())
	assertIdle(t, h.ctl)
	err := <-errc
	assert.ErrorIs(t, err, domain.ErrConnection)
	assertIdle(t, h.ctl)
	assert.Equal(t, 1, h.engine(0).closed)
	assert.EqualValues(t, 1, h.devices.captures[0].closed.Load())
}

func TestLeaveFromJoinedClearsParticipantsAndTimers(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	e := h.engine(0)
	e.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p1", Video: true}})
	e.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p2"}})
	e.emit(core.EngineEvent{Type: core.EngineActiveSpeaker, SpeakerID: "p2"})
	require.Len(t, h.ctl.Snapshot().Participants, 2)
	assert.Equal(t, "p2", h.ctl.Snapshot().ActiveSpeaker)

	e.leaveErr = errors.New("socket already gone")
	h.ctl.LeaveCall(context.Background())
	assertIdle(t, h.ctl)
	assert.Equal(t, 1, e.left)
	assert.Equal(t, 1, e.closed)
	assert.Equal(t, 0, h.sched.Active())

	// idempotent
	h.ctl.LeaveCall(context.Background())
	assertIdle(t, h.ctl)
	assert.Equal(t, 1, e.closed)
}

func TestEngineErrorWhileJoinedParksInError(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	e := h.engine(0)
	e.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p1"}})
	e.emit(core.EngineEvent{Type: core.EngineError, Err: errors.New("dtls closed")})

	require.Eventually(t, func() bool { return h.ctl.State() == StateError }, time.Second, 5*time.Millisecond)
	s := h.ctl.Snapshot()
	assert.Empty(t, s.Participants)
	assert.Contains(t, s.Err, "connection")
	assert.Eventually(t, func() bool { return h.sched.Active() == 0 }, time.Second, 5*time.Millisecond)

	h.ctl.LeaveCall(context.Background())
	assertIdle(t, h.ctl)
}

func TestJoiningAnotherRoomLeavesFirst(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	first := h.engine(0)

	other := params
	other.RoomID = "r2"
	snap, err := h.ctl.JoinCall(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r2"), snap.Room)

	assert.Equal(t, 1, first.left)
	assert.Equal(t, 1, first.closed)
	assert.EqualValues(t, 1, h.devices.captures[0].closed.Load(), "previous capture released before the new one is used")
	assert.Equal(t, 1, h.sched.Active())
}

func TestTogglesReconcileAgainstEngine(t *testing.T) {
	h := newHarness(t)
	h.ctl.ToggleMic() // not joined: no effect
	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	e := h.engine(0)

	h.ctl.ToggleMic()
	s := h.ctl.Snapshot()
	assert.True(t, s.Audio.Confirmed, "confirmed value waits for the engine")
	require.NotNil(t, s.Audio.Pending)
	assert.False(t, *s.Audio.Pending)
	assert.False(t, s.Audio.Value)
	assert.Equal(t, []bool{false}, e.audio)

	h.ctl.SetMic(false) // already requested
	assert.Equal(t, []bool{false}, e.audio)

	e.emit(core.EngineEvent{Type: core.EngineLocalMedia, Kind: core.MediaAudio, Enabled: false})
	s = h.ctl.Snapshot()
	assert.False(t, s.Audio.Confirmed)
	assert.Nil(t, s.Audio.Pending)

	e.refuse = true
	h.ctl.ToggleMic()
	s = h.ctl.Snapshot()
	assert.Nil(t, s.Audio.Pending, "refused toggle rolls back")
	assert.False(t, s.Audio.Value)
}

func TestQualitySamplerDrivesEngine(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	e := h.engine(0)
	e.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p1", Video: true}})

	e.mu.Lock()
	e.stats = core.NetworkStats{PacketLoss: 0.5}
	e.mu.Unlock()

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(quality.DefaultConfig().SamplePeriod)

	require.Eventually(t, func() bool {
		return h.ctl.Snapshot().Quality.Load == quality.LoadCritical
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.video) > 0 && !e.video[len(e.video)-1]
	}, time.Second, 5*time.Millisecond)

	e.mu.Lock()
	last := e.receive[len(e.receive)-1]
	e.mu.Unlock()
	assert.Equal(t, core.LayerLow, last["p1"])
}

func TestSampleInFlightAtLeaveIsDropped(t *testing.T) {
	h := newHarness(t)
	first := &fakeEngine{
		stats:       core.NetworkStats{PacketLoss: 0.5},
		statsGate:   make(chan struct{}),
		statsCalled: make(chan struct{}, 1),
	}
	engines := []*fakeEngine{first, {}}
	h.next = func() *fakeEngine {
		e := engines[0]
		engines = engines[1:]
		return e
	}

	_, err := h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	first.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p1", Video: true}})

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(quality.DefaultConfig().SamplePeriod)
	<-first.statsCalled

	h.ctl.LeaveCall(context.Background())
	close(first.statsGate)

	assert.Never(t, func() bool {
		st := h.ctl.Snapshot().Quality
		return st.Load != quality.LoadNormal || st.Degraded || st.LocalVideoSuppressed
	}, 100*time.Millisecond, 5*time.Millisecond)

	_, err = h.ctl.JoinCall(context.Background(), params)
	require.NoError(t, err)
	second := h.engine(1)
	second.emit(core.EngineEvent{Type: core.EngineParticipantUpdated, Participant: core.RemoteParticipant{ID: "p1", Video: true}})

	second.mu.Lock()
	require.NotEmpty(t, second.receive)
	assert.Equal(t, core.LayerHigh, second.receive[0]["p1"], "new call starts at the top layer")
	second.stats = core.NetworkStats{PacketLoss: 0.5}
	second.mu.Unlock()

	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(quality.DefaultConfig().SamplePeriod)
	require.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return len(second.video) > 0 && !second.video[len(second.video)-1]
	}, time.Second, 5*time.Millisecond, "critical load in the new call disables outgoing video")
}

func TestConcurrentJoinsNeverHoldTwoCaptures(t *testing.T) {
	h := newHarness(t)
	h.devices.openGate = make(chan struct{})
	h.devices.openStarted = make(chan struct{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.ctl.JoinCall(context.Background(), params)
		firstErr <- err
	}()
	<-h.devices.openStarted

	other := params
	other.RoomID = "r2"
	secondErr := make(chan error, 1)
	go func() {
		_, err := h.ctl.JoinCall(context.Background(), other)
		secondErr <- err
	}()

	select {
	case <-secondErr:
		t.Fatal("second join finished while the first still held the devices")
	case <-time.After(50 * time.Millisecond):
	}
	close(h.devices.openGate)

	assert.ErrorIs(t, <-firstErr, errAborted)
	require.NoError(t, <-secondErr)

	s := h.ctl.Snapshot()
	assert.Equal(t, StateJoined, s.State)
	assert.Equal(t, domain.RoomID("r2"), s.Room)
	assert.EqualValues(t, 1, h.devices.maxLive.Load())
	assert.EqualValues(t, 1, h.devices.live.Load())
	h.devices.mu.Lock()
	require.Len(t, h.devices.captures, 2)
	assert.EqualValues(t, 1, h.devices.captures[0].closed.Load())
	h.devices.mu.Unlock()
}
