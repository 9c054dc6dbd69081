package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Breakout/internal/app"
	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/scheduler"
	"github.com/dkeye/Breakout/internal/segment"
)

var (
	organizer = &domain.User{ID: "org", Username: "org", Role: domain.RoleOrganizer}
	alice     = &domain.User{ID: "alice", Role: domain.RoleAttendee}
	bob       = &domain.User{ID: "bob", Role: domain.RoleAttendee}
)

type fakeSignal struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return core.ErrBackpressure
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) events(tp bus.Type) []bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.Event
	for _, raw := range f.frames {
		var fr core.EventFrame
		if err := json.Unmarshal(raw, &fr); err != nil || fr.Type != core.FrameEvent {
			continue
		}
		if fr.Event.Type == tp {
			out = append(out, fr.Event)
		}
	}
	return out
}

func (f *fakeSignal) waitFor(t *testing.T, tp bus.Type, n int) []bus.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.events(tp)) >= n }, time.Second, 5*time.Millisecond, "waiting for %d %s", n, tp)
	return f.events(tp)
}

type harness struct {
	o     *Orchestrator
	bus   *bus.Bus
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))
	sched := scheduler.New(clock)
	b := bus.New(64)
	rooms := app.NewRoomManager(app.DefaultRoomConfig(), b, sched, nil)
	dir := core.NewMemoryDirectory()
	o := New(cfg, &Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     rooms,
		Segments:  segment.NewEngine(clock, b, rooms, dir),
		Directory: dir,
		Policy:    app.SimplePolicy{},
		Bus:       b,
		Sched:     sched,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
		b.Close()
	})
	return &harness{o: o, bus: b, clock: clock}
}

// connect binds user on cid and subscribes it to session s1.
func (h *harness) connect(t *testing.T, cid core.ConnID, user *domain.User) (*fakeSignal, context.Context) {
	t.Helper()
	sig := &fakeSignal{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.o.Registry.Bind(cid, core.NewConnSession(user).UpdateSignal(sig), cancel)
	_, err := h.do(cid, user, core.CmdSubscribe, "", map[string]any{"sessionId": "s1"})
	require.NoError(t, err)
	return sig, ctx
}

func (h *harness) do(cid core.ConnID, user *domain.User, cmd, key string, payload any) (any, error) {
	raw, _ := json.Marshal(payload)
	return h.o.Dispatch(context.Background(), cid, user, core.Request{Type: cmd, ID: "r", IdempotencyKey: key, Payload: raw})
}

func (h *harness) createRoom(t *testing.T, key string) core.RoomInfo {
	t.Helper()
	out, err := h.do("c-org", organizer, core.CmdRoomCreate, key, map[string]any{
		"name": "Design", "maxParticipants": 2, "durationMinutes": 10,
	})
	require.NoError(t, err)
	return out.(core.RoomInfo)
}

func TestDispatchRoutesRoomCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(t, "c-org", organizer)
	aliceSig, _ := h.connect(t, "c-a", alice)

	room := h.createRoom(t, "k1")
	assert.Equal(t, domain.RoomWaiting, room.Status)
	assert.EqualValues(t, "s1", room.SessionID)
	again := h.createRoom(t, "k1")
	assert.Equal(t, room.ID, again.ID, "idempotency key from the envelope")

	_, err := h.do("c-a", alice, core.CmdRoomCreate, "", map[string]any{"name": "x", "maxParticipants": 1, "durationMinutes": 1})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.do("c-org", organizer, core.CmdRoomStart, "", map[string]any{"roomId": room.ID})
	require.NoError(t, err)
	out, err := h.do("c-a", alice, core.CmdRoomJoin, "", map[string]any{"roomId": room.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(core.RoomInfo).JoinedCount)

	out, err = h.do("c-a", alice, core.CmdRoomList, "", nil)
	require.NoError(t, err)
	assert.Len(t, out.(roomList).Rooms, 1)

	aliceSig.waitFor(t, bus.RoomCreated, 1)
	aliceSig.waitFor(t, bus.RoomStarted, 1)
	aliceSig.waitFor(t, bus.ParticipantJoined, 1)

	_, err = h.do("c-a", alice, core.CmdRoomLeave, "", map[string]any{"roomId": room.ID})
	require.NoError(t, err)
	aliceSig.waitFor(t, bus.ParticipantLeft, 1)
}

func TestDispatchRejectsBadCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.o.Registry.Bind("c-a", core.NewConnSession(alice).UpdateSignal(&fakeSignal{}), nil)

	_, err := h.do("c-a", alice, "room.explode", "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.do("c-a", alice, core.CmdRoomList, "", nil)
	assert.ErrorIs(t, err, domain.ErrValidation, "no session given and none subscribed")

	_, err = h.do("c-a", nil, core.CmdPing, "", nil)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.o.Dispatch(context.Background(), "c-a", alice, core.Request{Type: core.CmdRoomGet, Payload: json.RawMessage(`[`)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.do("c-a", alice, core.CmdRoomGet, "", map[string]any{"roomId": "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.do("ghost", alice, core.CmdSubscribe, "", map[string]any{"sessionId": "s1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSegmentCommandsRunTheAssignmentFlow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	orgSig, _ := h.connect(t, "c-org", organizer)
	aliceSig, _ := h.connect(t, "c-a", alice)
	bobSig, _ := h.connect(t, "c-b", bob)
	h.o.Directory.Upsert("s1",
		domain.Attendee{UserID: "alice", Attributes: map[string]any{"country": "US"}},
		domain.Attendee{UserID: "bob", Attributes: map[string]any{"country": "MX"}},
	)

	room := h.createRoom(t, "")
	out, err := h.do("c-org", organizer, core.CmdSegmentCreate, "seg-1", map[string]any{
		"name":          "Americas",
		"matchCriteria": map[string]any{"field": "country", "operator": "in", "value": []string{"US", "CA"}},
	})
	require.NoError(t, err)
	seg := out.(domain.Segment)

	_, err = h.do("c-org", organizer, core.CmdSegmentLink, "", map[string]any{"segmentId": seg.ID, "roomId": room.ID})
	require.NoError(t, err)

	out, err = h.do("c-org", organizer, core.CmdAssignCompute, "", nil)
	require.NoError(t, err)
	res := out.(segment.Result)
	require.Len(t, res.Assigned, 1)
	assert.EqualValues(t, "alice", res.Assigned[0].UserID)

	out, err = h.do("c-org", organizer, core.CmdAssignNotify, "", nil)
	require.NoError(t, err)
	raw, _ := json.Marshal(out)
	assert.JSONEq(t, `{"notified":1}`, string(raw))

	aliceSig.waitFor(t, bus.AssignmentNotified, 1)

	out, err = h.do("c-a", alice, core.CmdAssignRespond, "", map[string]any{"accept": true})
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentConfirmed, out.(domain.RoomAssignment).Status)

	out, err = h.do("c-a", alice, core.CmdAssignmentGet, "", nil)
	require.NoError(t, err)
	assert.Equal(t, room.ID, out.(domain.RoomAssignment).RoomID)

	_, err = h.do("c-b", bob, core.CmdAssignmentGet, "", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// the organizer sees every update; once the last one reached it, bob
	// has been passed over for all of them
	orgSig.waitFor(t, bus.AssignmentUpdated, 1)
	assert.Len(t, bobSig.events(bus.AssignmentsComputed), 1)
	assert.Empty(t, bobSig.events(bus.AssignmentNotified), "assignment updates go only to their attendee")
	assert.Empty(t, bobSig.events(bus.AssignmentUpdated))
}

func TestCriticalEventsAreRetransmittedUntilAcked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(t, "c-org", organizer)
	sig, _ := h.connect(t, "c-a", alice)

	room := h.createRoom(t, "")
	_, err := h.do("c-org", organizer, core.CmdRoomClose, "", map[string]any{"roomId": room.ID})
	require.NoError(t, err)

	closed := sig.waitFor(t, bus.RoomClosed, 1)
	assert.Equal(t, 1, h.o.Pending("c-a"))

	h.o.retransmit()
	assert.Len(t, sig.events(bus.RoomClosed), 2)

	h.o.AckEvent("c-a", closed[0].ID)
	assert.Zero(t, h.o.Pending("c-a"))
	h.o.retransmit()
	assert.Len(t, sig.events(bus.RoomClosed), 2)
}

func TestCriticalEventsAreRetransmittedABoundedNumberOfTimes(t *testing.T) {
	h := newHarness(t, Config{RetransmitPeriod: time.Second, MaxRetransmits: 2})
	h.connect(t, "c-org", organizer)
	sig, _ := h.connect(t, "c-a", alice)

	room := h.createRoom(t, "")
	_, err := h.do("c-org", organizer, core.CmdRoomClose, "", map[string]any{"roomId": room.ID})
	require.NoError(t, err)
	sig.waitFor(t, bus.RoomClosed, 1)

	for i := 0; i < 4; i++ {
		h.o.retransmit()
	}
	assert.Len(t, sig.events(bus.RoomClosed), 3)
	assert.Zero(t, h.o.Pending("c-a"))
}

func TestBackpressurePolicy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	bobSig, bobCtx := h.connect(t, "c-b", bob)
	bobSig.mu.Lock()
	bobSig.full = true
	bobSig.mu.Unlock()
	bobSess, ok := h.o.Registry.Get("c-b")
	require.True(t, ok)
	listener := app.ConnSnap{CID: "c-b", Session: bobSess}

	warn := bus.NewEvent(bus.TimerWarning, "s1", h.clock.Now(), bus.TimerWarningPayload{MinutesRemaining: 1})
	h.o.send(listener, warn, core.Frame(`{}`))
	assert.NoError(t, bobCtx.Err(), "timer warnings are dropped")

	closed := bus.NewEvent(bus.RoomClosed, "s1", h.clock.Now(), nil)
	h.o.send(listener, closed, core.Frame(`{}`))
	assert.Error(t, bobCtx.Err(), "anything else kicks the connection")
}
