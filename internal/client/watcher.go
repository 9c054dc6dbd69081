package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/call"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/scheduler"
)

// Emitter is the command side of Conn.
type Emitter interface {
	Call(ctx context.Context, typ string, payload any, idempotencyKey string, out any) error
	AckEvent(id string) error
}

// Calls is the part of the call controller the watcher drives.
type Calls interface {
	JoinCall(ctx context.Context, p call.JoinParams) (call.Snapshot, error)
	LeaveCall(ctx context.Context)
}

type WatcherConfig struct {
	Session         domain.SessionID
	User            domain.UserID
	DisplayName     string
	CountdownPeriod time.Duration
	// RedirectGrace bounds call teardown after the current room closes.
	RedirectGrace time.Duration
}

// Listener callbacks are optional and run outside the watcher lock.
type Listener struct {
	OnTick       func(room domain.RoomID, remaining time.Duration)
	OnWarning    func(room domain.RoomID, minutesRemaining int)
	OnRedirect   func(room domain.RoomID, reason string)
	OnAssignment func(a domain.RoomAssignment)
}

type roomList struct {
	SessionID domain.SessionID `json:"sessionId"`
	Rooms     []core.RoomInfo  `json:"rooms"`
}

// RoomWatcher keeps a deduplicated view of the session's rooms, runs the
// countdown for the room the attendee is in and redirects out of it when
// the room closes.
type RoomWatcher struct {
	conn     Emitter
	calls    Calls
	sched    *scheduler.Scheduler
	cfg      WatcherConfig
	listener Listener
	seen     *bus.Deduper

	mu         sync.Mutex
	rooms      map[domain.RoomID]core.RoomInfo
	current    domain.RoomID
	endsAt     *time.Time
	stopTick   func()
	assignment *domain.RoomAssignment
}

func NewRoomWatcher(conn Emitter, calls Calls, sched *scheduler.Scheduler, cfg WatcherConfig, l Listener) *RoomWatcher {
	if cfg.CountdownPeriod <= 0 {
		cfg.CountdownPeriod = time.Second
	}
	if cfg.RedirectGrace <= 0 {
		cfg.RedirectGrace = 3 * time.Second
	}
	return &RoomWatcher{
		conn:     conn,
		calls:    calls,
		sched:    sched,
		cfg:      cfg,
		listener: l,
		seen:     bus.NewDeduper(4096),
		rooms:    make(map[domain.RoomID]core.RoomInfo),
	}
}

// Watch feeds session events from events into the watcher until the
// returned func is called.
func (w *RoomWatcher) Watch(events *bus.Bus) (stop func()) {
	return events.Subscribe("client.watcher", bus.ForSession(w.cfg.Session), w.Handle)
}

// Sync subscribes to the session and replaces the local room view with
// the server's. Call it after every (re)connect.
func (w *RoomWatcher) Sync(ctx context.Context) error {
	var list roomList
	if err := w.conn.Call(ctx, core.CmdSubscribe, map[string]any{"sessionId": w.cfg.Session}, "", &list); err != nil {
		return err
	}
	var assignment *domain.RoomAssignment
	var a domain.RoomAssignment
	if err := w.conn.Call(ctx, core.CmdAssignmentGet, map[string]any{"sessionId": w.cfg.Session}, "", &a); err == nil {
		assignment = &a
	}

	w.mu.Lock()
	w.rooms = make(map[domain.RoomID]core.RoomInfo, len(list.Rooms))
	for _, r := range list.Rooms {
		w.rooms[r.ID] = r
	}
	w.assignment = assignment
	current := w.current
	info, ok := w.rooms[current]
	if ok && info.EndsAt != nil {
		w.endsAt = info.EndsAt
	}
	w.mu.Unlock()

	log.Info().Str("module", "client.watcher").Str("session", string(w.cfg.Session)).Int("rooms", len(list.Rooms)).Msg("resynced")
	if current != "" && (!ok || info.Status == domain.RoomClosed) {
		w.redirect(current, "closed while disconnected")
	} else if ok {
		w.ensureCountdown()
	}
	return nil
}

// Handle applies one pushed event. Critical events are acked every time
// they arrive; state changes apply once per event id.
func (w *RoomWatcher) Handle(e bus.Event) {
	if e.Type.Critical() {
		if err := w.conn.AckEvent(e.ID); err != nil {
			log.Warn().Err(err).Str("module", "client.watcher").Str("event", e.ID).Msg("ack event")
		}
	}
	if w.seen.Seen(e.ID) {
		return
	}

	switch e.Type {
	case bus.RoomCreated, bus.RoomStarted, bus.RoomClosing:
		p, err := bus.DecodePayload[bus.RoomPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		w.mu.Lock()
		info := w.rooms[p.Room.ID]
		info.Room = p.Room
		info.JoinedCount = p.JoinedCount
		info.EndsAt = p.EndsAt
		w.rooms[p.Room.ID] = info
		if w.current == p.Room.ID && p.EndsAt != nil {
			w.endsAt = p.EndsAt
		}
		w.mu.Unlock()
		w.ensureCountdown()

	case bus.ParticipantJoined, bus.ParticipantLeft:
		p, err := bus.DecodePayload[bus.ParticipantPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		w.mu.Lock()
		if info, ok := w.rooms[e.RoomID]; ok && p.Version > info.RosterVersion {
			info.JoinedCount = p.JoinedCount
			info.RosterVersion = p.Version
			w.rooms[e.RoomID] = info
		}
		w.mu.Unlock()

	case bus.TimerWarning:
		p, err := bus.DecodePayload[bus.TimerWarningPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		w.mu.Lock()
		mine := w.current == e.RoomID
		if mine {
			endsAt := p.EndsAt
			w.endsAt = &endsAt
		}
		w.mu.Unlock()
		if mine && w.listener.OnWarning != nil {
			w.listener.OnWarning(e.RoomID, p.MinutesRemaining)
		}

	case bus.RoomClosed:
		p, err := bus.DecodePayload[bus.ClosedPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		w.mu.Lock()
		info := w.rooms[p.Room.ID]
		info.Room = p.Room
		info.EndsAt = nil
		w.rooms[p.Room.ID] = info
		w.mu.Unlock()
		w.redirect(p.Room.ID, p.Reason)

	case bus.RoomRemoved:
		w.mu.Lock()
		delete(w.rooms, e.RoomID)
		w.mu.Unlock()

	case bus.SessionRecalled:
		p, err := bus.DecodePayload[bus.RecallPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		w.mu.Lock()
		for _, id := range p.ClosedRooms {
			if info, ok := w.rooms[id]; ok {
				info.Status = domain.RoomClosed
				info.EndsAt = nil
				w.rooms[id] = info
			}
		}
		w.assignment = nil
		current := w.current
		w.mu.Unlock()
		for _, id := range p.ClosedRooms {
			if id == current {
				w.redirect(id, "recalled")
			}
		}

	case bus.AssignmentNotified, bus.AssignmentUpdated:
		p, err := bus.DecodePayload[bus.AssignmentPayload](e)
		if err != nil {
			w.badPayload(e, err)
			return
		}
		if p.Assignment.UserID != w.cfg.User {
			return
		}
		w.mu.Lock()
		a := p.Assignment
		w.assignment = &a
		w.mu.Unlock()
		if w.listener.OnAssignment != nil {
			w.listener.OnAssignment(a)
		}
	}
}

func (w *RoomWatcher) badPayload(e bus.Event, err error) {
	log.Warn().Err(err).Str("module", "client.watcher").Str("event", string(e.Type)).Str("id", e.ID).Msg("bad payload")
}

// Enter joins roomID on the server, then starts the call. Any previous
// room is left first so at most one call runs at a time.
func (w *RoomWatcher) Enter(ctx context.Context, roomID domain.RoomID) error {
	var info core.RoomInfo
	if err := w.conn.Call(ctx, core.CmdRoomJoin, map[string]any{"roomId": roomID}, "", &info); err != nil {
		return err
	}

	w.mu.Lock()
	previous := w.current
	w.mu.Unlock()
	if previous != "" && previous != roomID {
		w.clearCurrent()
		w.leaveRoom(ctx, previous)
	}

	if _, err := w.calls.JoinCall(ctx, call.JoinParams{
		RoomID:      roomID,
		URL:         info.Media.URL,
		Token:       info.Media.Token,
		DisplayName: w.cfg.DisplayName,
	}); err != nil {
		w.leaveRoom(ctx, roomID)
		w.clearCurrent()
		return fmt.Errorf("enter room %s: %w", roomID, err)
	}

	w.mu.Lock()
	w.rooms[roomID] = info
	w.current = roomID
	w.endsAt = info.EndsAt
	w.mu.Unlock()
	w.ensureCountdown()
	log.Info().Str("module", "client.watcher").Str("room", string(roomID)).Msg("entered room")
	return nil
}

// Exit leaves the current room and its call.
func (w *RoomWatcher) Exit(ctx context.Context) {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()
	w.clearCurrent()
	w.calls.LeaveCall(ctx)
	if current != "" {
		w.leaveRoom(ctx, current)
	}
}

func (w *RoomWatcher) leaveRoom(ctx context.Context, id domain.RoomID) {
	if err := w.conn.Call(ctx, core.CmdRoomLeave, map[string]any{"roomId": id}, "", nil); err != nil {
		log.Warn().Err(err).Str("module", "client.watcher").Str("room", string(id)).Msg("leave room")
	}
}

// Close stops the countdown. The call itself is left to its owner.
func (w *RoomWatcher) Close() {
	w.clearCurrent()
}

func (w *RoomWatcher) clearCurrent() {
	w.mu.Lock()
	w.current = ""
	w.endsAt = nil
	stop := w.stopTick
	w.stopTick = nil
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// redirect moves the attendee out of a closed room: the call is torn down
// within the grace period and the listener is told where it went.
func (w *RoomWatcher) redirect(room domain.RoomID, reason string) {
	w.mu.Lock()
	mine := w.current == room
	w.mu.Unlock()
	if !mine {
		return
	}
	w.clearCurrent()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RedirectGrace)
	defer cancel()
	w.calls.LeaveCall(ctx)
	log.Info().Str("module", "client.watcher").Str("room", string(room)).Str("reason", reason).Msg("redirected out of closed room")
	if w.listener.OnRedirect != nil {
		w.listener.OnRedirect(room, reason)
	}
}

// ensureCountdown starts the ticker once the current room has an end time.
func (w *RoomWatcher) ensureCountdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == "" || w.endsAt == nil || w.stopTick != nil {
		return
	}
	room := w.current
	w.stopTick = w.sched.Every("client.countdown", w.cfg.CountdownPeriod, func(now time.Time) {
		w.tick(room, now)
	})
}

// tick recomputes the remaining time from the absolute end time.
func (w *RoomWatcher) tick(room domain.RoomID, now time.Time) {
	w.mu.Lock()
	if w.current != room || w.endsAt == nil {
		w.mu.Unlock()
		return
	}
	remaining := w.endsAt.Sub(now)
	w.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	if w.listener.OnTick != nil {
		w.listener.OnTick(room, remaining)
	}
}

// Remaining is the countdown for the current room at now.
func (w *RoomWatcher) Remaining(now time.Time) (domain.RoomID, time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == "" || w.endsAt == nil {
		return w.current, 0, false
	}
	d := w.endsAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return w.current, d, true
}

func (w *RoomWatcher) Current() domain.RoomID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *RoomWatcher) Assignment() (domain.RoomAssignment, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.assignment == nil {
		return domain.RoomAssignment{}, false
	}
	return *w.assignment, true
}

// Rooms lists known rooms by creation time.
func (w *RoomWatcher) Rooms() []core.RoomInfo {
	w.mu.Lock()
	out := make([]core.RoomInfo, 0, len(w.rooms))
	for _, r := range w.rooms {
		out = append(out, r)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
