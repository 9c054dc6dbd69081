package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/metrics"
	"github.com/dkeye/Breakout/internal/scheduler"
	"github.com/dkeye/Breakout/internal/store"
)

const (
	ReasonManual   = "manual"
	ReasonExpired  = "expired"
	ReasonRecalled = "recalled"
)

type RoomConfig struct {
	CountdownPeriod time.Duration
	WarningMinutes  []int
	ClosingGrace    time.Duration
	RedirectGrace   time.Duration
	Retention       time.Duration
	MediaBaseURL    string
	MediaTokenTTL   time.Duration
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		CountdownPeriod: time.Second,
		WarningMinutes:  []int{5, 1},
		RedirectGrace:   3 * time.Second,
		Retention:       10 * time.Minute,
		MediaTokenTTL:   4 * time.Hour,
	}
}

// MediaTokens mints the opaque token stored in a room's mediaSessionRef.
type MediaTokens interface {
	IssueMediaToken(room domain.RoomID, session domain.SessionID, ttl time.Duration) (string, error)
}

// AssignmentTracker is the part of the assignment engine the coordinator
// drives: room entry and session recall.
type AssignmentTracker interface {
	MarkJoined(ctx context.Context, session domain.SessionID, user domain.UserID, room domain.RoomID) error
	ClearSession(ctx context.Context, session domain.SessionID) int
}

type roomEntry struct {
	room        domain.Room
	roster      core.Roster
	version     uint64
	fired       map[int]bool
	cancelClose func()
}

// RoomManager is the server-authoritative state machine of every room.
type RoomManager struct {
	cfg         RoomConfig
	bus         *bus.Bus
	sched       *scheduler.Scheduler
	idem        store.IdempotencyStore
	tokens      MediaTokens
	assignments AssignmentTracker
	metrics     *metrics.Metrics

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
	order []domain.RoomID
}

type RoomManagerOption func(*RoomManager)

func WithMediaTokens(t MediaTokens) RoomManagerOption {
	return func(m *RoomManager) { m.tokens = t }
}

func WithAssignments(a AssignmentTracker) RoomManagerOption {
	return func(m *RoomManager) { m.assignments = a }
}

func WithMetrics(mt *metrics.Metrics) RoomManagerOption {
	return func(m *RoomManager) { m.metrics = mt }
}

func NewRoomManager(cfg RoomConfig, b *bus.Bus, sched *scheduler.Scheduler, idem store.IdempotencyStore, opts ...RoomManagerOption) *RoomManager {
	if idem == nil {
		idem = store.NewMemoryStore(sched.Clock(), 24*time.Hour)
	}
	m := &RoomManager{
		cfg:   cfg,
		bus:   b,
		sched: sched,
		idem:  idem,
		rooms: make(map[domain.RoomID]*roomEntry),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.WarningMinutes = append([]int(nil), cfg.WarningMinutes...)
	sort.Sort(sort.Reverse(sort.IntSlice(m.cfg.WarningMinutes)))
	return m
}

func (m *RoomManager) now() time.Time { return m.sched.Clock().Now() }

// Run drives the countdown until ctx ends.
func (m *RoomManager) Run(ctx context.Context) {
	cancel := m.sched.Every("rooms.countdown", m.cfg.CountdownPeriod, func(now time.Time) {
		m.tick(ctx, now)
	})
	defer cancel()
	log.Info().Str("module", "app.rooms").Dur("period", m.cfg.CountdownPeriod).Msg("countdown started")
	<-ctx.Done()
}

func (m *RoomManager) Create(ctx context.Context, caller *domain.User, spec domain.RoomSpec) (info core.RoomInfo, err error) {
	defer func() { m.metrics.RoomOp("create", domain.Code(err)) }()

	if !caller.IsOrganizer() {
		return core.RoomInfo{}, fmt.Errorf("create room: %w", domain.ErrUnauthorized)
	}
	if err := spec.Validate(); err != nil {
		return core.RoomInfo{}, err
	}

	id := domain.RoomID(uuid.NewString())
	var idemKey string
	if spec.IdempotencyKey != "" {
		idemKey = fmt.Sprintf("room:%s:%s", spec.SessionID, spec.IdempotencyKey)
		bound, fresh, err := m.idem.Reserve(ctx, idemKey, string(id))
		if err != nil {
			return core.RoomInfo{}, fmt.Errorf("create room: %w", err)
		}
		if !fresh {
			log.Info().Str("module", "app.rooms").Str("room", bound).Str("key", spec.IdempotencyKey).Msg("duplicate create")
			return m.Get(domain.RoomID(bound))
		}
	}

	media := domain.MediaSessionRef{URL: m.mediaURL(id)}
	if m.tokens != nil {
		token, err := m.tokens.IssueMediaToken(id, spec.SessionID, m.cfg.MediaTokenTTL)
		if err != nil {
			if idemKey != "" {
				_ = m.idem.Release(ctx, idemKey)
			}
			return core.RoomInfo{}, fmt.Errorf("create room: media token: %w", err)
		}
		media.Token = token
	}

	e := &roomEntry{
		room: domain.Room{
			ID:              id,
			SessionID:       spec.SessionID,
			Name:            spec.Name,
			Topic:           spec.Topic,
			Status:          domain.RoomWaiting,
			MaxParticipants: spec.MaxParticipants,
			DurationMinutes: spec.DurationMinutes,
			AutoAssign:      spec.AutoAssign,
			CreatedAt:       m.now(),
			FacilitatorID:   spec.FacilitatorID,
			Media:           media,
		},
		roster: core.NewRoster(id),
		fired:  make(map[int]bool),
	}

	m.mu.Lock()
	m.rooms[id] = e
	m.order = append(m.order, id)
	info = m.infoLocked(e, false)
	m.mu.Unlock()

	m.metrics.RoomStatus("", string(domain.RoomWaiting))
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("session", string(spec.SessionID)).Str("name", spec.Name).Msg("room created")
	m.emit(ctx, m.roomEvent(bus.RoomCreated, info.Room, bus.RoomPayload{Room: info.Room}))
	return info, nil
}

func (m *RoomManager) mediaURL(id domain.RoomID) string {
	if m.cfg.MediaBaseURL == "" {
		return ""
	}
	return m.cfg.MediaBaseURL + "/" + string(id)
}

// Start moves a WAITING room to ACTIVE and stamps startedAt.
func (m *RoomManager) Start(ctx context.Context, caller *domain.User, id domain.RoomID) (info core.RoomInfo, err error) {
	defer func() { m.metrics.RoomOp("start", domain.Code(err)) }()

	if !caller.IsOrganizer() {
		return core.RoomInfo{}, fmt.Errorf("start room %s: %w", id, domain.ErrUnauthorized)
	}
	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return core.RoomInfo{}, fmt.Errorf("start room %s: %w", id, domain.ErrNotFound)
	}
	if !e.room.Status.CanTransition(domain.RoomActive) {
		status := e.room.Status
		m.mu.Unlock()
		return core.RoomInfo{}, fmt.Errorf("start room %s in status %s: %w", id, status, domain.ErrInvalidTransition)
	}
	now := m.now()
	e.room.Status = domain.RoomActive
	e.room.StartedAt = &now
	info = m.infoLocked(e, false)
	m.mu.Unlock()

	m.metrics.RoomStatus(string(domain.RoomWaiting), string(domain.RoomActive))
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Time("ends_at", *info.EndsAt).Msg("room started")
	m.emit(ctx, m.roomEvent(bus.RoomStarted, info.Room, bus.RoomPayload{Room: info.Room, JoinedCount: info.JoinedCount, EndsAt: info.EndsAt}))
	return info, nil
}

// Join adds caller to the room. Re-joining updates the membership.
func (m *RoomManager) Join(ctx context.Context, caller *domain.User, id domain.RoomID) (info core.RoomInfo, err error) {
	defer func() { m.metrics.RoomOp("join", domain.Code(err)) }()

	if caller == nil {
		return core.RoomInfo{}, fmt.Errorf("join room %s: %w", id, domain.ErrUnauthorized)
	}
	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return core.RoomInfo{}, fmt.Errorf("join room %s: %w", id, domain.ErrNotFound)
	}
	if e.room.Status == domain.RoomClosed || e.room.Status == domain.RoomClosing {
		m.mu.Unlock()
		return core.RoomInfo{}, fmt.Errorf("join room %s: %w", id, domain.ErrRoomClosed)
	}
	role := domain.RoleParticipant
	if e.room.FacilitatorID != "" && e.room.FacilitatorID == caller.ID {
		role = domain.RoleFacilitator
	}
	p, err := e.roster.Join(caller.ID, role, m.now(), e.room.MaxParticipants)
	if err != nil {
		m.mu.Unlock()
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("user", string(caller.ID)).Msg("join rejected: room full")
		return core.RoomInfo{}, fmt.Errorf("join room %s: %w", id, err)
	}
	e.version++
	info = m.infoLocked(e, true)
	m.mu.Unlock()

	if m.assignments != nil {
		if err := m.assignments.MarkJoined(ctx, info.SessionID, caller.ID, id); err != nil {
			log.Debug().Err(err).Str("module", "app.rooms").Str("user", string(caller.ID)).Msg("assignment not advanced")
		}
	}

	ev := m.roomEvent(bus.ParticipantJoined, info.Room, bus.ParticipantPayload{Participant: p, JoinedCount: info.JoinedCount, Version: info.RosterVersion})
	ev.UserID = caller.ID
	m.emit(ctx, ev)
	return info, nil
}

// Leave never fails, even for unknown rooms or non-members.
func (m *RoomManager) Leave(ctx context.Context, userID domain.UserID, id domain.RoomID) {
	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, left := e.roster.Leave(userID, m.now())
	if !left {
		m.mu.Unlock()
		return
	}
	e.version++
	room, count, version := e.room, e.roster.ActiveCount(), e.version
	m.mu.Unlock()

	ev := m.roomEvent(bus.ParticipantLeft, room, bus.ParticipantPayload{Participant: p, JoinedCount: count, Version: version})
	ev.UserID = userID
	m.emit(ctx, ev)
}

// Close is allowed for organizers and the room's facilitator. With a
// closing grace the room passes through CLOSING first.
func (m *RoomManager) Close(ctx context.Context, caller *domain.User, id domain.RoomID) (err error) {
	defer func() { m.metrics.RoomOp("close", domain.Code(err)) }()

	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close room %s: %w", id, domain.ErrNotFound)
	}
	if !caller.IsOrganizer() && (caller == nil || e.room.FacilitatorID == "" || e.room.FacilitatorID != caller.ID) {
		m.mu.Unlock()
		return fmt.Errorf("close room %s: %w", id, domain.ErrUnauthorized)
	}
	if e.room.Status == domain.RoomClosed {
		m.mu.Unlock()
		return fmt.Errorf("close room %s: %w", id, domain.ErrInvalidTransition)
	}
	if m.cfg.ClosingGrace > 0 && e.room.Status != domain.RoomClosing {
		from := e.room.Status
		e.room.Status = domain.RoomClosing
		room := e.room
		e.cancelClose = m.sched.After("rooms.closing."+string(id), m.cfg.ClosingGrace, func() {
			m.finalize(context.Background(), id, ReasonManual)
		})
		m.mu.Unlock()

		m.metrics.RoomStatus(string(from), string(domain.RoomClosing))
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Dur("grace", m.cfg.ClosingGrace).Msg("room closing")
		m.emit(ctx, m.roomEvent(bus.RoomClosing, room, bus.RoomPayload{Room: room, JoinedCount: e.roster.ActiveCount()}))
		return nil
	}
	m.mu.Unlock()

	m.finalize(ctx, id, ReasonManual)
	return nil
}

// RecallAll force-closes every room of the session and clears its
// assignments and memberships.
func (m *RoomManager) RecallAll(ctx context.Context, caller *domain.User, session domain.SessionID) (closed []domain.RoomID, err error) {
	defer func() { m.metrics.RoomOp("recall", domain.Code(err)) }()

	if !caller.IsOrganizer() {
		return nil, fmt.Errorf("recall session %s: %w", session, domain.ErrUnauthorized)
	}
	m.mu.RLock()
	for _, id := range m.order {
		e := m.rooms[id]
		if e == nil || e.room.SessionID != session || e.room.Status == domain.RoomClosed {
			continue
		}
		closed = append(closed, id)
	}
	m.mu.RUnlock()

	for _, id := range closed {
		m.finalize(ctx, id, ReasonRecalled)
	}
	cleared := 0
	if m.assignments != nil {
		cleared = m.assignments.ClearSession(ctx, session)
	}
	log.Info().Str("module", "app.rooms").Str("session", string(session)).Int("rooms", len(closed)).Int("assignments", cleared).Msg("session recalled")

	m.emit(ctx, bus.NewEvent(bus.SessionRecalled, session, m.now(), bus.RecallPayload{
		ClosedRooms:    closed,
		RedirectWithin: m.cfg.RedirectGrace,
	}))
	return closed, nil
}

// finalize moves the room to CLOSED, removes every member and schedules
// the retention cleanup. Calling it on a CLOSED room is a no-op.
func (m *RoomManager) finalize(ctx context.Context, id domain.RoomID, reason string) {
	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok || e.room.Status == domain.RoomClosed {
		m.mu.Unlock()
		return
	}
	from := e.room.Status
	now := m.now()
	e.room.Status = domain.RoomClosed
	e.room.ClosedAt = &now
	if e.cancelClose != nil {
		e.cancelClose()
		e.cancelClose = nil
	}
	left := e.roster.LeaveAll(now)
	if len(left) > 0 {
		e.version++
	}
	if m.cfg.Retention > 0 {
		m.sched.After("rooms.gc."+string(id), m.cfg.Retention, func() {
			m.remove(id)
		})
	}
	room := e.room
	m.mu.Unlock()

	m.metrics.RoomStatus(string(from), string(domain.RoomClosed))
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("reason", reason).Int("evicted", len(left)).Msg("room closed")
	m.emit(ctx, m.roomEvent(bus.RoomClosed, room, bus.ClosedPayload{
		Room:           room,
		Reason:         reason,
		RedirectWithin: m.cfg.RedirectGrace,
	}))
}

func (m *RoomManager) remove(id domain.RoomID) {
	m.mu.Lock()
	e, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, id)
	for i, rid := range m.order {
		if rid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	room := e.room
	m.mu.Unlock()

	m.metrics.RoomStatus(string(domain.RoomClosed), "")
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room removed")
	m.emit(context.Background(), m.roomEvent(bus.RoomRemoved, room, bus.RoomPayload{Room: room}))
}

type warning struct {
	room    domain.Room
	minutes int
	endsAt  time.Time
}

// tick recomputes every ACTIVE room's remaining time from its absolute
// end. A warning checkpoint fires at most once; when several are crossed
// in one tick only the nearest one is announced.
func (m *RoomManager) tick(ctx context.Context, now time.Time) {
	var (
		expired  []domain.RoomID
		warnings []warning
	)
	m.mu.Lock()
	for _, id := range m.order {
		e := m.rooms[id]
		if e == nil || e.room.Status != domain.RoomActive {
			continue
		}
		remaining := e.room.Remaining(now)
		if remaining <= 0 {
			expired = append(expired, id)
			continue
		}
		due := -1
		for _, mins := range m.cfg.WarningMinutes {
			if e.fired[mins] || e.room.DurationMinutes <= mins {
				continue
			}
			if remaining <= time.Duration(mins)*time.Minute {
				e.fired[mins] = true
				due = mins
			}
		}
		if due >= 0 {
			warnings = append(warnings, warning{room: e.room, minutes: due, endsAt: e.room.EndsAt()})
		}
	}
	m.mu.Unlock()

	for _, w := range warnings {
		log.Info().Str("module", "app.rooms").Str("room", string(w.room.ID)).Int("minutes", w.minutes).Msg("timer warning")
		m.emit(ctx, m.roomEvent(bus.TimerWarning, w.room, bus.TimerWarningPayload{MinutesRemaining: w.minutes, EndsAt: w.endsAt}))
	}
	for _, id := range expired {
		m.finalize(ctx, id, ReasonExpired)
	}
}

func (m *RoomManager) Get(id domain.RoomID) (core.RoomInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rooms[id]
	if !ok {
		return core.RoomInfo{}, fmt.Errorf("room %s: %w", id, domain.ErrNotFound)
	}
	return m.infoLocked(e, true), nil
}

// List returns the session's rooms in creation order.
func (m *RoomManager) List(session domain.SessionID) []core.RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RoomInfo, 0)
	for _, id := range m.order {
		e := m.rooms[id]
		if e == nil || e.room.SessionID != session {
			continue
		}
		out = append(out, m.infoLocked(e, false))
	}
	return out
}

func (m *RoomManager) infoLocked(e *roomEntry, withParticipants bool) core.RoomInfo {
	info := core.RoomInfo{Room: e.room, JoinedCount: e.roster.ActiveCount(), RosterVersion: e.version}
	if e.room.StartedAt != nil {
		end := e.room.EndsAt()
		info.EndsAt = &end
	}
	if withParticipants {
		for _, p := range e.roster.Snapshot() {
			if p.Active() {
				info.Participants = append(info.Participants, p)
			}
		}
	}
	return info
}

func (m *RoomManager) roomEvent(t bus.Type, room domain.Room, payload any) bus.Event {
	ev := bus.NewEvent(t, room.SessionID, m.now(), payload)
	ev.RoomID = room.ID
	return ev
}

func (m *RoomManager) emit(ctx context.Context, e bus.Event) {
	if err := m.bus.Publish(ctx, e); err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("event", string(e.Type)).Str("key", e.Key()).Msg("publish failed")
	}
}

// Capacities lists the session's rooms in creation order.
func (m *RoomManager) Capacities(_ context.Context, session domain.SessionID) ([]core.RoomCapacity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.RoomCapacity
	for _, id := range m.order {
		e := m.rooms[id]
		if e == nil || e.room.SessionID != session {
			continue
		}
		out = append(out, core.RoomCapacity{
			ID:         id,
			SessionID:  session,
			Max:        e.room.MaxParticipants,
			Joined:     e.roster.ActiveCount(),
			AutoAssign: e.room.AutoAssign,
			Open:       e.room.Status == domain.RoomWaiting || e.room.Status == domain.RoomActive,
		})
	}
	return out, nil
}
