package segment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/metrics"
	"github.com/dkeye/Breakout/internal/store"
)

const (
	ReasonSegmentFull = "segment_rooms_full"
	ReasonNoAutoRoom  = "no_auto_assign_room"
)

// Spec is the organizer's create-segment request.
type Spec struct {
	SessionID      domain.SessionID  `json:"sessionId"`
	Name           string            `json:"name"`
	Criteria       *domain.Criteria  `json:"matchCriteria,omitempty"`
	Priority       int               `json:"priority"`
	Color          string            `json:"color,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// Result is the outcome of one ComputeAssignments run.
type Result struct {
	Assigned   []domain.RoomAssignment `json:"assigned"`
	Unassigned []bus.Unassigned        `json:"unassigned"`
}

// Engine owns segments, assignment rules and room assignments.
type Engine struct {
	clock     clockwork.Clock
	bus       *bus.Bus
	rooms     core.RoomCatalog
	directory core.AttendeeDirectory
	idem      store.IdempotencyStore
	metrics   *metrics.Metrics

	mu          sync.Mutex
	segments    map[domain.SegmentID]*domain.Segment
	order       []domain.SegmentID
	rules       map[domain.SegmentID][]domain.AssignmentRule
	assignments map[domain.SessionID]map[domain.UserID]*domain.RoomAssignment
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithIdempotency(s store.IdempotencyStore) Option {
	return func(e *Engine) { e.idem = s }
}

func NewEngine(clock clockwork.Clock, b *bus.Bus, rooms core.RoomCatalog, directory core.AttendeeDirectory, opts ...Option) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Engine{
		clock:       clock,
		bus:         b,
		rooms:       rooms,
		directory:   directory,
		segments:    make(map[domain.SegmentID]*domain.Segment),
		rules:       make(map[domain.SegmentID][]domain.AssignmentRule),
		assignments: make(map[domain.SessionID]map[domain.UserID]*domain.RoomAssignment),
	}
	for _, o := range opts {
		o(e)
	}
	if e.idem == nil {
		e.idem = store.NewMemoryStore(clock, 24*time.Hour)
	}
	return e
}

// SetRooms late-binds the room catalog; the coordinator and the engine
// reference each other.
func (e *Engine) SetRooms(rooms core.RoomCatalog) {
	e.mu.Lock()
	e.rooms = rooms
	e.mu.Unlock()
}

func (e *Engine) CreateSegment(ctx context.Context, caller *domain.User, spec Spec) (domain.Segment, error) {
	if !caller.IsOrganizer() {
		return domain.Segment{}, fmt.Errorf("create segment: %w", domain.ErrUnauthorized)
	}
	if spec.SessionID == "" || spec.Name == "" {
		return domain.Segment{}, fmt.Errorf("%w: segment needs session and name", domain.ErrValidation)
	}
	if err := ValidateCriteria(spec.Criteria); err != nil {
		return domain.Segment{}, err
	}

	id := domain.SegmentID(uuid.NewString())
	if spec.IdempotencyKey != "" {
		bound, fresh, err := e.idem.Reserve(ctx, fmt.Sprintf("segment:%s:%s", spec.SessionID, spec.IdempotencyKey), string(id))
		if err != nil {
			return domain.Segment{}, fmt.Errorf("create segment: %w", err)
		}
		if !fresh {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.segments[domain.SegmentID(bound)]; ok {
				return *s, nil
			}
			return domain.Segment{}, fmt.Errorf("segment %s: %w", bound, domain.ErrNotFound)
		}
	}

	seg := &domain.Segment{
		ID:        id,
		SessionID: spec.SessionID,
		Name:      spec.Name,
		Criteria:  spec.Criteria,
		Priority:  spec.Priority,
		Color:     spec.Color,
		Metadata:  spec.Metadata,
		CreatedAt: e.clock.Now(),
	}
	e.mu.Lock()
	e.segments[id] = seg
	e.order = append(e.order, id)
	out := *seg
	e.mu.Unlock()

	log.Info().Str("module", "segment").Str("segment", string(id)).Str("session", string(spec.SessionID)).Int("priority", spec.Priority).Msg("segment created")
	ev := bus.NewEvent(bus.SegmentCreated, spec.SessionID, out.CreatedAt, bus.SegmentPayload{Segment: out})
	ev.SegmentID = id
	e.emit(ctx, ev)
	return out, nil
}

// LinkRoom adds an assignment rule. Linking the same pair twice updates
// the cap and keeps the rule's original position.
func (e *Engine) LinkRoom(ctx context.Context, caller *domain.User, segID domain.SegmentID, roomID domain.RoomID, maxFromSegment int) (domain.AssignmentRule, error) {
	if !caller.IsOrganizer() {
		return domain.AssignmentRule{}, fmt.Errorf("link room: %w", domain.ErrUnauthorized)
	}
	if maxFromSegment < 0 {
		return domain.AssignmentRule{}, fmt.Errorf("%w: maxFromSegment must not be negative", domain.ErrValidation)
	}
	e.mu.Lock()
	seg, ok := e.segments[segID]
	rooms := e.rooms
	e.mu.Unlock()
	if !ok {
		return domain.AssignmentRule{}, fmt.Errorf("segment %s: %w", segID, domain.ErrNotFound)
	}
	caps, err := rooms.Capacities(ctx, seg.SessionID)
	if err != nil {
		return domain.AssignmentRule{}, fmt.Errorf("link room: %w", err)
	}
	found := false
	for _, c := range caps {
		if c.ID == roomID {
			found = true
			break
		}
	}
	if !found {
		return domain.AssignmentRule{}, fmt.Errorf("room %s in session %s: %w", roomID, seg.SessionID, domain.ErrNotFound)
	}

	rule := domain.AssignmentRule{SegmentID: segID, RoomID: roomID, MaxFromSegment: maxFromSegment}
	e.mu.Lock()
	rules := e.rules[segID]
	replaced := false
	for i := range rules {
		if rules[i].RoomID == roomID {
			rules[i].MaxFromSegment = maxFromSegment
			replaced = true
		}
	}
	if !replaced {
		e.rules[segID] = append(rules, rule)
	}
	e.mu.Unlock()

	log.Info().Str("module", "segment").Str("segment", string(segID)).Str("room", string(roomID)).Int("cap", maxFromSegment).Msg("room linked")
	return rule, nil
}

// ListSegments returns the session's segments in evaluation order.
func (e *Engine) ListSegments(session domain.SessionID) []domain.Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderedLocked(session)
}

func (e *Engine) Rules(segID domain.SegmentID) []domain.AssignmentRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.AssignmentRule(nil), e.rules[segID]...)
}

func (e *Engine) orderedLocked(session domain.SessionID) []domain.Segment {
	out := make([]domain.Segment, 0)
	for _, id := range e.order {
		if s := e.segments[id]; s.SessionID == session {
			out = append(out, *s)
		}
	}
	// Equal priorities keep creation order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

type roomLoad struct {
	cap  core.RoomCapacity
	used int
}

func (r *roomLoad) free() bool {
	return r.cap.Open && r.used < r.cap.Max
}

// ComputeAssignments places every attendee without an assignment. The
// first matching segment by (priority, creation order) wins; its rules are walked
// round-robin in link order. Unmatched attendees go round-robin over
// autoAssign rooms in creation order. Nothing is ever silently dropped.
func (e *Engine) ComputeAssignments(ctx context.Context, caller *domain.User, session domain.SessionID) (Result, error) {
	if !caller.IsOrganizer() {
		return Result{}, fmt.Errorf("compute assignments: %w", domain.ErrUnauthorized)
	}
	attendees, err := e.directory.Attendees(ctx, session)
	if err != nil {
		return Result{}, fmt.Errorf("compute assignments: attendees: %w", err)
	}
	sort.Slice(attendees, func(i, j int) bool { return attendees[i].UserID < attendees[j].UserID })

	e.mu.Lock()
	rooms := e.rooms
	e.mu.Unlock()
	caps, err := rooms.Capacities(ctx, session)
	if err != nil {
		return Result{}, fmt.Errorf("compute assignments: rooms: %w", err)
	}

	now := e.clock.Now()
	res := Result{Assigned: []domain.RoomAssignment{}, Unassigned: []bus.Unassigned{}}

	e.mu.Lock()
	current := e.assignments[session]
	if current == nil {
		current = make(map[domain.UserID]*domain.RoomAssignment)
		e.assignments[session] = current
	}

	loads := make(map[domain.RoomID]*roomLoad, len(caps))
	var auto []*roomLoad
	for _, c := range caps {
		l := &roomLoad{cap: c, used: c.Joined}
		loads[c.ID] = l
		if c.AutoAssign {
			auto = append(auto, l)
		}
	}
	perRule := make(map[domain.AssignmentRule]int)
	for _, a := range current {
		if a.Status == domain.AssignmentDeclined {
			continue
		}
		if l, ok := loads[a.RoomID]; ok && a.Status != domain.AssignmentJoined {
			l.used++
		}
		if a.SegmentID != "" {
			perRule[domain.AssignmentRule{SegmentID: a.SegmentID, RoomID: a.RoomID}]++
		}
	}

	segments := e.orderedLocked(session)
	cursors := make(map[domain.SegmentID]int)
	autoCursor := 0

	for _, att := range attendees {
		if _, assigned := current[att.UserID]; assigned {
			continue
		}
		var seg *domain.Segment
		for i := range segments {
			if Match(segments[i].Criteria, att.Attributes) {
				seg = &segments[i]
				break
			}
		}

		var (
			room   domain.RoomID
			reason string
		)
		if seg != nil {
			rules := e.rules[seg.ID]
			n := len(rules)
			for i := 0; i < n; i++ {
				idx := (cursors[seg.ID] + i) % n
				rule := rules[idx]
				key := domain.AssignmentRule{SegmentID: seg.ID, RoomID: rule.RoomID}
				l, ok := loads[rule.RoomID]
				if !ok || !l.free() {
					continue
				}
				if rule.MaxFromSegment > 0 && perRule[key] >= rule.MaxFromSegment {
					continue
				}
				room = rule.RoomID
				l.used++
				perRule[key]++
				cursors[seg.ID] = (idx + 1) % n
				break
			}
			if room == "" {
				reason = ReasonSegmentFull
			}
		} else {
			n := len(auto)
			for i := 0; i < n; i++ {
				idx := (autoCursor + i) % n
				if !auto[idx].free() {
					continue
				}
				room = auto[idx].cap.ID
				auto[idx].used++
				autoCursor = (idx + 1) % n
				break
			}
			if room == "" {
				reason = ReasonNoAutoRoom
			}
		}

		if room == "" {
			res.Unassigned = append(res.Unassigned, bus.Unassigned{UserID: att.UserID, Reason: reason})
			continue
		}
		a := &domain.RoomAssignment{
			SessionID: session,
			UserID:    att.UserID,
			RoomID:    room,
			Status:    domain.AssignmentPending,
			UpdatedAt: now,
		}
		if seg != nil {
			a.SegmentID = seg.ID
		}
		current[att.UserID] = a
		res.Assigned = append(res.Assigned, *a)
	}
	e.mu.Unlock()

	e.metrics.Assignment("assigned", len(res.Assigned))
	e.metrics.Assignment("unassigned", len(res.Unassigned))
	log.Info().Str("module", "segment").Str("session", string(session)).Int("assigned", len(res.Assigned)).Int("unassigned", len(res.Unassigned)).Msg("assignments computed")
	e.emit(ctx, bus.NewEvent(bus.AssignmentsComputed, session, now, bus.AssignmentsComputedPayload{
		Assigned:   len(res.Assigned),
		Unassigned: res.Unassigned,
	}))
	return res, nil
}

// NotifyAssignments moves every PENDING assignment to NOTIFIED and returns
// how many moved.
func (e *Engine) NotifyAssignments(ctx context.Context, caller *domain.User, session domain.SessionID) (int, error) {
	if !caller.IsOrganizer() {
		return 0, fmt.Errorf("notify assignments: %w", domain.ErrUnauthorized)
	}
	now := e.clock.Now()
	var notified []domain.RoomAssignment
	e.mu.Lock()
	for _, a := range e.assignments[session] {
		if a.Status != domain.AssignmentPending {
			continue
		}
		a.Status = domain.AssignmentNotified
		a.UpdatedAt = now
		notified = append(notified, *a)
	}
	e.mu.Unlock()

	sort.Slice(notified, func(i, j int) bool { return notified[i].UserID < notified[j].UserID })
	for _, a := range notified {
		e.emit(ctx, assignmentEvent(bus.AssignmentNotified, a))
	}
	e.metrics.Assignment("notified", len(notified))
	log.Info().Str("module", "segment").Str("session", string(session)).Int("notified", len(notified)).Msg("assignments notified")
	return len(notified), nil
}

// Respond records the caller's answer to a NOTIFIED assignment.
func (e *Engine) Respond(ctx context.Context, caller *domain.User, session domain.SessionID, accept bool) (domain.RoomAssignment, error) {
	if caller == nil {
		return domain.RoomAssignment{}, fmt.Errorf("respond: %w", domain.ErrUnauthorized)
	}
	next := domain.AssignmentDeclined
	if accept {
		next = domain.AssignmentConfirmed
	}
	a, err := e.transition(session, caller.ID, "", next)
	if err != nil {
		return domain.RoomAssignment{}, fmt.Errorf("respond: %w", err)
	}
	e.metrics.Assignment(string(next), 1)
	e.emit(ctx, assignmentEvent(bus.AssignmentUpdated, a))
	return a, nil
}

// MarkJoined advances a CONFIRMED assignment once the user enters its room.
func (e *Engine) MarkJoined(ctx context.Context, session domain.SessionID, user domain.UserID, room domain.RoomID) error {
	a, err := e.transition(session, user, room, domain.AssignmentJoined)
	if err != nil {
		return err
	}
	e.emit(ctx, assignmentEvent(bus.AssignmentUpdated, a))
	return nil
}

func (e *Engine) transition(session domain.SessionID, user domain.UserID, room domain.RoomID, next domain.AssignmentStatus) (domain.RoomAssignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignments[session][user]
	if !ok || (room != "" && a.RoomID != room) {
		return domain.RoomAssignment{}, fmt.Errorf("assignment of %s: %w", user, domain.ErrNotFound)
	}
	if !a.Status.CanTransition(next) {
		return domain.RoomAssignment{}, fmt.Errorf("assignment of %s %s -> %s: %w", user, a.Status, next, domain.ErrInvalidTransition)
	}
	a.Status = next
	a.UpdatedAt = e.clock.Now()
	return *a, nil
}

// ClearSession drops every assignment of the session.
func (e *Engine) ClearSession(_ context.Context, session domain.SessionID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.assignments[session])
	delete(e.assignments, session)
	log.Info().Str("module", "segment").Str("session", string(session)).Int("cleared", n).Msg("assignments cleared")
	return n
}

func (e *Engine) Assignment(session domain.SessionID, user domain.UserID) (domain.RoomAssignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignments[session][user]
	if !ok {
		return domain.RoomAssignment{}, false
	}
	return *a, true
}

// Assignments lists the session's assignments ordered by user id.
func (e *Engine) Assignments(session domain.SessionID) []domain.RoomAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RoomAssignment, 0, len(e.assignments[session]))
	for _, a := range e.assignments[session] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func assignmentEvent(t bus.Type, a domain.RoomAssignment) bus.Event {
	ev := bus.NewEvent(t, a.SessionID, a.UpdatedAt, bus.AssignmentPayload{Assignment: a})
	ev.RoomID = a.RoomID
	ev.SegmentID = a.SegmentID
	ev.UserID = a.UserID
	return ev
}

func (e *Engine) emit(ctx context.Context, ev bus.Event) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("module", "segment").Str("event", string(ev.Type)).Str("key", ev.Key()).Msg("publish failed")
	}
}
