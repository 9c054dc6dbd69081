// Package orch routes realtime commands to the room coordinator and the
// assignment engine and fans bus events out to subscribed connections.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/app"
	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/metrics"
	"github.com/dkeye/Breakout/internal/scheduler"
	"github.com/dkeye/Breakout/internal/segment"
)

type Config struct {
	RetransmitPeriod time.Duration
	MaxRetransmits   int
}

func DefaultConfig() Config {
	return Config{RetransmitPeriod: 2 * time.Second, MaxRetransmits: 5}
}

type Orchestrator struct {
	Registry  *app.Registry
	Rooms     *app.RoomManager
	Segments  *segment.Engine
	Directory *core.MemoryDirectory
	Policy    app.Policy
	Bus       *bus.Bus
	Sched     *scheduler.Scheduler
	Metrics   *metrics.Metrics

	cfg      Config
	handlers map[string]handler

	mu      sync.Mutex
	pending map[core.ConnID]map[string]*pendingEvent
}

type handler func(ctx context.Context, c call) (any, error)

// call is one decoded command with its caller.
type call struct {
	CID    core.ConnID
	Caller *domain.User
	Req    core.Request
}

func New(cfg Config, o *Orchestrator) *Orchestrator {
	o.cfg = cfg
	o.pending = make(map[core.ConnID]map[string]*pendingEvent)
	o.handlers = map[string]handler{
		core.CmdSubscribe:     o.subscribe,
		core.CmdRoomCreate:    o.createRoom,
		core.CmdRoomStart:     o.startRoom,
		core.CmdRoomJoin:      o.joinRoom,
		core.CmdRoomLeave:     o.leaveRoom,
		core.CmdRoomClose:     o.closeRoom,
		core.CmdRoomList:      o.listRooms,
		core.CmdRoomGet:       o.getRoom,
		core.CmdRecall:        o.recall,
		core.CmdSegmentCreate: o.createSegment,
		core.CmdSegmentLink:   o.linkSegment,
		core.CmdAssignCompute: o.computeAssignments,
		core.CmdAssignNotify:  o.notifyAssignments,
		core.CmdAssignRespond: o.respondAssignment,
		core.CmdAssignmentGet: o.getAssignment,
		core.CmdWhoAmI:        o.whoAmI,
		core.CmdPing:          o.ping,
	}
	return o
}

// Run fans bus events out and retransmits unacknowledged critical events
// until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	unsubscribe := o.Bus.Subscribe("orch.fanout", nil, o.deliver)
	defer unsubscribe()
	cancel := o.Sched.Every("orch.retransmit", o.cfg.RetransmitPeriod, func(time.Time) { o.retransmit() })
	defer cancel()
	log.Info().Str("module", "orch").Msg("fan-out started")
	<-ctx.Done()
}

// Dispatch runs one command for caller on connection cid.
func (o *Orchestrator) Dispatch(ctx context.Context, cid core.ConnID, caller *domain.User, req core.Request) (any, error) {
	h, ok := o.handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", domain.ErrValidation, req.Type)
	}
	if caller == nil {
		return nil, fmt.Errorf("%s: %w", req.Type, domain.ErrUnauthorized)
	}
	data, err := h(ctx, call{CID: cid, Caller: caller, Req: req})
	if err != nil {
		log.Info().Str("module", "orch").Str("sid", string(cid)).Str("user", string(caller.ID)).
			Str("cmd", req.Type).Str("code", domain.Code(err)).Err(err).Msg("command failed")
	}
	return data, err
}

// Kick cancels the connection; the client resyncs when it reconnects.
func (o *Orchestrator) Kick(cid core.ConnID) {
	if o.Registry.Cancel(cid) {
		log.Warn().Str("module", "orch").Str("sid", string(cid)).Msg("kicked connection")
	}
}

// Disconnected forgets a closed connection. Room memberships survive: a
// partition never changes room state.
func (o *Orchestrator) Disconnected(cid core.ConnID, sess core.ConnSession) {
	o.Registry.Unbind(cid, sess)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: bad payload: %v", domain.ErrValidation, err)
	}
	return v, nil
}

// sessionFor picks the payload's session or the one the connection is
// subscribed to.
func (o *Orchestrator) sessionFor(c call, explicit domain.SessionID) (domain.SessionID, error) {
	if explicit != "" {
		return explicit, nil
	}
	if s, ok := o.Registry.SessionOf(c.CID); ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: sessionId required", domain.ErrValidation)
}

func (o *Orchestrator) whoAmI(_ context.Context, c call) (any, error) {
	session, _ := o.Registry.SessionOf(c.CID)
	return struct {
		User    domain.User      `json:"user"`
		Session domain.SessionID `json:"sessionId,omitempty"`
	}{*c.Caller, session}, nil
}

func (o *Orchestrator) ping(context.Context, call) (any, error) {
	return struct {
		Pong bool `json:"pong"`
	}{true}, nil
}

// deliver pushes e to every connection subscribed to its session.
func (o *Orchestrator) deliver(e bus.Event) {
	listeners := o.Registry.Listeners(e.SessionID)
	if len(listeners) == 0 {
		return
	}
	frame, err := json.Marshal(core.EventFrame{Type: core.FrameEvent, Event: e})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", string(e.Type)).Msg("marshal event")
		return
	}
	for _, l := range listeners {
		if !visibleTo(l.Session.User(), e) {
			continue
		}
		if e.Type.Critical() {
			o.track(l.CID, e.ID, frame)
		}
		o.send(l, e, frame)
	}
}

// visibleTo keeps per-user assignment updates between the attendee and
// the organizers.
func visibleTo(user *domain.User, e bus.Event) bool {
	switch e.Type {
	case bus.AssignmentNotified, bus.AssignmentUpdated:
		return user.IsOrganizer() || user.ID == e.UserID
	}
	return true
}

func (o *Orchestrator) send(l app.ConnSnap, e bus.Event, frame core.Frame) {
	sig := l.Session.Signal()
	if sig == nil {
		return
	}
	err := sig.TrySend(frame)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(l.CID)).Str("event", string(e.Type)).Msg("send failed")
		return
	}
	switch o.Policy.OnBackPressure(l.Session, e) {
	case app.KickMember:
		o.Kick(l.CID)
	case app.DropFrame, app.NoAction:
		log.Debug().Str("module", "orch").Str("sid", string(l.CID)).Str("event", string(e.Type)).Msg("frame dropped")
	}
}
