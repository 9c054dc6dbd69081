package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

type roomRef struct {
	RoomID domain.RoomID `json:"roomId"`
}

type sessionRef struct {
	SessionID domain.SessionID `json:"sessionId"`
}

type roomList struct {
	SessionID domain.SessionID `json:"sessionId"`
	Rooms     []core.RoomInfo  `json:"rooms"`
}

// subscribe binds the connection to an event session and returns the
// current room list so a reconnecting client resyncs from server state.
func (o *Orchestrator) subscribe(_ context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	if !o.Registry.Subscribe(c.CID, session) {
		return nil, domain.ErrNotFound
	}
	log.Info().Str("module", "orch").Str("sid", string(c.CID)).Str("user", string(c.Caller.ID)).Str("session", string(session)).Msg("subscribed")
	return roomList{SessionID: session, Rooms: o.Rooms.List(session)}, nil
}

func (o *Orchestrator) createRoom(ctx context.Context, c call) (any, error) {
	spec, err := decode[domain.RoomSpec](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	if spec.IdempotencyKey == "" {
		spec.IdempotencyKey = c.Req.IdempotencyKey
	}
	if spec.SessionID, err = o.sessionFor(c, spec.SessionID); err != nil {
		return nil, err
	}
	return o.Rooms.Create(ctx, c.Caller, spec)
}

func (o *Orchestrator) startRoom(ctx context.Context, c call) (any, error) {
	p, err := decode[roomRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	return o.Rooms.Start(ctx, c.Caller, p.RoomID)
}

func (o *Orchestrator) joinRoom(ctx context.Context, c call) (any, error) {
	p, err := decode[roomRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	return o.Rooms.Join(ctx, c.Caller, p.RoomID)
}

func (o *Orchestrator) leaveRoom(ctx context.Context, c call) (any, error) {
	p, err := decode[roomRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	o.Rooms.Leave(ctx, c.Caller.ID, p.RoomID)
	return p, nil
}

func (o *Orchestrator) closeRoom(ctx context.Context, c call) (any, error) {
	p, err := decode[roomRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	if err := o.Rooms.Close(ctx, c.Caller, p.RoomID); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) listRooms(_ context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	return roomList{SessionID: session, Rooms: o.Rooms.List(session)}, nil
}

func (o *Orchestrator) getRoom(_ context.Context, c call) (any, error) {
	p, err := decode[roomRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	return o.Rooms.Get(p.RoomID)
}

func (o *Orchestrator) recall(ctx context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	closed, err := o.Rooms.RecallAll(ctx, c.Caller, session)
	if err != nil {
		return nil, err
	}
	return struct {
		ClosedRooms []domain.RoomID `json:"closedRooms"`
	}{closed}, nil
}
