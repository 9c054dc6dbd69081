package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Breakout/internal/domain"
	"github.com/dkeye/Breakout/internal/segment"
)

type linkRequest struct {
	SegmentID      domain.SegmentID `json:"segmentId"`
	RoomID         domain.RoomID    `json:"roomId"`
	MaxFromSegment int              `json:"maxFromSegment"`
}

type respondRequest struct {
	SessionID domain.SessionID `json:"sessionId"`
	Accept    bool             `json:"accept"`
}

func (o *Orchestrator) createSegment(ctx context.Context, c call) (any, error) {
	spec, err := decode[segment.Spec](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	if spec.IdempotencyKey == "" {
		spec.IdempotencyKey = c.Req.IdempotencyKey
	}
	if spec.SessionID, err = o.sessionFor(c, spec.SessionID); err != nil {
		return nil, err
	}
	return o.Segments.CreateSegment(ctx, c.Caller, spec)
}

func (o *Orchestrator) linkSegment(ctx context.Context, c call) (any, error) {
	p, err := decode[linkRequest](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	return o.Segments.LinkRoom(ctx, c.Caller, p.SegmentID, p.RoomID, p.MaxFromSegment)
}

func (o *Orchestrator) computeAssignments(ctx context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	return o.Segments.ComputeAssignments(ctx, c.Caller, session)
}

func (o *Orchestrator) notifyAssignments(ctx context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	n, err := o.Segments.NotifyAssignments(ctx, c.Caller, session)
	if err != nil {
		return nil, err
	}
	return struct {
		Notified int `json:"notified"`
	}{n}, nil
}

func (o *Orchestrator) respondAssignment(ctx context.Context, c call) (any, error) {
	p, err := decode[respondRequest](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	return o.Segments.Respond(ctx, c.Caller, session, p.Accept)
}

func (o *Orchestrator) getAssignment(_ context.Context, c call) (any, error) {
	p, err := decode[sessionRef](c.Req.Payload)
	if err != nil {
		return nil, err
	}
	session, err := o.sessionFor(c, p.SessionID)
	if err != nil {
		return nil, err
	}
	a, ok := o.Segments.Assignment(session, c.Caller.ID)
	if !ok {
		return nil, fmt.Errorf("assignment of %s: %w", c.Caller.ID, domain.ErrNotFound)
	}
	return a, nil
}
