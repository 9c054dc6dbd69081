package domain

import (
	"fmt"
	"time"
)

type (
	RoomID    string
	SessionID string
)

type RoomStatus string

const (
	RoomWaiting RoomStatus = "WAITING"
	RoomActive  RoomStatus = "ACTIVE"
	RoomClosing RoomStatus = "CLOSING"
	RoomClosed  RoomStatus = "CLOSED"
)

var statusRank = map[RoomStatus]int{
	RoomWaiting: 0,
	RoomActive:  1,
	RoomClosing: 2,
	RoomClosed:  3,
}

// CanTransition reports whether a room may move from s to next.
// Transitions are strictly forward; skipping CLOSING is allowed.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if next == RoomActive {
		return s == RoomWaiting
	}
	return to > from
}

// MediaSessionRef is opaque to the coordinator; clients hand it to the media engine.
type MediaSessionRef struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Room struct {
	ID              RoomID          `json:"id"`
	SessionID       SessionID       `json:"sessionId"`
	Name            string          `json:"name"`
	Topic           string          `json:"topic,omitempty"`
	Status          RoomStatus      `json:"status"`
	MaxParticipants int             `json:"maxParticipants"`
	DurationMinutes int             `json:"durationMinutes"`
	AutoAssign      bool            `json:"autoAssign"`
	CreatedAt       time.Time       `json:"createdAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	ClosedAt        *time.Time      `json:"closedAt,omitempty"`
	FacilitatorID   UserID          `json:"facilitatorId,omitempty"`
	Media           MediaSessionRef `json:"mediaSessionRef"`
}

func (r *Room) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// EndsAt is the absolute end of an ACTIVE room; zero before start.
func (r *Room) EndsAt() time.Time {
	if r.StartedAt == nil {
		return time.Time{}
	}
	return r.StartedAt.Add(r.Duration())
}

// Remaining is always derived from the absolute end so drift self-corrects.
func (r *Room) Remaining(now time.Time) time.Duration {
	end := r.EndsAt()
	if end.IsZero() {
		return r.Duration()
	}
	if d := end.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RoomSpec is the organizer's create request.
type RoomSpec struct {
	SessionID       SessionID `json:"sessionId"`
	Name            string    `json:"name"`
	Topic           string    `json:"topic,omitempty"`
	MaxParticipants int       `json:"maxParticipants"`
	DurationMinutes int       `json:"durationMinutes"`
	FacilitatorID   UserID    `json:"facilitatorId,omitempty"`
	AutoAssign      bool      `json:"autoAssign"`
	IdempotencyKey  string    `json:"idempotencyKey,omitempty"`
}

const MaxRoomNameLen = 64

func (s RoomSpec) Validate() error {
	switch {
	case s.SessionID == "":
		return fmt.Errorf("%w: session id required", ErrValidation)
	case s.Name == "":
		return fmt.Errorf("%w: room name required", ErrValidation)
	case len(s.Name) > MaxRoomNameLen:
		return fmt.Errorf("%w: room name too long", ErrValidation)
	case s.MaxParticipants <= 0:
		return fmt.Errorf("%w: maxParticipants must be positive", ErrValidation)
	case s.DurationMinutes <= 0:
		return fmt.Errorf("%w: durationMinutes must be positive", ErrValidation)
	}
	return nil
}
