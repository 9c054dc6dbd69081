package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Breakout/internal/domain"
)

type Type string

const (
	RoomCreated       Type = "room.created"
	RoomStarted       Type = "room.started"
	RoomClosing       Type = "room.closing"
	RoomClosed        Type = "room.closed"
	RoomRemoved       Type = "room.removed"
	TimerWarning      Type = "timer.warning"
	ParticipantJoined Type = "participant.joined"
	ParticipantLeft   Type = "participant.left"
	SessionRecalled   Type = "session.recalled"

	SegmentCreated      Type = "segment.created"
	AssignmentsComputed Type = "segment.assignment.compute"
	AssignmentNotified  Type = "segment.assignment.notify"
	AssignmentUpdated   Type = "segment.assignment.respond"
)

// Critical events are retransmitted to sockets until acknowledged.
func (t Type) Critical() bool {
	return t == RoomClosed || t == SessionRecalled
}

// Event is the only thing the bus carries. Consumers dedupe by ID.
type Event struct {
	ID        string           `json:"id"`
	Type      Type             `json:"type"`
	SessionID domain.SessionID `json:"sessionId"`
	RoomID    domain.RoomID    `json:"roomId,omitempty"`
	SegmentID domain.SegmentID `json:"segmentId,omitempty"`
	UserID    domain.UserID    `json:"userId,omitempty"`
	At        time.Time        `json:"at"`
	Payload   any              `json:"payload,omitempty"`
}

func NewEvent(t Type, sessionID domain.SessionID, at time.Time, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		At:        at,
		Payload:   payload,
	}
}

// Key is (sessionId, roomId|segmentId).
func (e Event) Key() string {
	switch {
	case e.RoomID != "":
		return fmt.Sprintf("%s/%s", e.SessionID, e.RoomID)
	case e.SegmentID != "":
		return fmt.Sprintf("%s/%s", e.SessionID, e.SegmentID)
	default:
		return string(e.SessionID)
	}
}

// DecodePayload returns the payload as T whether the event was published
// in-process or decoded off the wire.
func DecodePayload[T any](e Event) (T, error) {
	var out T
	switch p := e.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
		return out, nil
	case json.RawMessage:
		err := json.Unmarshal(p, &out)
		return out, err
	case nil:
		return out, nil
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}

type RoomPayload struct {
	Room        domain.Room `json:"room"`
	JoinedCount int         `json:"joinedCount"`
	EndsAt      *time.Time  `json:"endsAt,omitempty"`
}

type ClosedPayload struct {
	Room           domain.Room   `json:"room"`
	Reason         string        `json:"reason"`
	RedirectWithin time.Duration `json:"redirectWithin"`
}

type TimerWarningPayload struct {
	MinutesRemaining int       `json:"minutesRemaining"`
	EndsAt           time.Time `json:"endsAt"`
}

// ParticipantPayload carries the room's roster version after the change;
// consumers drop payloads older than the version they hold.
type ParticipantPayload struct {
	Participant domain.Participant `json:"participant"`
	JoinedCount int                `json:"joinedCount"`
	Version     uint64             `json:"version"`
}

type RecallPayload struct {
	ClosedRooms    []domain.RoomID `json:"closedRooms"`
	RedirectWithin time.Duration   `json:"redirectWithin"`
}

type Unassigned struct {
	UserID domain.UserID `json:"userId"`
	Reason string        `json:"reason"`
}

type AssignmentsComputedPayload struct {
	Assigned   int          `json:"assigned"`
	Unassigned []Unassigned `json:"unassigned,omitempty"`
}

type AssignmentPayload struct {
	Assignment domain.RoomAssignment `json:"assignment"`
}

type SegmentPayload struct {
	Segment domain.Segment `json:"segment"`
}
