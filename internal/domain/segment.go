package domain

import "time"

type SegmentID string

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpExists      Operator = "exists"
	OpRegex       Operator = "regex"
)

// Condition tests one attendee attribute.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Criteria is either a single inlined Condition or a compound All (AND)
// or Any (OR) list. Exactly one form must be set.
type Criteria struct {
	Condition
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

type Segment struct {
	ID        SegmentID         `json:"id"`
	SessionID SessionID         `json:"sessionId"`
	Name      string            `json:"name"`
	Criteria  *Criteria         `json:"matchCriteria,omitempty"`
	Priority  int               `json:"priority"`
	Color     string            `json:"color,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// AssignmentRule links a segment to a room. MaxFromSegment 0 means no cap.
type AssignmentRule struct {
	SegmentID      SegmentID `json:"segmentId"`
	RoomID         RoomID    `json:"roomId"`
	MaxFromSegment int       `json:"maxFromSegment,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentNotified  AssignmentStatus = "NOTIFIED"
	AssignmentConfirmed AssignmentStatus = "CONFIRMED"
	AssignmentDeclined  AssignmentStatus = "DECLINED"
	AssignmentJoined    AssignmentStatus = "JOINED"
)

var assignmentNext = map[AssignmentStatus][]AssignmentStatus{
	AssignmentPending:   {AssignmentNotified},
	AssignmentNotified:  {AssignmentConfirmed, AssignmentDeclined},
	AssignmentConfirmed: {AssignmentJoined},
}

func (s AssignmentStatus) CanTransition(next AssignmentStatus) bool {
	for _, n := range assignmentNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// RoomAssignment is unique per (SessionID, UserID).
type RoomAssignment struct {
	SessionID SessionID        `json:"sessionId"`
	UserID    UserID           `json:"userId"`
	RoomID    RoomID           `json:"roomId"`
	SegmentID SegmentID        `json:"segmentId,omitempty"`
	Status    AssignmentStatus `json:"status"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Attendee is the registration-store view consumed by criteria evaluation.
type Attendee struct {
	UserID     UserID         `json:"userId"`
	Attributes map[string]any `json:"attributes"`
}
