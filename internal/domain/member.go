package domain

import "time"

type ParticipantRole string

const (
	RoleFacilitator ParticipantRole = "FACILITATOR"
	RoleParticipant ParticipantRole = "PARTICIPANT"
)

// Participant represents a user's membership of a room.
// No transport or lifecycle logic here.
type Participant struct {
	UserID   UserID          `json:"userId"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
	LeftAt   *time.Time      `json:"leftAt,omitempty"`
}

func (p Participant) Active() bool { return p.LeftAt == nil }
