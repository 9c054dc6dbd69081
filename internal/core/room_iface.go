package core

import (
	"context"
	"time"

	"github.com/dkeye/Breakout/internal/domain"
)

// Roster is the membership set of one room. It enforces capacity and
// one-active-membership-per-user but never touches transport resources.
type Roster interface {
	// Join adds or re-activates userID. Re-joining an active member is a
	// no-op that returns the existing membership.
	Join(userID domain.UserID, role domain.ParticipantRole, now time.Time, max int) (domain.Participant, error)
	// Leave marks userID left and reports whether it was an active member.
	Leave(userID domain.UserID, now time.Time) (domain.Participant, bool)
	LeaveAll(now time.Time) []domain.Participant
	ActiveCount() int
	Get(userID domain.UserID) (domain.Participant, bool)
	Snapshot() []domain.Participant
}

// RoomInfo is the read-only view returned by list/fetch. RosterVersion
// grows with every membership change of the room.
type RoomInfo struct {
	domain.Room
	JoinedCount   int                  `json:"joinedCount"`
	RosterVersion uint64               `json:"rosterVersion"`
	EndsAt        *time.Time           `json:"endsAt,omitempty"`
	Participants  []domain.Participant `json:"participants,omitempty"`
}

// RoomCapacity is the read view the assignment engine places attendees by.
type RoomCapacity struct {
	ID         domain.RoomID
	SessionID  domain.SessionID
	Max        int
	Joined     int
	AutoAssign bool
	Open       bool
}

// RoomCatalog lists a session's rooms in creation order.
type RoomCatalog interface {
	Capacities(ctx context.Context, session domain.SessionID) ([]RoomCapacity, error)
}
