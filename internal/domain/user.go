// Package domain contains entities without transport or lifecycle logic.
package domain

import (
	"fmt"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = fmt.Errorf("%w: username too long", ErrValidation)
	ErrUsernameEmpty   = fmt.Errorf("%w: username empty", ErrValidation)
	ErrUserIDEmpty     = fmt.Errorf("%w: user id empty", ErrValidation)
)

type UserID string

// Role is the event-level role of a caller. Room-level roles live on Participant.
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleAttendee  Role = "attendee"
)

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string, role Role) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrValidation
	}
	if username == "" {
		username = string(id)
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if role == "" {
		role = RoleAttendee
	}
	return &User{ID: id, Username: username, Role: role}, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

func (u *User) IsOrganizer() bool {
	return u != nil && u.Role == RoleOrganizer
}
