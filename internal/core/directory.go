package core

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Breakout/internal/domain"
)

// AttendeeDirectory is the registration store view: attendee attribute
// maps per event session.
type AttendeeDirectory interface {
	Attendees(ctx context.Context, session domain.SessionID) ([]domain.Attendee, error)
}

// MemoryDirectory is filled from registration sync requests.
type MemoryDirectory struct {
	mu        sync.RWMutex
	attendees map[domain.SessionID]map[domain.UserID]domain.Attendee
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{attendees: make(map[domain.SessionID]map[domain.UserID]domain.Attendee)}
}

// Upsert replaces the attributes of the given attendees.
func (d *MemoryDirectory) Upsert(session domain.SessionID, attendees ...domain.Attendee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.attendees[session]
	if !ok {
		m = make(map[domain.UserID]domain.Attendee)
		d.attendees[session] = m
	}
	for _, a := range attendees {
		m[a.UserID] = a
	}
}

// Attendees returns the attendees ordered by user id.
func (d *MemoryDirectory) Attendees(_ context.Context, session domain.SessionID) ([]domain.Attendee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Attendee, 0, len(d.attendees[session]))
	for _, a := range d.attendees[session] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
