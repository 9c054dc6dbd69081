package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/domain"
)

// roster is a threadsafe in-memory membership set.
type roster struct {
	room   domain.RoomID
	mu     sync.RWMutex
	byUser map[domain.UserID]*domain.Participant
	order  []domain.UserID
	active int
}

func NewRoster(room domain.RoomID) Roster {
	return &roster{
		room:   room,
		byUser: make(map[domain.UserID]*domain.Participant),
	}
}

func (r *roster) Join(userID domain.UserID, role domain.ParticipantRole, now time.Time, max int) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, known := r.byUser[userID]
	if known && p.Active() {
		if role != "" && p.Role != role {
			p.Role = role
		}
		return *p, nil
	}
	if max > 0 && r.active >= max {
		return domain.Participant{}, fmt.Errorf("room %s: %w", r.room, domain.ErrRoomFull)
	}
	if !known {
		p = &domain.Participant{UserID: userID}
		r.byUser[userID] = p
		r.order = append(r.order, userID)
	}
	p.Role = role
	p.JoinedAt = now
	p.LeftAt = nil
	r.active++
	log.Info().Str("module", "core.roster").Str("room", string(r.room)).Str("user", string(userID)).Int("active", r.active).Msg("member added")
	return *p, nil
}

func (r *roster) Leave(userID domain.UserID, now time.Time) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok || !p.Active() {
		return domain.Participant{}, false
	}
	left := now
	p.LeftAt = &left
	r.active--
	log.Info().Str("module", "core.roster").Str("room", string(r.room)).Str("user", string(userID)).Int("active", r.active).Msg("member removed")
	return *p, true
}

func (r *roster) LeaveAll(now time.Time) []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, 0, r.active)
	for _, id := range r.order {
		p := r.byUser[id]
		if !p.Active() {
			continue
		}
		left := now
		p.LeftAt = &left
		out = append(out, *p)
	}
	r.active = 0
	return out
}

func (r *roster) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *roster) Get(userID domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byUser[id])
	}
	return out
}
