package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
	"github.com/dkeye/Breakout/internal/domain"
)

type connEntry struct {
	Session    core.ConnSession
	Subscribed domain.SessionID
	Cancel     context.CancelFunc
}

// Registry tracks live realtime connections and the event session each
// one listens to.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connEntry)}
}

// Bind replaces any previous connection under cid; the old one is cancelled.
func (r *Registry) Bind(cid core.ConnID, sess core.ConnSession, cancel context.CancelFunc) {
	r.mu.Lock()
	old, had := r.conns[cid]
	r.conns[cid] = &connEntry{Session: sess, Cancel: cancel}
	if had {
		r.conns[cid].Subscribed = old.Subscribed
	}
	r.mu.Unlock()

	if had && old.Cancel != nil {
		old.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(cid)).Str("user", string(sess.User().ID)).Bool("rebound", had).Msg("bound connection")
}

func (r *Registry) Get(cid core.ConnID) (core.ConnSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[cid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind removes cid only if it is still bound to sess.
func (r *Registry) Unbind(cid core.ConnID, sess core.ConnSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[cid]; ok && e.Session == sess {
		delete(r.conns, cid)
		log.Info().Str("module", "app.registry").Str("sid", string(cid)).Msg("unbind connection")
	}
}

func (r *Registry) Subscribe(cid core.ConnID, session domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[cid]
	if !ok {
		return false
	}
	e.Subscribed = session
	log.Info().Str("module", "app.registry").Str("sid", string(cid)).Str("session", string(session)).Msg("subscribed")
	return true
}

func (r *Registry) SessionOf(cid core.ConnID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[cid]
	if !ok || e.Subscribed == "" {
		return "", false
	}
	return e.Subscribed, true
}

// ConnSnap is one listener as seen at the time of the call.
type ConnSnap struct {
	CID     core.ConnID
	Session core.ConnSession
}

// Listeners returns every connection subscribed to session.
func (r *Registry) Listeners(session domain.SessionID) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnSnap, 0, len(r.conns))
	for cid, e := range r.conns {
		if e.Subscribed == session {
			out = append(out, ConnSnap{CID: cid, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Cancel(cid core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[cid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(cid)).Msg("canceled connection")
	return true
}
