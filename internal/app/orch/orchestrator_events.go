package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
)

type pendingEvent struct {
	frame    core.Frame
	attempts int
}

// track remembers a critical frame sent to cid until it is acknowledged.
func (o *Orchestrator) track(cid core.ConnID, eventID string, frame core.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byID, ok := o.pending[cid]
	if !ok {
		byID = make(map[string]*pendingEvent)
		o.pending[cid] = byID
	}
	if _, dup := byID[eventID]; !dup {
		byID[eventID] = &pendingEvent{frame: frame}
	}
}

// AckEvent stops retransmission of eventID to cid.
func (o *Orchestrator) AckEvent(cid core.ConnID, eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	byID := o.pending[cid]
	if _, ok := byID[eventID]; !ok {
		return
	}
	delete(byID, eventID)
	if len(byID) == 0 {
		delete(o.pending, cid)
	}
	log.Debug().Str("module", "orch").Str("sid", string(cid)).Str("event_id", eventID).Msg("event acknowledged")
}

// Pending is the number of unacknowledged critical events for cid.
func (o *Orchestrator) Pending(cid core.ConnID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[cid])
}

// retransmit resends every unacknowledged critical frame. A frame is
// given up after MaxRetransmits attempts. Pending frames survive a
// reconnect under the same connection id.
func (o *Orchestrator) retransmit() {
	type resend struct {
		cid   core.ConnID
		frame core.Frame
	}
	var out []resend

	o.mu.Lock()
	for cid, byID := range o.pending {
		for id, p := range byID {
			p.attempts++
			if p.attempts > o.cfg.MaxRetransmits {
				delete(byID, id)
				log.Warn().Str("module", "orch").Str("sid", string(cid)).Str("event_id", id).Msg("critical event never acknowledged")
				continue
			}
			out = append(out, resend{cid: cid, frame: p.frame})
		}
		if len(byID) == 0 {
			delete(o.pending, cid)
		}
	}
	o.mu.Unlock()

	for _, r := range out {
		sess, ok := o.Registry.Get(r.cid)
		if !ok || sess.Signal() == nil {
			continue
		}
		if err := sess.Signal().TrySend(r.frame); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str("sid", string(r.cid)).Msg("retransmit failed")
		}
	}
}
