package call

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
)

// flag is a pending/confirmed pair. confirmed is what the engine last
// reported and is authoritative; pending is the optimistic value awaiting
// confirmation.
type flag struct {
	confirmed bool
	pending   *bool
}

func (f *flag) value() bool {
	if f.pending != nil {
		return *f.pending
	}
	return f.confirmed
}

func (f *flag) request(on bool) {
	f.pending = &on
}

func (f *flag) confirm(on bool) {
	f.confirmed = on
	if f.pending != nil && *f.pending == on {
		f.pending = nil
	}
}

func (f *flag) rollback() {
	f.pending = nil
}

func (f *flag) state() FlagState {
	s := FlagState{Confirmed: f.confirmed, Value: f.value()}
	if f.pending != nil {
		p := *f.pending
		s.Pending = &p
	}
	return s
}

// FlagState exposes both halves; Confirmed is authoritative, Value is what
// an optimistic UI shows.
type FlagState struct {
	Confirmed bool  `json:"confirmed"`
	Pending   *bool `json:"pending,omitempty"`
	Value     bool  `json:"value"`
}

func (c *Controller) ToggleMic()         { c.toggle(core.MediaAudio) }
func (c *Controller) ToggleCamera()      { c.toggle(core.MediaVideo) }
func (c *Controller) ToggleScreenShare() { c.toggle(core.MediaScreen) }

func (c *Controller) SetMic(on bool)         { c.set(core.MediaAudio, on) }
func (c *Controller) SetCamera(on bool)      { c.set(core.MediaVideo, on) }
func (c *Controller) SetScreenShare(on bool) { c.set(core.MediaScreen, on) }

func (c *Controller) toggle(kind core.MediaKind) {
	c.mu.Lock()
	on := !c.flagFor(kind).value()
	if kind == core.MediaVideo && c.suppressed {
		on = !c.videoWanted
	}
	c.mu.Unlock()
	c.set(kind, on)
}

// set is optimistic and effect-only: outside a joined session it does
// nothing, and an engine refusal rolls the pending value back.
func (c *Controller) set(kind core.MediaKind, on bool) {
	c.mu.Lock()
	if c.state != StateJoined || c.engine == nil {
		c.mu.Unlock()
		return
	}
	engine := c.engine
	f := c.flagFor(kind)
	if kind == core.MediaVideo {
		c.videoWanted = on
		if c.suppressed {
			c.mu.Unlock()
			log.Debug().Str("module", "call").Bool("on", on).Msg("camera change deferred while video is suppressed")
			return
		}
	}
	if f.value() == on {
		c.mu.Unlock()
		return
	}
	f.request(on)
	c.mu.Unlock()

	var err error
	switch kind {
	case core.MediaAudio:
		err = engine.SetLocalAudio(on)
	case core.MediaVideo:
		err = engine.SetLocalVideo(on)
	case core.MediaScreen:
		err = engine.SetScreenShare(on)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("kind", string(kind)).Bool("on", on).Msg("toggle refused")
		c.mu.Lock()
		if c.engine == engine {
			c.flagFor(kind).rollback()
		}
		c.mu.Unlock()
	}
}
