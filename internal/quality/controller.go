// Package quality rebalances received video layers under network and CPU
// pressure while a call is joined.
package quality

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/core"
)

type Load string

const (
	LoadNormal   Load = "normal"
	LoadHigh     Load = "high"
	LoadCritical Load = "critical"
)

type Thresholds struct {
	PacketLoss float64
	RoundTrip  time.Duration
	CPU        float64
}

// exceeded reports whether any configured threshold is reached. Zero
// thresholds are ignored.
func (t Thresholds) exceeded(s core.NetworkStats) bool {
	return (t.PacketLoss > 0 && s.PacketLoss >= t.PacketLoss) ||
		(t.RoundTrip > 0 && s.RoundTrip >= t.RoundTrip) ||
		(t.CPU > 0 && s.CPU >= t.CPU)
}

type Config struct {
	SamplePeriod time.Duration
	High         Thresholds
	Critical     Thresholds
}

func DefaultConfig() Config {
	return Config{
		SamplePeriod: 5 * time.Second,
		High:         Thresholds{PacketLoss: 0.05, RoundTrip: 300 * time.Millisecond, CPU: 0.75},
		Critical:     Thresholds{PacketLoss: 0.15, RoundTrip: 800 * time.Millisecond, CPU: 0.90},
	}
}

func Classify(cfg Config, s core.NetworkStats) Load {
	switch {
	case cfg.Critical.exceeded(s):
		return LoadCritical
	case cfg.High.exceeded(s):
		return LoadHigh
	}
	return LoadNormal
}

// Sample is one classified reading.
type Sample struct {
	At    time.Time
	Stats core.NetworkStats
	Load  Load
}

type StatsSource interface {
	Stats(ctx context.Context) (core.NetworkStats, error)
}

// Target receives the controller's decisions. Audio is never touched.
type Target interface {
	UpdateReceiveSettings(layers map[string]core.Layer) error
	SuppressLocalVideo(suppress bool) error
}

// Status is the read-only indicator exposed to the presentation layer.
type Status struct {
	Load                 Load                  `json:"load"`
	Degraded             bool                  `json:"degraded"`
	LocalVideoSuppressed bool                  `json:"localVideoSuppressed"`
	ManualLayer          *core.Layer           `json:"manualLayer,omitempty"`
	ActiveSpeaker        string                `json:"activeSpeaker,omitempty"`
	Layers               map[string]core.Layer `json:"layers"`
	LastSample           time.Time             `json:"lastSample"`
}

type Controller struct {
	cfg    Config
	source StatsSource
	target Target

	// applyMu serializes pushes to target; taken before mu.
	applyMu sync.Mutex

	mu           sync.Mutex
	epoch        uint64
	load         Load
	manual       *core.Layer
	manualWins   bool
	speaker      string
	participants map[string]struct{}
	applied      map[string]core.Layer
	suppressed   bool
	last         Sample
}

func New(cfg Config, source StatsSource, target Target) *Controller {
	return &Controller{
		cfg:          cfg,
		source:       source,
		target:       target,
		load:         LoadNormal,
		participants: make(map[string]struct{}),
		applied:      make(map[string]core.Layer),
	}
}

func (c *Controller) Config() Config { return c.cfg }

// Epoch identifies the current call; Reset advances it.
func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Sample pulls one reading from the stats source and applies it. Failures
// are logged; quality adaptation never surfaces errors.
func (c *Controller) Sample(ctx context.Context, now time.Time) {
	c.SampleEpoch(ctx, c.Epoch(), now)
}

// SampleEpoch is Sample for the call identified by epoch. A reading that
// completes after ctx is done or after a Reset is dropped.
func (c *Controller) SampleEpoch(ctx context.Context, epoch uint64, now time.Time) {
	stats, err := c.source.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "quality").Msg("stats sample failed")
		return
	}
	if ctx.Err() != nil {
		log.Debug().Str("module", "quality").Msg("sample outlived its call, dropped")
		return
	}
	c.observe(epoch, now, stats)
}

// Observe classifies stats and rebalances layers.
func (c *Controller) Observe(now time.Time, stats core.NetworkStats) Load {
	return c.observe(c.Epoch(), now, stats)
}

func (c *Controller) observe(epoch uint64, now time.Time, stats core.NetworkStats) Load {
	load := Classify(c.cfg, stats)
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		log.Debug().Str("module", "quality").Uint64("epoch", epoch).Msg("stale sample dropped")
		return load
	}
	c.last = Sample{At: now, Stats: stats, Load: load}
	if load != c.load {
		log.Info().Str("module", "quality").Str("from", string(c.load)).Str("to", string(load)).
			Float64("loss", stats.PacketLoss).Dur("rtt", stats.RoundTrip).Float64("cpu", stats.CPU).Msg("load changed")
		c.load = load
		c.manualWins = false
	}
	c.mu.Unlock()
	c.apply(epoch)
	return load
}

// SetReceiveVideoQuality pins every remote video to layer until the next
// load tier change.
func (c *Controller) SetReceiveVideoQuality(layer core.Layer) {
	c.mu.Lock()
	c.manual = &layer
	c.manualWins = true
	epoch := c.epoch
	c.mu.Unlock()
	c.apply(epoch)
}

func (c *Controller) ClearReceiveVideoQuality() {
	c.mu.Lock()
	c.manual = nil
	c.manualWins = false
	epoch := c.epoch
	c.mu.Unlock()
	c.apply(epoch)
}

func (c *Controller) SetActiveSpeaker(id string) {
	c.mu.Lock()
	if c.speaker == id {
		c.mu.Unlock()
		return
	}
	c.speaker = id
	epoch := c.epoch
	c.mu.Unlock()
	c.apply(epoch)
}

func (c *Controller) AddParticipant(id string) {
	c.mu.Lock()
	if _, ok := c.participants[id]; ok {
		c.mu.Unlock()
		return
	}
	c.participants[id] = struct{}{}
	epoch := c.epoch
	c.mu.Unlock()
	c.apply(epoch)
}

func (c *Controller) RemoveParticipant(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, id)
	delete(c.applied, id)
	if c.speaker == id {
		c.speaker = ""
	}
}

// Reset forgets all per-call state. It waits for a push in flight; readings
// taken before it are discarded.
func (c *Controller) Reset() {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.load = LoadNormal
	c.manual = nil
	c.manualWins = false
	c.speaker = ""
	c.participants = make(map[string]struct{})
	c.applied = make(map[string]core.Layer)
	c.suppressed = false
	c.last = Sample{}
}

func (c *Controller) tierLayerLocked() core.Layer {
	if c.manualWins && c.manual != nil {
		return *c.manual
	}
	switch c.load {
	case LoadCritical:
		return core.LayerLow
	case LoadHigh:
		return core.LayerMedium
	}
	if c.manual != nil {
		return *c.manual
	}
	return core.LayerHigh
}

// apply pushes only the layers that differ from what was last applied.
// Pushes never overlap, so the diff is always taken against what the
// target last accepted.
func (c *Controller) apply(epoch uint64) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	base := c.tierLayerLocked()
	diff := make(map[string]core.Layer)
	for id := range c.participants {
		want := base
		if id == c.speaker {
			want = core.LayerHigh
		}
		if have, ok := c.applied[id]; !ok || have != want {
			diff[id] = want
		}
	}
	suppress := c.load == LoadCritical
	suppressChanged := suppress != c.suppressed
	c.mu.Unlock()

	if len(diff) > 0 {
		if err := c.target.UpdateReceiveSettings(diff); err != nil {
			log.Warn().Err(err).Str("module", "quality").Msg("update receive settings")
		} else {
			c.mu.Lock()
			for id, l := range diff {
				if _, still := c.participants[id]; still {
					c.applied[id] = l
				}
			}
			c.mu.Unlock()
		}
	}
	if suppressChanged {
		if err := c.target.SuppressLocalVideo(suppress); err != nil {
			log.Warn().Err(err).Str("module", "quality").Bool("suppress", suppress).Msg("local video")
			return
		}
		c.mu.Lock()
		c.suppressed = suppress
		c.mu.Unlock()
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	layers := make(map[string]core.Layer, len(c.applied))
	for id, l := range c.applied {
		layers[id] = l
	}
	st := Status{
		Load:                 c.load,
		Degraded:             c.load != LoadNormal,
		LocalVideoSuppressed: c.suppressed,
		ActiveSpeaker:        c.speaker,
		Layers:               layers,
		LastSample:           c.last.At,
	}
	if c.manual != nil {
		m := *c.manual
		st.ManualLayer = &m
	}
	return st
}

// Participants returns the tracked remote ids in sorted order.
func (c *Controller) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
