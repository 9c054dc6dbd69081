package rtc

import (
	"runtime/metrics"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Breakout/internal/core"
)

// statsSampler turns cumulative pion counters into per-sample deltas.
type statsSampler struct {
	mu       sync.Mutex
	lost     int64
	received int64
	cpuTotal float64
	cpuIdle  float64
}

// network reads round trip and inbound loss from report. Loss is the
// fraction of packets lost since the previous call.
func (s *statsSampler) network(report webrtc.StatsReport) core.NetworkStats {
	var (
		rtt            float64
		lost, received int64
	)
	for _, st := range report {
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			if !v.Nominated && v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if v.CurrentRoundTripTime > rtt {
				rtt = v.CurrentRoundTripTime
			}
		case webrtc.InboundRTPStreamStats:
			lost += int64(v.PacketsLost)
			received += int64(v.PacketsReceived)
		}
	}

	s.mu.Lock()
	dLost, dRecv := lost-s.lost, received-s.received
	s.lost, s.received = lost, received
	s.mu.Unlock()

	out := core.NetworkStats{RoundTrip: time.Duration(rtt * float64(time.Second))}
	if dLost < 0 {
		dLost = 0
	}
	if dRecv < 0 {
		dRecv = 0
	}
	if total := dLost + dRecv; total > 0 {
		out.PacketLoss = float64(dLost) / float64(total)
	}
	return out
}

var cpuMetrics = []string{"/cpu/classes/total:cpu-seconds", "/cpu/classes/idle:cpu-seconds"}

// cpu is the busy fraction of the CPU time available to the process since
// the previous call, as estimated by the Go runtime.
func (s *statsSampler) cpu() float64 {
	samples := make([]metrics.Sample, len(cpuMetrics))
	for i, name := range cpuMetrics {
		samples[i].Name = name
	}
	metrics.Read(samples)
	for _, sm := range samples {
		if sm.Value.Kind() != metrics.KindFloat64 {
			return 0
		}
	}
	total, idle := samples[0].Value.Float64(), samples[1].Value.Float64()

	s.mu.Lock()
	dTotal, dIdle := total-s.cpuTotal, idle-s.cpuIdle
	s.cpuTotal, s.cpuIdle = total, idle
	s.mu.Unlock()

	if dTotal <= 0 {
		return 0
	}
	busy := 1 - dIdle/dTotal
	switch {
	case busy < 0:
		return 0
	case busy > 1:
		return 1
	}
	return busy
}
