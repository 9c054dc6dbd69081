package app

import (
	"github.com/dkeye/Breakout/internal/bus"
	"github.com/dkeye/Breakout/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(conn core.ConnSession, e bus.Event) BackpressureAction
}

// SimplePolicy drops timer warnings and kicks the connection for anything
// else; the client resyncs on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.ConnSession, e bus.Event) BackpressureAction {
	if e.Type == bus.TimerWarning {
		return DropFrame
	}
	return KickMember
}
