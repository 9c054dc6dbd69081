package core

import "github.com/dkeye/Breakout/internal/domain"

// ConnID identifies one realtime connection (the client token cookie).
type ConnID string

// ConnSession binds an authenticated user and its transport endpoint.
// This is what the registry stores and fans events out to.
type ConnSession interface {
	User() *domain.User
	Signal() SignalConnection
	UpdateSignal(SignalConnection) ConnSession
}
