package core

import (
	"sync"

	"github.com/dkeye/Breakout/internal/domain"
)

// connSession implements ConnSession by pairing the user with its transport.
type connSession struct {
	mu     sync.RWMutex
	user   *domain.User
	signal SignalConnection
}

func NewConnSession(user *domain.User) ConnSession {
	return &connSession{user: user}
}

func (s *connSession) User() *domain.User { return s.user }

func (s *connSession) Signal() SignalConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signal
}

func (s *connSession) UpdateSignal(sc SignalConnection) ConnSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sc
	return s
}
