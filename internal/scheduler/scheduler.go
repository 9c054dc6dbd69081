// Package scheduler owns every background ticker and timer of a scope.
//
// A component registers periodic work with Every and one-shot work with
// After. Each registration returns a cancel func that is safe to call any
// number of times; the underlying ticker is stopped exactly once. Stop
// cancels everything still registered, so tearing down the owning scope
// never leaks a timer into the next one.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type task struct {
	name   string
	once   sync.Once
	done   chan struct{}
	timer  clockwork.Timer
	onStop func()
}

func (t *task) cancel() bool {
	stopped := false
	t.once.Do(func() {
		stopped = true
		close(t.done)
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.onStop != nil {
			t.onStop()
		}
	})
	return stopped
}

type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]*task
	stopped bool
	wg      sync.WaitGroup
}

func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[uint64]*task),
	}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

func (s *Scheduler) register(t *task) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	s.nextID++
	s.tasks[s.nextID] = t
	return s.nextID, true
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// Every calls fn with the tick time every period until cancelled.
// Ticks are never run concurrently with each other.
func (s *Scheduler) Every(name string, period time.Duration, fn func(now time.Time)) (cancel func()) {
	t := &task{name: name, done: make(chan struct{})}
	id, ok := s.register(t)
	if !ok {
		log.Warn().Str("module", "scheduler").Str("task", name).Msg("scheduler stopped, ticker not started")
		return func() {}
	}
	ticker := s.clock.NewTicker(period)
	t.onStop = ticker.Stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case now := <-ticker.Chan():
				select {
				case <-t.done:
					return
				default:
				}
				fn(now)
			}
		}
	}()
	log.Debug().Str("module", "scheduler").Str("task", name).Dur("period", period).Msg("ticker started")

	return func() {
		if t.cancel() {
			s.forget(id)
			log.Debug().Str("module", "scheduler").Str("task", name).Msg("ticker cancelled")
		}
	}
}

// After calls fn once after d unless cancelled first.
func (s *Scheduler) After(name string, d time.Duration, fn func()) (cancel func()) {
	t := &task{name: name, done: make(chan struct{})}
	id, ok := s.register(t)
	if !ok {
		log.Warn().Str("module", "scheduler").Str("task", name).Msg("scheduler stopped, timer not started")
		return func() {}
	}
	t.timer = s.clock.AfterFunc(d, func() {
		select {
		case <-t.done:
			return
		default:
		}
		// Claim the task so a concurrent cancel becomes a no-op.
		if !t.cancel() {
			return
		}
		s.forget(id)
		fn()
	})
	return func() {
		if t.cancel() {
			s.forget(id)
		}
	}
}

// Active is the number of registrations not yet fired or cancelled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every registration and waits for running tickers to exit.
// Later registrations are refused.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[uint64]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	s.wg.Wait()
	log.Debug().Str("module", "scheduler").Int("cancelled", len(tasks)).Msg("scheduler stopped")
}
