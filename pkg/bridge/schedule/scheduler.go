// Package schedule runs a recurring task on a fixed interval with an
// explicit start/stop lifecycle. The tick source is injectable so tests
// never sleep.
package schedule

import (
	"errors"
	"sync"
	"time"
)

// TickerFactory produces a tick channel for an interval and a release func
// for its resources.
type TickerFactory func(interval time.Duration) (ticks <-chan time.Time, stop func())

func defaultTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Scheduler invokes one task every interval between Start and Stop. Start
// and Stop are idempotent and a stopped scheduler can be started again.
type Scheduler struct {
	interval  time.Duration
	task      func()
	newTicker TickerFactory

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option adjusts a Scheduler at construction.
type Option func(*Scheduler)

// WithTickerFactory replaces the real ticker, mainly for tests.
func WithTickerFactory(f TickerFactory) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// New builds a scheduler for task. interval must be positive.
func New(interval time.Duration, task func(), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("schedule: interval must be positive")
	}
	if task == nil {
		return nil, errors.New("schedule: task is required")
	}
	s := &Scheduler{
		interval:  interval,
		task:      task,
		newTicker: defaultTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins ticking. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(s.stopCh, s.doneCh)
}

func (s *Scheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticks, stop := s.newTicker(s.interval)
	defer stop()
	for {
		select {
		case <-ticks:
			s.task()
		case <-stopCh:
			return
		}
	}
}

// Stop halts ticking and waits for the loop to exit. Calling Stop on a
// stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// Running reports whether the scheduler is between Start and Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
