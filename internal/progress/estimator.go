// Package progress estimates solver progress from wall clock time.
//
// The solver reports no progress of its own. The estimator assumes it uses
// its whole time budget and publishes elapsed/budget as a percentage, capped
// below 100 so a run never looks finished before the process has exited.
// Replace this package if the solver ever emits a real progress signal.
package progress

import (
	"sync"
	"time"
)

const (
	DefaultInterval = 500 * time.Millisecond
	// Cap is the highest percentage published while the process is alive.
	Cap = 95
)

// PublishFunc receives every tick. It is called from the estimator
// goroutine, never after Stop has returned.
type PublishFunc func(percent int)

// Estimator publishes one run's progress. It is single use: Start once,
// Stop once.
type Estimator struct {
	interval time.Duration
	budget   time.Duration
	publish  PublishFunc

	mx      sync.Mutex
	last    int
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func New(budget, interval time.Duration, publish PublishFunc) *Estimator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Estimator{
		interval: interval,
		budget:   budget,
		publish:  publish,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Percent computes the capped estimate for elapsed time.
func Percent(elapsed, budget time.Duration) int {
	if budget <= 0 || elapsed <= 0 {
		return 0
	}
	p := int(float64(elapsed) / float64(budget) * 100)
	return min(p, Cap)
}

// Start begins ticking with started as the run's start time.
func (e *Estimator) Start(started time.Time) {
	e.mx.Lock()
	if e.started {
		e.mx.Unlock()
		return
	}
	e.started = true
	e.mx.Unlock()

	go e.loop(started)
}

func (e *Estimator) loop(started time.Time) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			// Stop may have been requested while the tick was pending
			select {
			case <-e.stop:
				return
			default:
			}
			e.tick(now.Sub(started))
		}
	}
}

func (e *Estimator) tick(elapsed time.Duration) {
	p := Percent(elapsed, e.budget)
	e.mx.Lock()
	if p < e.last {
		p = e.last
	}
	e.last = p
	e.mx.Unlock()
	if e.publish != nil {
		e.publish(p)
	}
}

// Last returns the most recently published percentage.
func (e *Estimator) Last() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.last
}

// Stop ends the ticker goroutine and waits for it, so no tick can be
// published after Stop returns. Safe to call more than once and on an
// estimator which was never started.
func (e *Estimator) Stop() {
	e.mx.Lock()
	started := e.started
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.mx.Unlock()
	if started {
		<-e.done
	}
}
