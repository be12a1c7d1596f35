// Package events is the typed publish/subscribe surface between the
// supervisor and the presentation layer.
//
// Publish never blocks. Each subscriber owns a buffered channel; a subscriber
// which does not keep up is disconnected (its channel is closed and Dropped
// reports true) instead of stalling the run. A disconnected or late
// subscriber recovers with Since, which replays from a bounded in-memory
// buffer, or with a status query on the supervisor.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/shiftcraft/rosterd/internal/model"
)

// Kind classifies messages emitted for a run.
type Kind string

const (
	KindProgress Kind = "progress"
	KindLog      Kind = "log"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Terminal reports whether no further event follows for the same run.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is a sequenced payload. Which fields are set depends on Kind.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`
	Kind      Kind      `json:"kind"`

	// progress
	Percent int `json:"percent,omitempty"`

	// log
	Stream Stream `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// done and error
	Success        bool                        `json:"success,omitempty"`
	Status         model.RunStatus             `json:"status,omitempty"`
	FailureKind    model.FailureKind           `json:"failureKind,omitempty"`
	Message        string                      `json:"message,omitempty"`
	Advice         string                      `json:"advice,omitempty"`
	ExitCode       *int                        `json:"exitCode,omitempty"`
	ElapsedSeconds float64                     `json:"elapsedSeconds,omitempty"`
	Outputs        map[model.OutputKind]string `json:"outputs,omitempty"`
}

const DefaultReplay = 1000

// Bus fans events out to subscribers and keeps the most recent ones.
type Bus struct {
	mx        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event // ring, oldest at head once full
	head      int
	subs      map[*Subscription]struct{}
}

// NewBus creates a bus which keeps the last maxEvents events for Since.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = DefaultReplay
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscription receives events of the kinds it asked for on C. C is closed
// by Close or when the bus drops a slow subscriber.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	kinds   []Kind
	bus     *Bus
	dropped bool
	closed  bool
}

// Subscribe attaches a new subscriber. No kinds means all kinds.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		C:     ch,
		ch:    ch,
		kinds: slices.Clone(kinds),
		bus:   b,
	}
	b.mx.Lock()
	b.subs[s] = struct{}{}
	b.mx.Unlock()
	return s
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Close detaches the subscriber. It does not affect the run.
func (s *Subscription) Close() {
	s.bus.mx.Lock()
	defer s.bus.mx.Unlock()
	s.bus.remove(s)
}

// Dropped reports whether the bus disconnected the subscriber because its
// buffer was full.
func (s *Subscription) Dropped() bool {
	s.bus.mx.RLock()
	defer s.bus.mx.RUnlock()
	return s.dropped
}

// remove must be called with b.mx held.
func (b *Bus) remove(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(b.subs, s)
	close(s.ch)
}

// Publish assigns sequence and timestamp, stores the event and delivers it
// to every interested subscriber.
func (b *Bus) Publish(event Event) Event {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if len(b.events) < b.maxEvents {
		b.events = append(b.events, event)
	} else {
		b.events[b.head] = event
		b.head = (b.head + 1) % b.maxEvents
	}

	for s := range b.subs {
		if !s.wants(event.Kind) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.dropped = true
			b.remove(s)
		}
	}
	return event
}

// Since returns buffered events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mx.RLock()
	defer b.mx.RUnlock()

	out := make([]Event, 0, len(b.events))
	for i := range len(b.events) {
		event := b.events[(b.head+i)%len(b.events)]
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs)
}
