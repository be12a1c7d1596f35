package service

import (
	"sync"

	"github.com/shiftcraft/rosterd/internal/events"
)

// Publisher is the part of events.Bus the supervisor needs.
type Publisher interface {
	Publish(events.Event) events.Event
}

// relay turns every chunk written by the solver into a log event. Chunks are
// forwarded as they arrive, without line buffering.
type relay struct {
	mx     sync.Mutex
	pub    Publisher
	runID  string
	stream events.Stream
	closed bool
}

func newRelay(pub Publisher, runID string, stream events.Stream) *relay {
	return &relay{pub: pub, runID: runID, stream: stream}
}

func (r *relay) Write(p []byte) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.closed || len(p) == 0 {
		return len(p), nil
	}
	r.pub.Publish(events.Event{
		RunID:  r.runID,
		Kind:   events.KindLog,
		Stream: r.stream,
		Text:   string(p),
	})
	return len(p), nil
}

// Close detaches the relay. A Write in progress finishes first, later
// writes are discarded.
func (r *relay) Close() {
	r.mx.Lock()
	r.closed = true
	r.mx.Unlock()
}
