package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shiftcraft/rosterd/internal/events"
)

const subscriberBuffer = 256

// streamQuery is shared by the SSE and WebSocket endpoints:
//
//	?since=SEQ       replay buffered events newer than SEQ first
//	?kind=K (repeat) only deliver these kinds
//
// For SSE the Last-Event-ID header of a reconnecting client takes the place
// of since.
type streamQuery struct {
	since  int64
	replay bool
	kinds  []events.Kind
}

func parseStreamQuery(r *http.Request) (streamQuery, error) {
	var q streamQuery
	since := r.URL.Query().Get("since")
	if since == "" {
		since = r.Header.Get("Last-Event-ID")
	}
	if since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid since %q", since)
		}
		q.since, q.replay = n, true
	}
	for _, k := range r.URL.Query()["kind"] {
		switch kind := events.Kind(k); kind {
		case events.KindProgress, events.KindLog, events.KindDone, events.KindError:
			q.kinds = append(q.kinds, kind)
		default:
			return q, fmt.Errorf("unknown event kind %q", k)
		}
	}
	return q, nil
}

func (q streamQuery) wants(k events.Kind) bool {
	if len(q.kinds) == 0 {
		return true
	}
	for _, kind := range q.kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// subscribe attaches to the bus and returns the backlog the client asked
// for. Subscribing first and filtering by sequence number afterwards means
// no event falls between replay and live delivery.
func (s *Server) subscribe(q streamQuery) (*events.Subscription, []events.Event) {
	sub := s.bus.Subscribe(subscriberBuffer, q.kinds...)
	if !q.replay {
		return sub, nil
	}
	var backlog []events.Event
	for _, e := range s.bus.Since(q.since) {
		if q.wants(e.Kind) {
			backlog = append(backlog, e)
		}
	}
	return sub, backlog
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseStreamQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		sub, backlog := s.subscribe(q)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		var last int64
		for _, e := range backlog {
			if err := writeSSE(w, e); err != nil {
				return
			}
			last = e.Seq
		}
		flusher.Flush()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case e, ok := <-sub.C:
				if !ok {
					// dropped as a slow subscriber, the client reconnects
					// with Last-Event-ID
					slog.InfoContext(r.Context(), "event stream subscriber dropped", "last_seq", last)
					return
				}
				if e.Seq <= last {
					continue
				}
				if err := writeSSE(w, e); err != nil {
					return
				}
				last = e.Seq
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
