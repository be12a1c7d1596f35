package events_test

import (
	"sync"
	"testing"

	"github.com/shiftcraft/rosterd/internal/events"
	"github.com/stretchr/testify/require"
)

func drain(s *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e, ok := <-s.C:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestBus_PublishSince(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(3)

	first := bus.Publish(events.Event{RunID: "r1", Kind: events.KindProgress, Percent: 10})
	require.Equal(t, int64(1), first.Seq)
	require.False(t, first.Timestamp.IsZero())

	bus.Publish(events.Event{RunID: "r1", Kind: events.KindProgress, Percent: 20})
	bus.Publish(events.Event{RunID: "r1", Kind: events.KindLog, Text: "hello"})
	bus.Publish(events.Event{RunID: "r1", Kind: events.KindDone, Success: true})

	all := bus.Since(0)
	require.Len(t, all, 3, "oldest event is trimmed")
	require.Equal(t, int64(2), all[0].Seq)

	tail := bus.Since(3)
	require.Len(t, tail, 1)
	require.Equal(t, events.KindDone, tail[0].Kind)
}

func TestBus_SinceWraps(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(4)
	for n := range 11 {
		bus.Publish(events.Event{RunID: "r1", Kind: events.KindProgress, Percent: n})
	}

	all := bus.Since(0)
	require.Len(t, all, 4)
	for i, e := range all {
		require.Equal(t, int64(8+i), e.Seq)
		require.Equal(t, 7+i, e.Percent)
	}
	require.Equal(t, []events.Event{all[3]}, bus.Since(10))
	require.Empty(t, bus.Since(11))
}

func TestBus_Subscribe(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(0)

	all := bus.Subscribe(10)
	logs := bus.Subscribe(10, events.KindLog)
	require.Equal(t, 2, bus.Subscribers())

	bus.Publish(events.Event{RunID: "r1", Kind: events.KindProgress, Percent: 5})
	bus.Publish(events.Event{RunID: "r1", Kind: events.KindLog, Stream: events.Stderr, Text: "warn"})

	require.Len(t, drain(all), 2)
	got := drain(logs)
	require.Len(t, got, 1)
	require.Equal(t, events.Stderr, got[0].Stream)

	logs.Close()
	logs.Close()
	require.Equal(t, 1, bus.Subscribers())
	_, ok := <-logs.C
	require.False(t, ok, "closed subscription channel")

	bus.Publish(events.Event{RunID: "r1", Kind: events.KindDone})
	require.Len(t, drain(all), 1, "detaching one subscriber does not affect the others")
	all.Close()
}

func TestBus_NoSubscribers(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(10)
	bus.Publish(events.Event{RunID: "r1", Kind: events.KindError, Message: "boom"})
	require.Len(t, bus.Since(0), 1)
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(10)
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	for i := range 3 {
		bus.Publish(events.Event{RunID: "r1", Kind: events.KindProgress, Percent: i})
	}

	require.True(t, slow.Dropped())
	require.False(t, fast.Dropped())
	require.Len(t, drain(slow), 1)
	require.Len(t, drain(fast), 3)
	require.Equal(t, 1, bus.Subscribers())

	// the replay buffer still has everything
	require.Len(t, bus.Since(0), 3)
	fast.Close()
}

func TestBus_Concurrent(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(1000)
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 100 {
				bus.Publish(events.Event{RunID: "r1", Kind: events.KindLog})
			}
		})
	}
	wg.Wait()

	got := drain(sub)
	require.Len(t, got, 400)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	sub.Close()
}

func TestKind_Terminal(t *testing.T) {
	t.Parallel()
	require.True(t, events.KindDone.Terminal())
	require.True(t, events.KindError.Terminal())
	require.False(t, events.KindLog.Terminal())
	require.False(t, events.KindProgress.Terminal())
}
