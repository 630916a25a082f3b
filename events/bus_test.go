package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"taskhub/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceRecorder struct {
	mu  sync.Mutex
	evs []model.Event
}

func (r *sliceRecorder) Record(ev model.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func ev(taskID string, i int) model.Event {
	return model.Event{Type: model.EventTaskUpdated, TaskID: taskID, Message: fmt.Sprint(i)}
}

func TestPublishStampsAndRecords(t *testing.T) {
	rec := &sliceRecorder{}
	bus := NewBus(rec)

	first := bus.Publish(ev("task_1", 0))
	second := bus.Publish(ev("task_1", 1))

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.Timestamp.IsZero())
	require.Len(t, rec.evs, 2)
	assert.Equal(t, first, rec.evs[0])
}

func TestSubscribersSeeOnlyLaterEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(ev("task_1", 0))

	sub := bus.Subscribe(Options{QueueSize: 8})
	bus.Publish(ev("task_1", 1))

	got := <-sub.Events()
	assert.Equal(t, "1", got.Message)
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestEverySubscriberSeesPerKeyOrder(t *testing.T) {
	bus := NewBus()
	subs := []*Subscription{
		bus.Subscribe(Options{QueueSize: 1024}),
		bus.Subscribe(Options{QueueSize: 1024}),
		bus.Subscribe(Options{QueueSize: 1024}),
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(ev(id, i))
			}
		}(id)
	}
	wg.Wait()

	for _, s := range subs {
		next := map[string]int{}
		var lastSeq uint64
		for i := 0; i < 400; i++ {
			e := <-s.Events()
			assert.Equal(t, fmt.Sprint(next[e.TaskID]), e.Message)
			assert.Greater(t, e.Seq, lastSeq)
			lastSeq = e.Seq
			next[e.TaskID]++
		}
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Options{QueueSize: 3, Policy: DropOldest})

	for i := 0; i < 10; i++ {
		bus.Publish(ev("task_1", i))
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-sub.Events()).Message)
	}
	assert.Equal(t, []string{"7", "8", "9"}, got)
	assert.Equal(t, uint64(7), sub.Dropped())
	assert.Equal(t, uint64(7), bus.Stats().Dropped)
	assert.NoError(t, sub.Err())
}

func TestSlowSubscriberIsDisconnectedWithoutStallingOthers(t *testing.T) {
	bus := NewBus()
	stalled := bus.Subscribe(Options{QueueSize: 2, Policy: Disconnect})
	fast := bus.Subscribe(Options{QueueSize: 2, Policy: Disconnect})

	received := make(chan model.Event, 100)
	go func() {
		for e := range fast.Events() {
			received <- e
		}
	}()

	start := time.Now()
	for i := 0; i < 50; i++ {
		bus.Publish(ev("task_1", i))
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	for range stalled.Events() {
	}
	assert.ErrorIs(t, stalled.Err(), ErrSlowConsumer)
	assert.NoError(t, fast.Err())
	assert.Equal(t, uint64(1), bus.Stats().Evicted)
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(Options{})
	b := bus.Subscribe(Options{})
	assert.Equal(t, 2, bus.Stats().Subscribers)

	bus.Unsubscribe(a)
	bus.Unsubscribe(a)
	_, open := <-a.Events()
	assert.False(t, open)
	assert.ErrorIs(t, a.Err(), ErrClosed)

	bus.Close()
	_, open = <-b.Events()
	assert.False(t, open)

	late := bus.Subscribe(Options{})
	_, open = <-late.Events()
	assert.False(t, open)
	assert.Equal(t, 0, bus.Stats().Subscribers)
}

func TestResumeAfter(t *testing.T) {
	bus := NewBus()
	bus.ResumeAfter(41)
	bus.ResumeAfter(7)
	assert.Equal(t, uint64(42), bus.Publish(ev("task_1", 0)).Seq)
}
