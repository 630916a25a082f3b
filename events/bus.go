package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"taskhub/model"

	"github.com/google/uuid"
)

// ErrSlowConsumer is reported by a subscription evicted under the Disconnect policy.
var ErrSlowConsumer = errors.New("subscriber queue overflow")

// ErrClosed is reported by subscriptions closed by Unsubscribe or Bus.Close.
var ErrClosed = errors.New("subscription closed")

type Policy int

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = iota
	// Disconnect closes the subscription when its queue is full.
	Disconnect
)

// Recorder receives every event synchronously during Publish. It must not block.
type Recorder interface {
	Record(model.Event)
}

type Options struct {
	QueueSize int
	Policy    Policy
	Label     string
}

type Subscription struct {
	ID    string
	Label string

	ch     chan model.Event
	policy Policy

	mu      sync.Mutex
	closed  bool
	err     error
	dropped atomic.Uint64
}

// Events yields events in publication order; it is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Err reports why the subscription ended, nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) offer(ev model.Event) (evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return false
	default:
	}
	if s.policy == Disconnect {
		s.closeLocked(ErrSlowConsumer)
		return true
	}
	// Only publishers send and they hold s.mu, so one receive frees a slot.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
	return false
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
}

// Bus fans events out to subscribers. Publish never waits on a subscriber.
type Bus struct {
	// pubMu orders publications so sequence numbers match delivery order.
	pubMu     sync.Mutex
	mu        sync.RWMutex
	subs      map[string]*Subscription
	recorders []Recorder
	closed    bool

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	now func() time.Time
}

func NewBus(recorders ...Recorder) *Bus {
	return &Bus{
		subs:      make(map[string]*Subscription),
		recorders: recorders,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AddRecorder registers r for every event published afterwards.
func (b *Bus) AddRecorder(r Recorder) {
	b.mu.Lock()
	b.recorders = append(b.recorders, r)
	b.mu.Unlock()
}

// ResumeAfter makes the next sequence number at least seq+1, so cursors taken
// from a restored history stay valid.
func (b *Bus) ResumeAfter(seq uint64) {
	for {
		cur := b.seq.Load()
		if cur >= seq || b.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Publish stamps ev with the next sequence number (and a timestamp when
// missing) and returns the stamped event.
func (b *Bus) Publish(ev model.Event) model.Event {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev.Seq = b.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.published.Add(1)

	for _, r := range b.recorders {
		r.Record(ev)
	}
	for _, s := range b.subs {
		before := s.Dropped()
		if s.offer(ev) {
			b.evicted.Add(1)
		}
		if d := s.Dropped() - before; d > 0 {
			b.dropped.Add(d)
		}
	}
	return ev
}

func (b *Bus) Subscribe(opts Options) *Subscription {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	s := &Subscription{
		ID:     uuid.NewString(),
		Label:  opts.Label,
		ch:     make(chan model.Event, opts.QueueSize),
		policy: opts.Policy,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked(ErrClosed)
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.ID)
	b.mu.Unlock()
	s.close(ErrClosed)
}

// Close ends every subscription; later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		s.close(ErrClosed)
		delete(b.subs, id)
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Evicted:     b.evicted.Load(),
	}
}
