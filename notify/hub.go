package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"taskhub/events"
	"taskhub/model"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "ws"
	KindUDP       Kind = "udp"
)

// Sink is one push transport. The hub calls Send and Keepalive from a single
// goroutine; a non-nil error ends the stream.
type Sink interface {
	Kind() Kind
	Send(ev model.Event, deadline time.Time) error
	Keepalive(deadline time.Time) error
	Close() error
}

// Gone is implemented by sinks that can notice the peer leaving on their own,
// such as a websocket whose reader saw a close frame.
type Gone interface {
	Done() <-chan struct{}
}

type HubOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Keepalive    time.Duration
	Log          *logrus.Entry
}

// Hub attaches sinks to the bus. Every sink gets its own subscription with the
// Disconnect policy, so a sink that falls behind is dropped instead of
// holding up the bus.
type Hub struct {
	bus  *events.Bus
	opts HubOptions

	active    map[Kind]*atomic.Int64
	delivered atomic.Uint64
	evicted   atomic.Uint64
}

func NewHub(bus *events.Bus, opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 15 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hub{bus: bus, opts: opts, active: make(map[Kind]*atomic.Int64)}
	for _, k := range []Kind{KindSSE, KindWebSocket, KindUDP} {
		h.active[k] = &atomic.Int64{}
	}
	return h
}

// Serve forwards events to sink until ctx ends, the sink fails, or the sink
// is evicted for being slow. The sink is closed and unsubscribed on return.
// A clean end (ctx done, bus closed, peer gone) returns nil.
func (h *Hub) Serve(ctx context.Context, sink Sink) error {
	kind := sink.Kind()
	sub := h.bus.Subscribe(events.Options{
		QueueSize: h.opts.QueueSize,
		Policy:    events.Disconnect,
		Label:     string(kind),
	})
	log := h.opts.Log.WithFields(logrus.Fields{"sink": kind, "subscriber": sub.ID})
	counter := h.active[kind]
	if counter != nil {
		counter.Add(1)
		defer counter.Add(-1)
	}
	defer sink.Close()
	defer h.bus.Unsubscribe(sub)
	log.Debug("subscriber registered")

	var gone <-chan struct{}
	if g, ok := sink.(Gone); ok {
		gone = g.Done()
	}

	ping := time.NewTicker(h.opts.Keepalive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("subscriber context done")
			return nil
		case <-gone:
			log.Debug("subscriber went away")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				if errors.Is(err, events.ErrSlowConsumer) {
					h.evicted.Add(1)
					log.Warn("subscriber evicted: queue overflow")
					return err
				}
				return nil
			}
			if err := sink.Send(ev, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				log.WithError(err).Info("subscriber write failed")
				return err
			}
			h.delivered.Add(1)
		case <-ping.C:
			if err := sink.Keepalive(time.Now().Add(h.opts.WriteTimeout)); err != nil {
				log.WithError(err).Info("subscriber keepalive failed")
				return err
			}
		}
	}
}

type HubStats struct {
	Active    map[Kind]int64 `json:"active"`
	Delivered uint64         `json:"delivered"`
	Evicted   uint64         `json:"evicted"`
}

func (h *Hub) Stats() HubStats {
	st := HubStats{
		Active:    make(map[Kind]int64, len(h.active)),
		Delivered: h.delivered.Load(),
		Evicted:   h.evicted.Load(),
	}
	for k, c := range h.active {
		st.Active[k] = c.Load()
	}
	return st
}
