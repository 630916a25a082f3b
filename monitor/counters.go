package monitor

import "sync/atomic"

type Protocol string

const (
	HTTP   Protocol = "http"
	TCP    Protocol = "tcp"
	UDP    Protocol = "udp"
	Stream Protocol = "stream"
)

// Counters tracks traffic for one protocol. A nil *Counters ignores updates.
type Counters struct {
	connections atomic.Int64
	active      atomic.Int64
	requests    atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
}

type CounterSnapshot struct {
	Connections int64 `json:"connections"`
	Active      int64 `json:"active"`
	Requests    int64 `json:"requests"`
	BytesIn     int64 `json:"bytesIn"`
	BytesOut    int64 `json:"bytesOut"`
}

func (c *Counters) Opened() {
	if c == nil {
		return
	}
	c.connections.Add(1)
	c.active.Add(1)
}

func (c *Counters) Closed() {
	if c == nil {
		return
	}
	c.active.Add(-1)
}

func (c *Counters) Request() {
	if c == nil {
		return
	}
	c.requests.Add(1)
}

func (c *Counters) In(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesIn.Add(int64(n))
}

func (c *Counters) Out(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesOut.Add(int64(n))
}

func (c *Counters) Snapshot() CounterSnapshot {
	if c == nil {
		return CounterSnapshot{}
	}
	return CounterSnapshot{
		Connections: c.connections.Load(),
		Active:      c.active.Load(),
		Requests:    c.requests.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
	}
}

// Registry holds one Counters per protocol. The set is fixed at construction
// so lookups need no locking.
type Registry struct {
	counters map[Protocol]*Counters
}

func NewRegistry() *Registry {
	r := &Registry{counters: make(map[Protocol]*Counters)}
	for _, p := range []Protocol{HTTP, TCP, UDP, Stream} {
		r.counters[p] = &Counters{}
	}
	return r
}

// For returns the counters for p, or nil when r is nil or p is unknown.
func (r *Registry) For(p Protocol) *Counters {
	if r == nil {
		return nil
	}
	return r.counters[p]
}

func (r *Registry) Snapshot() map[Protocol]CounterSnapshot {
	out := make(map[Protocol]CounterSnapshot, len(r.counters))
	for p, c := range r.counters {
		out[p] = c.Snapshot()
	}
	return out
}
