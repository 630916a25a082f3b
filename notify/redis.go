package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"

	"taskhub/model"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const historyKey = "taskhub:notifications"

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisMirror copies recorded events into a capped Redis list so the history
// window survives restarts. Writes happen on Run's goroutine; Record only
// queues.
type RedisMirror struct {
	client *redis.Client
	key    string
	size   int
	feed   chan model.Event
	log    *logrus.Entry

	dropped atomic.Uint64
}

func NewRedisMirror(client *redis.Client, size int, log *logrus.Entry) *RedisMirror {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisMirror{
		client: client,
		key:    historyKey,
		size:   size,
		feed:   make(chan model.Event, max(size, 256)),
		log:    log,
	}
}

func (m *RedisMirror) Record(ev model.Event) {
	select {
	case m.feed <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *RedisMirror) Dropped() uint64 { return m.dropped.Load() }

// Run writes queued events until ctx is done, then flushes what is left.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-m.feed:
					m.write(flush, ev)
				default:
					return nil
				}
			}
		case ev := <-m.feed:
			m.write(ctx, ev)
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, ev model.Event) {
	if err := m.Push(ctx, ev); err != nil {
		m.log.WithError(err).WithField("seq", ev.Seq).Warn("mirror notification to redis")
	}
}

// Push appends ev to the list and trims it to the window size.
func (m *RedisMirror) Push(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, m.key, data)
		pipe.LTrim(ctx, m.key, 0, int64(m.size-1))
		return nil
	})
	return err
}

// Load returns the stored window oldest first, ready for MemoryHistory.Seed.
func (m *RedisMirror) Load(ctx context.Context) ([]model.Event, error) {
	entries, err := m.client.LRange(ctx, m.key, 0, int64(m.size-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	evs := make([]model.Event, 0, len(entries))
	for _, entry := range entries {
		var ev model.Event
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			m.log.WithError(err).Warn("skipping malformed notification entry")
			continue
		}
		evs = append(evs, ev)
	}
	slices.Reverse(evs)
	return evs, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
