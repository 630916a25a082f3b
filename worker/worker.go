package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is a unit of work. A non-nil error triggers a retry while attempts remain.
type Job func(ctx context.Context) error

var ErrStopped = errors.New("worker pool stopped")

type Options struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
	// Drain runs queued jobs once more after the context is cancelled.
	Drain bool
	Log   *logrus.Entry
}

type task struct {
	key string
	fn  Job
}

// Pool runs jobs on a fixed set of goroutines. Jobs submitted with the same
// key always land on the same worker, so they run in submission order.
type Pool struct {
	opts   Options
	shared chan task
	keyed  []chan task

	done     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		opts:   opts,
		shared: make(chan task, opts.QueueSize),
		keyed:  make([]chan task, opts.Workers),
		done:   make(chan struct{}),
	}
	for i := range p.keyed {
		p.keyed[i] = make(chan task, opts.QueueSize)
	}
	return p
}

func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := p.opts.Log.WithField("worker", id+1)
			own := p.keyed[id]
			for {
				select {
				case <-ctx.Done():
					p.markStopped()
					if p.opts.Drain {
						p.drain(context.WithoutCancel(ctx), log, own)
					}
					log.Debug("shutting down")
					return
				case t := <-own:
					p.run(ctx, log, t)
				case t := <-p.shared:
					p.run(ctx, log, t)
				}
			}
		}(i)
	}
}

// Submit queues fn for any free worker, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, fn Job) error {
	return p.enqueue(ctx, p.shared, task{fn: fn})
}

// SubmitKeyed queues fn behind every earlier job with the same key.
func (p *Pool) SubmitKeyed(ctx context.Context, key string, fn Job) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	ch := p.keyed[int(h.Sum32()%uint32(len(p.keyed)))]
	return p.enqueue(ctx, ch, task{key: key, fn: fn})
}

func (p *Pool) enqueue(ctx context.Context, ch chan task, t task) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case ch <- t:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) markStopped() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Pool) drain(ctx context.Context, log *logrus.Entry, own chan task) {
	for {
		select {
		case t := <-own:
			p.run(ctx, log, t)
		case t := <-p.shared:
			p.run(ctx, log, t)
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, log *logrus.Entry, t task) {
	for attempt := 0; ; attempt++ {
		err := t.fn(ctx)
		if err == nil {
			return
		}
		if attempt >= p.opts.MaxRetries || ctx.Err() != nil {
			log.WithError(err).WithField("key", t.key).Errorf("job failed after %d retries", attempt)
			return
		}
		delay := p.opts.Backoff * time.Duration(1<<attempt)
		log.WithError(err).WithField("key", t.key).Warnf("retrying job in %v (attempt %d)", delay, attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}
