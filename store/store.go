package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskhub/model"
	"taskhub/worker"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("task not found")

type Publisher interface {
	Publish(model.Event) model.Event
}

type Options struct {
	Publisher Publisher
	Persister Persister
	// Pool runs persistence writes; without one they run inline after the
	// record lock is released.
	Pool  *worker.Pool
	Clock func() time.Time
	NewID func() string
	Log   *logrus.Entry
}

type record struct {
	mu      sync.Mutex
	seq     uint64
	cur     atomic.Pointer[model.Task]
	deleted bool
}

// Store is the in-memory task collection. Mutations on one id are serialized
// by that record's mutex; readers load an immutable copy and never block.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	issued  map[string]struct{}
	nextSeq uint64

	pub   Publisher
	pers  Persister
	pool  *worker.Pool
	now   func() time.Time
	newID func() string
	log   *logrus.Entry
}

type nopPublisher struct{}

func (nopPublisher) Publish(ev model.Event) model.Event { return ev }

// Open builds a store and seeds it from the persister, if any.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		records: make(map[string]*record),
		issued:  make(map[string]struct{}),
		pub:     opts.Publisher,
		pers:    opts.Persister,
		pool:    opts.Pool,
		now:     opts.Clock,
		newID:   opts.NewID,
		log:     opts.Log,
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.newID == nil {
		gen, err := nanoid.Standard(21)
		if err != nil {
			return nil, fmt.Errorf("id generator: %w", err)
		}
		s.newID = func() string { return "task_" + gen() }
	}

	if s.pers != nil {
		tasks, err := s.pers.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load tasks: %w", err)
		}
		for _, t := range tasks {
			t := t.Clone()
			s.nextSeq++
			r := &record{seq: s.nextSeq}
			r.cur.Store(&t)
			s.records[t.ID] = r
			s.issued[t.ID] = struct{}{}
		}
		s.log.Infof("loaded %d tasks", len(tasks))
	}
	return s, nil
}

func (s *Store) Create(ctx context.Context, in model.TaskInput) (model.Task, error) {
	now := s.now()

	s.mu.Lock()
	id := s.newID()
	for _, dup := s.issued[id]; dup; _, dup = s.issued[id] {
		id = s.newID()
	}
	task, err := model.NewTask(id, in, now)
	if err != nil {
		s.mu.Unlock()
		return model.Task{}, err
	}
	s.issued[id] = struct{}{}
	s.nextSeq++
	r := &record{seq: s.nextSeq}
	r.cur.Store(&task)
	r.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()

	s.pub.Publish(model.TaskCreated(task))
	r.mu.Unlock()

	s.log.WithField("task", id).Debug("task created")
	s.persist(ctx, id)
	return task.Clone(), nil
}

// List returns every task in insertion order.
func (s *Store) List(context.Context) []model.Task {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]model.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.cur.Load().Clone())
	}
	return out
}

func (s *Store) Get(_ context.Context, id string) (model.Task, error) {
	r := s.lookup(id)
	if r == nil {
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.cur.Load().Clone(), nil
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Update(ctx context.Context, id string, patch model.TaskPatch) (model.Task, error) {
	if patch.IsEmpty() {
		return model.Task{}, model.Invalid("", "no fields to update")
	}
	return s.mutate(ctx, id, func(t model.Task) (model.Task, []string, error) {
		return t.Apply(patch)
	})
}

// AttachFile records fileID on the task. Attaching the same id twice is a no-op
// that still counts as an update.
func (s *Store) AttachFile(ctx context.Context, id, fileID string) (model.Task, error) {
	return s.mutate(ctx, id, func(t model.Task) (model.Task, []string, error) {
		next := t.Clone()
		if !slices.Contains(next.Attachments, fileID) {
			next.Attachments = append(next.Attachments, fileID)
		}
		return next, []string{"attachments"}, nil
	})
}

func (s *Store) DetachFile(ctx context.Context, id, fileID string) (model.Task, error) {
	return s.mutate(ctx, id, func(t model.Task) (model.Task, []string, error) {
		next := t.Clone()
		next.Attachments = slices.DeleteFunc(next.Attachments, func(f string) bool { return f == fileID })
		return next, []string{"attachments"}, nil
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	r := s.lookup(id)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	r.deleted = true
	s.pub.Publish(model.TaskDeleted(*r.cur.Load()))
	r.mu.Unlock()

	s.log.WithField("task", id).Debug("task deleted")
	s.persist(ctx, id)
	return nil
}

func (s *Store) mutate(ctx context.Context, id string, fn func(model.Task) (model.Task, []string, error)) (model.Task, error) {
	r := s.lookup(id)
	if r == nil {
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur := r.cur.Load()
	next, changed, err := fn(*cur)
	if err != nil {
		r.mu.Unlock()
		return model.Task{}, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	// updatedAt strictly advances even if the clock stalls or steps back
	next.UpdatedAt = s.now()
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = cur.UpdatedAt.Add(time.Nanosecond)
	}
	r.cur.Store(&next)
	s.pub.Publish(model.TaskChanged(next, changed))
	r.mu.Unlock()

	s.log.WithFields(logrus.Fields{"task": id, "fields": changed}).Debug("task updated")
	s.persist(ctx, id)
	return next.Clone(), nil
}

func (s *Store) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// persist writes the latest state of id. Jobs for one id run in order and each
// reads the state current at run time, so the final write always wins.
func (s *Store) persist(ctx context.Context, id string) {
	if s.pers == nil {
		return
	}
	job := func(ctx context.Context) error {
		r := s.lookup(id)
		if r == nil {
			return s.pers.Delete(ctx, id)
		}
		return s.pers.Save(ctx, *r.cur.Load())
	}
	if s.pool == nil {
		if err := job(ctx); err != nil {
			s.log.WithError(err).WithField("task", id).Error("persist task")
		}
		return
	}
	if err := s.pool.SubmitKeyed(context.WithoutCancel(ctx), id, job); err != nil {
		s.log.WithError(err).WithField("task", id).Error("queue task persistence")
	}
}
