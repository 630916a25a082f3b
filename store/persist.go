package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"taskhub/model"
)

// Persister mirrors the store outside the process. Writes are best effort.
type Persister interface {
	Load(ctx context.Context) ([]model.Task, error)
	Save(ctx context.Context, t model.Task) error
	Delete(ctx context.Context, id string) error
}

// FilePersister keeps all tasks in one JSON array file, rewritten on every
// change through a temp file and rename.
type FilePersister struct {
	path string

	mu    sync.Mutex
	order []string
	tasks map[string]model.Task
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path, tasks: make(map[string]model.Task)}
}

func (p *FilePersister) Load(context.Context) ([]model.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tasks []model.Task
	if len(data) > 0 {
		if err := json.Unmarshal(data, &tasks); err != nil {
			return nil, fmt.Errorf("decode %s: %w", p.path, err)
		}
	}
	p.order = p.order[:0]
	p.tasks = make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := p.tasks[t.ID]; !dup {
			p.order = append(p.order, t.ID)
		}
		p.tasks[t.ID] = t
	}
	return tasks, nil
}

func (p *FilePersister) Save(_ context.Context, t model.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[t.ID]; !ok {
		p.order = append(p.order, t.ID)
	}
	p.tasks[t.ID] = t.Clone()
	return p.flushLocked()
}

func (p *FilePersister) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[id]; !ok {
		return nil
	}
	delete(p.tasks, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return p.flushLocked()
}

func (p *FilePersister) flushLocked() error {
	list := make([]model.Task, 0, len(p.order))
	for _, id := range p.order {
		list = append(list, p.tasks[id])
	}
	// saves for different ids may land out of creation order
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".tasks-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p.path)
}
