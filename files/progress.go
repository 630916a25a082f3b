package files

import (
	"sync"
	"time"
)

type Progress struct {
	UploadID  string    `json:"uploadId"`
	Received  int64     `json:"received"`
	Total     int64     `json:"total"`
	Percent   float64   `json:"percent"`
	Done      bool      `json:"done"`
	FileID    string    `json:"fileId,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker holds progress for uploads keyed by a client supplied upload id.
// Finished entries stay visible for the retain period.
type Tracker struct {
	retain time.Duration
	now    func() time.Time

	mu sync.Mutex
	m  map[string]*Progress
}

func NewTracker(retain time.Duration) *Tracker {
	if retain <= 0 {
		retain = time.Minute
	}
	return &Tracker{retain: retain, now: time.Now, m: make(map[string]*Progress)}
}

func (t *Tracker) Start(id string, total int64) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	t.m[id] = &Progress{UploadID: id, Total: total, UpdatedAt: t.now()}
}

func (t *Tracker) Update(id string, received, total int64) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if !ok {
		return
	}
	p.Received = received
	if total > 0 {
		p.Total = total
	}
	p.Percent = percent(p.Received, p.Total)
	p.UpdatedAt = t.now()
}

func (t *Tracker) Finish(id, fileID string, err error) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[id]
	if !ok {
		return
	}
	p.Done = true
	p.UpdatedAt = t.now()
	if err != nil {
		p.Error = err.Error()
		return
	}
	p.FileID = fileID
	if p.Total < p.Received {
		p.Total = p.Received
	}
	p.Percent = 100
}

func (t *Tracker) Get(id string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	p, ok := t.m[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

func (t *Tracker) pruneLocked() {
	cutoff := t.now().Add(-t.retain)
	for id, p := range t.m {
		if p.Done && p.UpdatedAt.Before(cutoff) {
			delete(t.m, id)
		}
	}
}

func percent(received, total int64) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(received) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	return pct
}
