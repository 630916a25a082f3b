package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskhub/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxBytes    = 50 << 20
	defaultContentType = "application/octet-stream"
	partialDir         = ".partial"
	metaSuffix         = ".json"
)

type Options struct {
	Dir      string
	MaxBytes int64
	Clock    func() time.Time
	Log      *logrus.Entry
}

type UploadRequest struct {
	Name         string
	ContentType  string
	DeclaredSize int64 // 0 when unknown
	TaskID       string
	Description  string
	Body         io.Reader
	// Progress, if set, is called as bytes arrive.
	Progress func(received, total int64)
}

// Service stores uploads on disk under their generated id. Content is written
// to a partial file first and renamed into place once complete, and the id is
// published only after its metadata sidecar is written.
type Service struct {
	dir   string
	limit int64
	now   func() time.Time
	log   *logrus.Entry

	mu    sync.RWMutex
	index map[string]model.UploadedFile
}

func Open(opts Options) (*Service, error) {
	if opts.Dir == "" {
		opts.Dir = filepath.Join("data", "files")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		dir:   opts.Dir,
		limit: opts.MaxBytes,
		now:   opts.Clock,
		log:   opts.Log,
		index: make(map[string]model.UploadedFile),
	}
	if err := os.MkdirAll(filepath.Join(s.dir, partialDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load drops leftovers of interrupted uploads and indexes committed files.
func (s *Service) load() error {
	partials, _ := filepath.Glob(filepath.Join(s.dir, partialDir, "*"))
	for _, p := range partials {
		_ = os.Remove(p)
	}
	metas, err := filepath.Glob(filepath.Join(s.dir, "*"+metaSuffix))
	if err != nil {
		return err
	}
	for _, path := range metas {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		var meta model.UploadedFile
		if err := json.Unmarshal(data, &meta); err != nil {
			s.log.WithError(err).WithField("path", path).Warn("skipping unreadable file metadata")
			continue
		}
		if _, err := os.Stat(s.contentPath(meta.ID)); err != nil {
			s.log.WithField("file", meta.ID).Warn("metadata without content, removing")
			_ = os.Remove(path)
			continue
		}
		s.index[meta.ID] = meta
	}
	if len(s.index) > 0 {
		s.log.Infof("loaded %d stored files", len(s.index))
	}
	return nil
}

func (s *Service) Limit() int64 { return s.limit }

func (s *Service) Upload(ctx context.Context, req UploadRequest) (model.UploadedFile, error) {
	if req.DeclaredSize > s.limit {
		return model.UploadedFile{}, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, req.DeclaredSize, s.limit)
	}

	id := uuid.NewString()
	partial := filepath.Join(s.dir, partialDir, id)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return model.UploadedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	src := &progressReader{ctx: ctx, r: io.LimitReader(req.Body, s.limit+1), total: req.DeclaredSize, report: req.Progress}
	n, err := io.Copy(f, src)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		_ = os.Remove(partial)
		if ctx.Err() != nil {
			return model.UploadedFile{}, ctx.Err()
		}
		return model.UploadedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	case n > s.limit:
		_ = os.Remove(partial)
		return model.UploadedFile{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.limit)
	}

	meta := model.UploadedFile{
		ID:          id,
		Name:        sanitizeFilename(req.Name),
		Size:        n,
		ContentType: contentType(req.ContentType, req.Name),
		TaskID:      req.TaskID,
		Description: req.Description,
		CreatedAt:   s.now(),
	}
	if err := os.Rename(partial, s.contentPath(id)); err != nil {
		_ = os.Remove(partial)
		return model.UploadedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := s.writeMeta(meta); err != nil {
		_ = os.Remove(s.contentPath(id))
		return model.UploadedFile{}, err
	}

	s.mu.Lock()
	s.index[id] = meta
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"file": id, "size": n}).Info("file stored")
	return meta, nil
}

// Annotate sets the owner task and description of a stored file.
func (s *Service) Annotate(_ context.Context, id, taskID, description string) (model.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[id]
	if !ok {
		return model.UploadedFile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if taskID != "" {
		meta.TaskID = taskID
	}
	if description != "" {
		meta.Description = description
	}
	if err := s.writeMeta(meta); err != nil {
		return model.UploadedFile{}, err
	}
	s.index[id] = meta
	return meta, nil
}

func (s *Service) Stat(_ context.Context, id string) (model.UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.index[id]
	if !ok {
		return model.UploadedFile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return meta, nil
}

// Open returns the content of id for reading. The caller closes it.
func (s *Service) Open(ctx context.Context, id string) (io.ReadSeekCloser, model.UploadedFile, error) {
	meta, err := s.Stat(ctx, id)
	if err != nil {
		return nil, model.UploadedFile{}, err
	}
	f, err := os.Open(s.contentPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, model.UploadedFile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, model.UploadedFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return f, meta, nil
}

func (s *Service) Delete(_ context.Context, id string) (model.UploadedFile, error) {
	s.mu.Lock()
	meta, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return model.UploadedFile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.index, id)
	s.mu.Unlock()

	var errs []error
	for _, p := range []string{s.metaPath(id), s.contentPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.log.WithField("file", id).Info("file deleted")
	return meta, nil
}

// List returns metadata for every stored file, oldest first.
func (s *Service) List(context.Context) []model.UploadedFile {
	s.mu.RLock()
	out := make([]model.UploadedFile, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) contentPath(id string) string { return filepath.Join(s.dir, id) }

func (s *Service) metaPath(id string) string { return filepath.Join(s.dir, id+metaSuffix) }

func (s *Service) writeMeta(meta model.UploadedFile) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, partialDir, meta.ID+metaSuffix)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, s.metaPath(meta.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

type progressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	received int64
	report   func(received, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.received += int64(n)
		if p.report != nil {
			p.report(p.received, p.total)
		}
	}
	return n, err
}

// sanitizeFilename strips directory components; the name is only used for
// display and Content-Disposition.
func sanitizeFilename(name string) string {
	clean := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	clean = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, clean)
	if clean == "." || clean == ".." || clean == "/" || clean == "" {
		return "unnamed"
	}
	return clean
}

func contentType(declared, name string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return defaultContentType
}
