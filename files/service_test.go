package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, limit int64) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc, err := Open(Options{Dir: dir, MaxBytes: limit})
	require.NoError(t, err)
	return svc, dir
}

func readAll(t *testing.T, svc *Service, id string) string {
	t.Helper()
	rc, _, err := svc.Open(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestUploadDownloadDelete(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, 1024)

	var reports [][2]int64
	meta, err := svc.Upload(ctx, UploadRequest{
		Name:         "../../etc/report.txt",
		DeclaredSize: 11,
		TaskID:       "task_1",
		Description:  "weekly",
		Body:         strings.NewReader("hello world"),
		Progress:     func(r, total int64) { reports = append(reports, [2]int64{r, total}) },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)
	assert.Equal(t, "report.txt", meta.Name)
	assert.Equal(t, int64(11), meta.Size)
	assert.Equal(t, "task_1", meta.TaskID)
	assert.True(t, strings.HasPrefix(meta.ContentType, "text/plain"))
	require.NotEmpty(t, reports)
	assert.Equal(t, [2]int64{11, 11}, reports[len(reports)-1])

	assert.Equal(t, "hello world", readAll(t, svc, meta.ID))
	_, got, err := svc.Open(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	list := svc.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, meta.ID, list[0].ID)

	_, err = svc.Delete(ctx, meta.ID)
	require.NoError(t, err)
	_, _, err = svc.Open(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Delete(ctx, meta.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, svc.List(ctx))
}

func TestDeclaredTooLargeTouchesNothing(t *testing.T) {
	svc, dir := newService(t, 10)
	body := &countingBody{r: strings.NewReader("x")}

	_, err := svc.Upload(context.Background(), UploadRequest{Name: "big.bin", DeclaredSize: 11, Body: body})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Zero(t, body.n)

	entries, err := os.ReadDir(filepath.Join(dir, partialDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStreamedTooLargeLeavesNoFile(t *testing.T) {
	svc, dir := newService(t, 10)

	_, err := svc.Upload(context.Background(), UploadRequest{Name: "big.bin", Body: bytes.NewReader(make([]byte, 11))})
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, svc.List(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, partialDir, entries[0].Name())

	meta, err := svc.Upload(context.Background(), UploadRequest{Name: "fits.bin", Body: bytes.NewReader(make([]byte, 10))})
	require.NoError(t, err)
	assert.Equal(t, int64(10), meta.Size)
}

func TestSameNameUploadsGetDistinctIDs(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, 1024)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i, content := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			meta, err := svc.Upload(ctx, UploadRequest{Name: "notes.txt", Body: strings.NewReader(content)})
			if assert.NoError(t, err) {
				ids[i] = meta.ID
			}
		}(i, content)
	}
	wg.Wait()

	require.NotEqual(t, ids[0], ids[1])
	assert.Equal(t, "first", readAll(t, svc, ids[0]))
	assert.Equal(t, "second", readAll(t, svc, ids[1]))
}

func TestFailedStreamLeavesNoFile(t *testing.T) {
	svc, _ := newService(t, 1024)
	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("connection reset")))

	_, err := svc.Upload(context.Background(), UploadRequest{Name: "a.txt", Body: body})
	assert.ErrorIs(t, err, ErrIO)
	assert.Empty(t, svc.List(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Upload(ctx, UploadRequest{Name: "a.txt", Body: strings.NewReader("data")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, svc.List(context.Background()))
}

func TestReopenRestoresIndex(t *testing.T) {
	ctx := context.Background()
	svc, dir := newService(t, 1024)
	meta, err := svc.Upload(ctx, UploadRequest{Name: "a.txt", Body: strings.NewReader("abc")})
	require.NoError(t, err)
	_, err = svc.Annotate(ctx, meta.ID, "task_7", "late note")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, partialDir, "stale"), []byte("x"), 0o644))

	reopened, err := Open(Options{Dir: dir, MaxBytes: 1024})
	require.NoError(t, err)
	got, err := reopened.Stat(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "task_7", got.TaskID)
	assert.Equal(t, "late note", got.Description)
	assert.Equal(t, "abc", readAll(t, reopened, meta.ID))

	_, err = os.Stat(filepath.Join(dir, partialDir, "stale"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestTracker(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Start("up-1", 200)
	tr.Update("up-1", 50, 0)
	p, ok := tr.Get("up-1")
	require.True(t, ok)
	assert.Equal(t, 25.0, p.Percent)
	assert.False(t, p.Done)

	tr.Finish("up-1", "file-1", nil)
	p, _ = tr.Get("up-1")
	assert.True(t, p.Done)
	assert.Equal(t, 100.0, p.Percent)
	assert.Equal(t, "file-1", p.FileID)

	tr.Start("up-2", 0)
	tr.Finish("up-2", "", ErrTooLarge)
	p, _ = tr.Get("up-2")
	assert.Equal(t, ErrTooLarge.Error(), p.Error)

	now = now.Add(2 * time.Minute)
	_, ok = tr.Get("up-1")
	assert.False(t, ok)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\a\file.txt`: "file.txt",
		"":                    "unnamed",
		"..":                  "unnamed",
		"bad\"name\n.txt":     "badname.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}

type countingBody struct {
	r io.Reader
	n int
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
