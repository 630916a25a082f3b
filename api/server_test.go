package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskhub/command"
	"taskhub/events"
	"taskhub/files"
	"taskhub/model"
	"taskhub/monitor"
	"taskhub/notify"
	"taskhub/store"
	"taskhub/tcp"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv   *Server
	store *store.Store
	bus   *events.Bus
	files *files.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	history := notify.NewMemoryHistory(100, 0)
	bus := events.NewBus(history)
	st, err := store.Open(context.Background(), store.Options{Publisher: bus})
	require.NoError(t, err)
	fs, err := files.Open(files.Options{Dir: t.TempDir(), MaxBytes: 1024})
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	srv := New(Deps{
		Commands: command.NewDispatcher(st, history, entry),
		Attacher: st,
		Files:    fs,
		Hub:      notify.NewHub(bus, notify.HubOptions{Keepalive: time.Hour, Log: entry}),
		Bus:      bus,
		Metrics:  monitor.NewRegistry(),
		Log:      entry,
	})
	return &fixture{srv: srv, store: st, bus: bus, files: fs}
}

func (f *fixture) createTask(t *testing.T, title string) model.Task {
	t.Helper()
	task, err := f.store.Create(context.Background(), model.TaskInput{Title: title, Assignee: "Alice"})
	require.NoError(t, err)
	return task
}

func decodeEnvelope(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var env map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&env))
	return env
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "Write report")

	t.Run("existing task", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/tasks/"+task.ID, nil)
		req.SetPathValue("id", task.ID)
		w := httptest.NewRecorder()

		f.srv.getTask(w, req)

		resp := w.Result()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		env := decodeEnvelope(t, resp.Body)
		assert.Equal(t, "success", env["status"])
		assert.Equal(t, task.ID, env["data"].(map[string]any)["id"])
	})

	t.Run("non-existent task", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/tasks/task_99", nil)
		req.SetPathValue("id", "task_99")
		w := httptest.NewRecorder()

		f.srv.getTask(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
		env := decodeEnvelope(t, w.Body)
		assert.Equal(t, "NOT_FOUND", env["code"])
		assert.NotEmpty(t, env["message"])
	})
}

func TestPostTask(t *testing.T) {
	f := newFixture(t)

	t.Run("valid request", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/tasks", strings.NewReader(`{"title":"Ship it","assignee":"Bob","priority":"high"}`))
		w := httptest.NewRecorder()

		f.srv.postTask(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		env := decodeEnvelope(t, w.Body)
		data := env["data"].(map[string]any)
		assert.NotEmpty(t, data["taskId"])
		assert.Equal(t, "Task created successfully", data["message"])
		assert.Equal(t, 1, f.store.Count())
	})

	t.Run("missing title", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/tasks", strings.NewReader(`{"assignee":"Bob"}`))
		w := httptest.NewRecorder()

		f.srv.postTask(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_FAILED", decodeEnvelope(t, w.Body)["code"])
	})
}

func TestPatchAndDeleteTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "Write report")

	req := httptest.NewRequest("PATCH", "/tasks/"+task.ID, strings.NewReader(`{"status":"completed"}`))
	req.SetPathValue("id", task.ID)
	w := httptest.NewRecorder()
	f.srv.patchTask(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decodeEnvelope(t, w.Body)["data"].(map[string]any)["status"])

	req = httptest.NewRequest("PATCH", "/tasks/"+task.ID, strings.NewReader(`{"status":"done"}`))
	req.SetPathValue("id", task.ID)
	w = httptest.NewRecorder()
	f.srv.patchTask(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest("DELETE", "/tasks/"+task.ID, nil)
	req.SetPathValue("id", task.ID)
	w = httptest.NewRecorder()
	f.srv.deleteTask(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := f.store.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommandEndpoint(t *testing.T) {
	f := newFixture(t)
	h := f.srv.Handler()

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
		return w
	}

	w := post("/", `{"action":"CREATE_TASK","data":{"title":"Write report","assignee":"Alice"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = post("/api/command", `{"action":"GET_TASKS"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeEnvelope(t, w.Body)["data"], 1)

	cases := []struct {
		body   string
		status int
		code   string
	}{
		{`not json`, http.StatusBadRequest, "BAD_REQUEST"},
		{`{"data":{}}`, http.StatusBadRequest, "BAD_REQUEST"},
		{`{"action":"RESET"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{`{"action":"GET_TASK","data":{"taskId":"task_x"}}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		w := post("/", tc.body)
		assert.Equal(t, tc.status, w.Code, tc.body)
		env := decodeEnvelope(t, w.Body)
		assert.Equal(t, "error", env["status"], tc.body)
		assert.Equal(t, tc.code, env["code"], tc.body)
	}

	w = post("/", strings.Repeat("x", maxCommandBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestNotificationsEndpoint(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "a")
	_, err := f.store.Update(context.Background(), task.ID, model.TaskPatch{Status: ptr("completed")})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	f.srv.getNotifications(w, httptest.NewRequest("GET", "/notifications", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Status string        `json:"status"`
		Data   []model.Event `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.Len(t, env.Data, 2)
	assert.Equal(t, model.EventTaskUpdated, env.Data[0].Type)
	assert.Equal(t, model.EventTaskCreated, env.Data[1].Type)

	w = httptest.NewRecorder()
	f.srv.getNotifications(w, httptest.NewRequest("GET", "/notifications?since=1", nil))
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	require.Len(t, env.Data, 1)

	w = httptest.NewRecorder()
	f.srv.getNotifications(w, httptest.NewRequest("GET", "/notifications?since=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoverReturnsEnvelope(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), WithRequestID, WithRecover(logrus.NewEntry(log)))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	env := decodeEnvelope(t, w.Body)
	assert.Equal(t, "INTERNAL", env["code"])
	assert.Equal(t, "internal error", env["message"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, httptest.NewRequest("OPTIONS", "/upload", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

type formPart struct {
	name, filename, value string
}

func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename != "" {
			fw, err := mw.CreateFormFile(p.name, p.filename)
			require.NoError(t, err)
			_, _ = fw.Write([]byte(p.value))
			continue
		}
		require.NoError(t, mw.WriteField(p.name, p.value))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadDownloadDelete(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "Write report")
	h := f.srv.Handler()

	// taskId after the file part is applied once the content is stored
	body, ctype := multipartBody(t,
		formPart{name: "description", value: "weekly numbers"},
		formPart{name: "file", filename: "report.txt", value: "hello world"},
		formPart{name: "taskId", value: task.ID},
	)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("X-Upload-Id", "up-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var meta model.UploadedFile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&meta))
	assert.Equal(t, "report.txt", meta.Name)
	assert.Equal(t, int64(11), meta.Size)
	assert.Equal(t, task.ID, meta.TaskID)
	assert.Equal(t, "weekly numbers", meta.Description)

	got, err := f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, got.Attachments)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/uploads/up-1", nil))
	var p files.Progress
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.True(t, p.Done)
	assert.Equal(t, 100.0, p.Percent)
	assert.Equal(t, meta.ID, p.FileID)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/download/"+meta.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=report.txt`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/files", nil))
	var list []model.UploadedFile
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("DELETE", "/files/"+meta.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	got, err = f.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Attachments)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/download/"+meta.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("DELETE", "/files/"+meta.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadRejections(t *testing.T) {
	f := newFixture(t)
	h := f.srv.Handler()

	send := func(parts ...formPart) *httptest.ResponseRecorder {
		body, ctype := multipartBody(t, parts...)
		req := httptest.NewRequest("POST", "/upload", body)
		req.Header.Set("Content-Type", ctype)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := send(formPart{name: "file", filename: "big.bin", value: strings.Repeat("x", 2048)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "TOO_LARGE", decodeEnvelope(t, w.Body)["code"])

	w = send(formPart{name: "taskId", value: "task_missing"}, formPart{name: "file", filename: "a.txt", value: "abc"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send(formPart{name: "description", value: "no file"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("plain"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.files.List(context.Background()))
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?format=line")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitSubscribers(t, f.bus, 1)
	task := f.createTask(t, "Write report")

	r := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(rest)
		}
	}
	ev, err := model.ParseLine(data)
	require.NoError(t, err)
	assert.Equal(t, model.EventTaskCreated, ev.Type)
	assert.Equal(t, task.ID, ev.TaskID)

	resp.Body.Close()
	waitSubscribers(t, f.bus, 0)
	assert.Equal(t, int64(1), f.srv.Metrics.For(monitor.Stream).Snapshot().Connections)
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	waitSubscribers(t, f.bus, 1)
	task := f.createTask(t, "Write report")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventTaskCreated, ev.Type)
	assert.Equal(t, task.ID, ev.TaskID)

	require.NoError(t, conn.Close())
	waitSubscribers(t, f.bus, 0)
}

func TestStreamsUnavailableWithoutHub(t *testing.T) {
	f := newFixture(t)
	f.srv.Hub = nil
	w := httptest.NewRecorder()
	f.srv.streamSSE(w, httptest.NewRequest("GET", "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	h := f.srv.Handler()
	f.createTask(t, "a")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeEnvelope(t, w.Body)["status"])

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var m metricsPayload
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	assert.Equal(t, int64(2), m.Counters[monitor.HTTP].Requests)
	require.NotNil(t, m.Bus)
	assert.Equal(t, uint64(1), m.Bus.Published)
	require.NotNil(t, m.Streams)
	assert.Zero(t, m.Files)
}

func TestUpstreamUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := newFixture(t)
	f.srv.Commands = tcp.NewClient(addr, tcp.ClientOptions{Timeout: 200 * time.Millisecond, Retries: 1, Backoff: time.Millisecond})

	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"action":"GET_TASKS"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	env := decodeEnvelope(t, w.Body)
	assert.Equal(t, "task server unavailable", env["message"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestWriteErrorMapsMaxBytes(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	f.srv.writeError(w, httptest.NewRequest("POST", "/", nil), &http.MaxBytesError{Limit: 1})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	f.srv.writeError(w, httptest.NewRequest("POST", "/", nil), errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == n }, 2*time.Second, 5*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }
