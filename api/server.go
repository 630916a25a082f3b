package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"taskhub/command"
	"taskhub/events"
	"taskhub/files"
	"taskhub/model"
	"taskhub/monitor"
	"taskhub/notify"

	"github.com/sirupsen/logrus"
)

// Attacher links uploaded files to tasks. The local store satisfies it; in
// upstream mode there is none and uploads keep the task id as metadata only.
type Attacher interface {
	AttachFile(ctx context.Context, taskID, fileID string) (model.Task, error)
	DetachFile(ctx context.Context, taskID, fileID string) (model.Task, error)
}

type Deps struct {
	// Handler runs command envelopes: the local dispatcher or an upstream client.
	Commands command.Handler
	Attacher Attacher
	Files    *files.Service
	Tracker  *files.Tracker
	// Hub and Bus are nil when streams are not served by this process.
	Hub     *notify.Hub
	Bus     *events.Bus
	Metrics *monitor.Registry
	Prober  *monitor.Prober
	Log     *logrus.Entry
}

type Server struct {
	Deps
	log     *logrus.Entry
	started time.Time
}

const maxCommandBytes = 1 << 20

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewRegistry()
	}
	if deps.Tracker == nil {
		deps.Tracker = files.NewTracker(0)
	}
	return &Server{Deps: deps, log: deps.Log, started: time.Now()}
}

// NewServer builds the gateway's http.Server. WriteTimeout stays unset because
// streams manage their own per-message deadlines.
func NewServer(addr string, deps Deps) *http.Server {
	srv := New(deps)
	counters := srv.Metrics.For(monitor.HTTP)

	return &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				counters.Opened()
			case http.StateClosed, http.StateHijacked:
				counters.Closed()
			}
		},
	}
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{$}", s.postCommand)
	mux.HandleFunc("POST /api/command", s.postCommand)
	mux.HandleFunc("GET /notifications", s.getNotifications)

	mux.HandleFunc("GET /tasks", s.getTasks)
	mux.HandleFunc("POST /tasks", s.postTask)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.patchTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.deleteTask)

	mux.HandleFunc("GET /events", s.streamSSE)
	mux.HandleFunc("GET /ws", s.streamWebSocket)

	mux.HandleFunc("POST /upload", s.upload)
	mux.HandleFunc("GET /download/{id}", s.download)
	mux.HandleFunc("GET /files", s.listFiles)
	mux.HandleFunc("GET /files/{id}", s.statFile)
	mux.HandleFunc("DELETE /files/{id}", s.deleteFile)
	mux.HandleFunc("GET /uploads/{uploadId}", s.uploadProgress)

	mux.HandleFunc("GET /metrics", s.metrics)
	mux.HandleFunc("GET /healthz", s.healthz)

	return Chain(mux,
		WithRequestID,
		WithRecover(s.log),
		WithAccessLog(s.log),
		WithCORS,
		WithCounters(s.Metrics.For(monitor.HTTP)),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResponse sends an envelope with the HTTP status matching its code.
func writeResponse(w http.ResponseWriter, resp command.Response) {
	writeJSON(w, httpStatus(resp), resp)
}

func httpStatus(resp command.Response) int {
	if resp.OK() {
		return http.StatusOK
	}
	switch resp.Code {
	case command.CodeValidation, command.CodeBadRequest:
		return http.StatusBadRequest
	case command.CodeNotFound:
		return http.StatusNotFound
	case command.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case command.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		err = files.ErrTooLarge
	}
	resp := command.FromError(err)
	if resp.Code == command.CodeInternal {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeResponse(w, resp)
}
