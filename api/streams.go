package api

import (
	"errors"
	"net/http"

	"taskhub/command"
	"taskhub/events"
	"taskhub/monitor"
	"taskhub/notify"
)

func lineFormat(r *http.Request) bool {
	return r.URL.Query().Get("format") == "line"
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeResponse(w, command.Failure(command.CodeUnavailable, "event stream not available"))
		return
	}
	counters := s.Metrics.For(monitor.Stream)
	sink, err := notify.NewSSESink(w, lineFormat(r), counters.Out)
	if err != nil {
		s.log.WithError(err).Warn("sse setup failed")
		return
	}
	s.serveSink(r, sink, counters)
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeResponse(w, command.Failure(command.CodeUnavailable, "event stream not available"))
		return
	}
	counters := s.Metrics.For(monitor.Stream)
	// Upgrade has already answered the client when it fails.
	sink, err := notify.UpgradeWebSocket(w, r, lineFormat(r), counters.Out)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.serveSink(r, sink, counters)
}

func (s *Server) serveSink(r *http.Request, sink notify.Sink, counters *monitor.Counters) {
	counters.Opened()
	counters.Request()
	defer counters.Closed()

	err := s.Hub.Serve(r.Context(), sink)
	if err != nil && !errors.Is(err, events.ErrSlowConsumer) {
		s.log.WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Debug("stream ended")
	}
}
