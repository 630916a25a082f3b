package api

import (
	"net/http"
	"time"

	"taskhub/events"
	"taskhub/monitor"
	"taskhub/notify"
)

type metricsPayload struct {
	UptimeSeconds float64                                     `json:"uptimeSeconds"`
	Counters      map[monitor.Protocol]monitor.CounterSnapshot `json:"counters"`
	Probes        map[string]monitor.Result                   `json:"probes,omitempty"`
	Bus           *events.Stats                               `json:"bus,omitempty"`
	Streams       *notify.HubStats                            `json:"streams,omitempty"`
	Files         int                                         `json:"files"`
	Process       *monitor.ProcessStats                       `json:"process,omitempty"`
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	out := metricsPayload{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Counters:      s.Metrics.Snapshot(),
		Files:         len(s.Files.List(r.Context())),
	}
	if s.Prober != nil {
		out.Probes = s.Prober.Results()
	}
	if s.Bus != nil {
		st := s.Bus.Stats()
		out.Bus = &st
	}
	if s.Hub != nil {
		st := s.Hub.Stats()
		out.Streams = &st
	}
	if ps, err := monitor.ReadProcess(r.Context()); err == nil {
		out.Process = &ps
	} else {
		s.log.WithError(err).Debug("read process stats")
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": time.Since(s.started).Seconds(),
	})
}
