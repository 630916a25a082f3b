package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskhub/model"
)

var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// SSESink writes events as server-sent events. Data is the JSON event, or the
// pipe line when Lines is set.
type SSESink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	lines bool
	count func(int)
}

// NewSSESink writes the stream headers and flushes them. count, if not nil,
// receives the number of bytes written per frame.
func NewSSESink(w http.ResponseWriter, lines bool, count func(int)) (*SSESink, error) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, ErrStreamingUnsupported
	}
	if count == nil {
		count = func(int) {}
	}
	s := &SSESink{w: w, rc: rc, lines: lines, count: count}
	if err := s.write(": connected\n\n", time.Now().Add(5*time.Second)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SSESink) Kind() Kind { return KindSSE }

func (s *SSESink) Send(ev model.Event, deadline time.Time) error {
	var data string
	if s.lines {
		data = ev.Line()
	} else {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		data = string(b)
	}
	return s.write(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data), deadline)
}

func (s *SSESink) Keepalive(deadline time.Time) error {
	return s.write(": ping\n\n", deadline)
}

func (s *SSESink) Close() error { return nil }

func (s *SSESink) write(frame string, deadline time.Time) error {
	if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	n, err := fmt.Fprint(s.w, frame)
	s.count(n)
	if err != nil {
		return err
	}
	return s.rc.Flush()
}
