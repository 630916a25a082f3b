package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"taskhub/model"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketSink sends one text message per event. A background reader
// discards client frames and reports the peer leaving through Done.
type WebSocketSink struct {
	conn  *websocket.Conn
	lines bool
	count func(int)

	done      chan struct{}
	closeOnce sync.Once
}

func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, lines bool, count func(int)) (*WebSocketSink, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if count == nil {
		count = func(int) {}
	}
	s := &WebSocketSink{conn: conn, lines: lines, count: count, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

func (s *WebSocketSink) readLoop() {
	defer close(s.done)
	s.conn.SetReadLimit(4096)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) Kind() Kind { return KindWebSocket }

func (s *WebSocketSink) Done() <-chan struct{} { return s.done }

func (s *WebSocketSink) Send(ev model.Event, deadline time.Time) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	var msg []byte
	if s.lines {
		msg = []byte(ev.Line())
	} else {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msg = b
	}
	s.count(len(msg))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *WebSocketSink) Keepalive(deadline time.Time) error {
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (s *WebSocketSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
