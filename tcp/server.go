package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"taskhub/command"
	"taskhub/monitor"
	"taskhub/worker"

	"github.com/sirupsen/logrus"
)

const (
	DefaultIdleTimeout = 5 * time.Second
	DefaultMaxLine     = 1 << 20
)

type Options struct {
	// IdleTimeout closes connections that send no complete line for this long.
	IdleTimeout time.Duration
	MaxLine     int
	// Pool runs one job per connection. Required.
	Pool *worker.Pool
	// AcceptWait bounds how long a new connection waits for a free worker.
	AcceptWait time.Duration
	Counters   *monitor.Counters
	Log        *logrus.Entry
}

// Server speaks newline-delimited JSON envelopes: one request line in, one
// response line out, any number of requests per connection.
type Server struct {
	handler command.Handler
	opts    Options
	log     *logrus.Entry

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(h command.Handler, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	if opts.AcceptWait <= 0 {
		opts.AcceptWait = time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{handler: h, opts: opts, log: opts.Log, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done, then closes the listener and
// every open connection.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Infof("tcp task server listening on %s", s.ln.Addr())
	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept")
			continue
		}
		s.track(conn, true)
		s.opts.Counters.Opened()

		submitCtx, cancel := context.WithTimeout(ctx, s.opts.AcceptWait)
		err = s.opts.Pool.Submit(submitCtx, func(ctx context.Context) error {
			s.handle(ctx, conn)
			return nil
		})
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("no free worker, rejecting connection")
			s.write(conn, command.Failure(command.CodeUnavailable, "server busy"))
			s.release(conn)
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.release(conn)
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("client connected")

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, min(4096, s.opts.MaxLine)), s.opts.MaxLine)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if !sc.Scan() {
			break
		}
		line := sc.Bytes()
		s.opts.Counters.In(len(line) + 1)
		if len(line) == 0 {
			continue
		}
		s.opts.Counters.Request()

		var resp command.Response
		req, err := command.Decode(line)
		if err != nil {
			resp = command.FromError(err)
		} else {
			resp = s.handler.Handle(ctx, req)
		}
		if err := s.write(conn, resp); err != nil {
			log.WithError(err).Debug("write response")
			return
		}
	}

	var ne net.Error
	switch err := sc.Err(); {
	case err == nil:
		log.Debug("client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn("request line too long")
		s.write(conn, command.Failure(command.CodeBadRequest, "request line too long"))
	case errors.As(err, &ne) && ne.Timeout():
		log.Debug("idle timeout")
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
	default:
		log.WithError(err).Info("read request")
	}
}

func (s *Server) write(conn net.Conn, resp command.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(command.Failure(command.CodeInternal, "internal error"))
	}
	b = append(b, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
	n, err := conn.Write(b)
	s.opts.Counters.Out(n)
	return err
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) release(conn net.Conn) {
	s.track(conn, false)
	conn.Close()
	s.opts.Counters.Closed()
}
