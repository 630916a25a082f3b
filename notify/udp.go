package notify

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskhub/model"
	"taskhub/monitor"

	"github.com/sirupsen/logrus"
)

type UDPOptions struct {
	// ClientTTL drops clients that sent nothing for this long.
	ClientTTL     time.Duration
	SweepInterval time.Duration
	Counters      *monitor.Counters
	Log           *logrus.Entry
}

type udpClient struct {
	addr     *net.UDPAddr
	lastSeen time.Time
	acks     uint64
}

// UDPServer keeps a registry of datagram clients and pushes every event to
// them as its pipe line. Datagrams it understands:
//
//	REGISTER:<user>:<port>  register or move <user>, replies go to <port>
//	HEARTBEAT:<user>        refresh <user>
//	ACK:<user>              client acknowledged a notification
//	PING                    answered with PONG
//
// It doubles as the hub Sink for the udp transport.
type UDPServer struct {
	opts UDPOptions
	log  *logrus.Entry
	now  func() time.Time

	conn net.PacketConn

	mu      sync.Mutex
	clients map[string]*udpClient
}

func NewUDPServer(opts UDPOptions) *UDPServer {
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.ClientTTL / 2
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &UDPServer{
		opts:    opts,
		log:     opts.Log,
		now:     time.Now,
		clients: make(map[string]*udpClient),
	}
}

func (s *UDPServer) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *UDPServer) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve reads datagrams until ctx is done. Listen must have succeeded.
func (s *UDPServer) Serve(ctx context.Context) error {
	s.log.Infof("udp notifications listening on %s", s.conn.LocalAddr())
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	go s.sweepLoop(ctx)

	buf := make([]byte, 1024)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("read datagram")
			continue
		}
		s.opts.Counters.Request()
		s.opts.Counters.In(n)
		s.handle(strings.TrimSpace(string(buf[:n])), from)
	}
}

func (s *UDPServer) handle(msg string, from net.Addr) {
	src, _ := from.(*net.UDPAddr)
	verb, rest, _ := strings.Cut(msg, ":")
	switch verb {
	case "PING":
		s.reply(from, "PONG")
	case "REGISTER":
		user, portStr, _ := strings.Cut(rest, ":")
		if user == "" || src == nil {
			s.log.WithField("from", from).Warnf("malformed register %q", msg)
			return
		}
		port := src.Port
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil || p <= 0 || p > 65535 {
				s.log.WithField("from", from).Warnf("bad register port %q", portStr)
				return
			}
			port = p
		}
		addr := &net.UDPAddr{IP: src.IP, Port: port, Zone: src.Zone}
		s.mu.Lock()
		_, known := s.clients[user]
		s.clients[user] = &udpClient{addr: addr, lastSeen: s.now()}
		s.mu.Unlock()
		if !known {
			s.opts.Counters.Opened()
		}
		s.log.WithField("user", user).Infof("registered at %s", addr)
	case "HEARTBEAT":
		s.mu.Lock()
		c, ok := s.clients[rest]
		if ok {
			c.lastSeen = s.now()
		}
		s.mu.Unlock()
		if !ok {
			s.log.WithField("user", rest).Debug("heartbeat from unregistered user")
		}
	case "ACK":
		s.mu.Lock()
		if c, ok := s.clients[rest]; ok {
			c.acks++
			c.lastSeen = s.now()
		}
		s.mu.Unlock()
	default:
		s.log.WithField("from", from).Debugf("unknown datagram %q", msg)
	}
}

func (s *UDPServer) reply(to net.Addr, msg string) {
	n, err := s.conn.WriteTo([]byte(msg), to)
	s.opts.Counters.Out(n)
	if err != nil {
		s.log.WithError(err).WithField("to", to).Warn("reply datagram")
	}
}

func (s *UDPServer) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep drops clients silent for longer than the TTL and returns how many
// were removed.
func (s *UDPServer) Sweep() int {
	cutoff := s.now().Add(-s.opts.ClientTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for user, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			delete(s.clients, user)
			s.opts.Counters.Closed()
			s.log.WithField("user", user).Info("removing inactive client")
			removed++
		}
	}
	return removed
}

// Clients lists registered users in sorted order.
func (s *UDPServer) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.clients))
	for u := range s.clients {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *UDPServer) Kind() Kind { return KindUDP }

// Send pushes ev to every registered client. Datagram writes do not block on
// the peer, so the deadline is not used. Failures for one client are logged
// and do not end the stream.
func (s *UDPServer) Send(ev model.Event, _ time.Time) error {
	s.mu.Lock()
	targets := make(map[string]*net.UDPAddr, len(s.clients))
	for u, c := range s.clients {
		targets[u] = c.addr
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}
	line := []byte(ev.Line())
	for user, addr := range targets {
		n, err := s.conn.WriteTo(line, addr)
		s.opts.Counters.Out(n)
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		if err != nil {
			s.log.WithError(err).WithField("user", user).Warn("push datagram")
		}
	}
	return nil
}

func (s *UDPServer) Keepalive(time.Time) error { return nil }

// Close is a no-op; the socket belongs to Serve.
func (s *UDPServer) Close() error { return nil }
