package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Check probes one dependency. The returned detail is shown next to the
// result, e.g. a status code or a response preview.
type Check func(ctx context.Context) (detail string, err error)

type Result struct {
	OK        bool      `json:"ok"`
	LatencyMS float64   `json:"latencyMs"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

type Prober struct {
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Entry

	mu      sync.RWMutex
	checks  map[string]Check
	results map[string]Result
}

func NewProber(interval, timeout time.Duration, log *logrus.Entry) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Prober{
		interval: interval,
		timeout:  timeout,
		log:      log,
		checks:   make(map[string]Check),
		results:  make(map[string]Result),
	}
}

func (p *Prober) Add(name string, c Check) {
	p.mu.Lock()
	p.checks[name] = c
	p.mu.Unlock()
}

// Run probes every check once per interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce probes all checks concurrently and waits for them.
func (p *Prober) RunOnce(ctx context.Context) {
	p.mu.RLock()
	names := make([]string, 0, len(p.checks))
	checks := make([]Check, 0, len(p.checks))
	for name, c := range p.checks {
		names = append(names, name)
		checks = append(checks, c)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(name string, c Check) {
			defer wg.Done()
			res := p.probe(ctx, c)
			if !res.OK {
				p.log.WithField("probe", name).Warn(res.Error)
			}
			p.mu.Lock()
			p.results[name] = res
			p.mu.Unlock()
		}(names[i], checks[i])
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, c Check) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	detail, err := c(ctx)
	res := Result{
		OK:        err == nil,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		Detail:    detail,
		CheckedAt: start.UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (p *Prober) Results() map[string]Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Result, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

// Names lists registered checks in sorted order.
func (p *Prober) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.checks))
	for n := range p.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HTTPCheck expects a 2xx answer from url.
func HTTPCheck(client *http.Client, url string) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 100))
		detail := fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(preview)))
		if resp.StatusCode/100 != 2 {
			return detail, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return detail, nil
	}
}

// TCPCheck performs a GET_TASKS round trip against a line protocol server.
func TCPCheck(addr string) Check {
	return func(ctx context.Context) (string, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(dl)
		}
		if _, err := io.WriteString(conn, `{"action":"GET_TASKS"}`+"\n"); err != nil {
			return "", err
		}
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return "", err
		}
		var resp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		if resp.Status != "success" {
			return resp.Status, fmt.Errorf("status %q", resp.Status)
		}
		return resp.Status, nil
	}
}

// UDPCheck sends PING and waits for PONG.
func UDPCheck(addr string) Check {
	return func(ctx context.Context) (string, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(dl)
		}
		if _, err := conn.Write([]byte("PING")); err != nil {
			return "", err
		}
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return "", err
		}
		got := strings.TrimSpace(string(buf[:n]))
		if got != "PONG" {
			return got, fmt.Errorf("unexpected reply %q", got)
		}
		return got, nil
	}
}

// PingCheck adapts a client Ping method such as a Redis or Postgres pool.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) (string, error) {
		if err := ping(ctx); err != nil {
			return "", err
		}
		return "PONG", nil
	}
}
