package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"taskhub/command"

	"github.com/sirupsen/logrus"
)

type ClientOptions struct {
	Timeout time.Duration
	// Retries applies to read-only actions only.
	Retries int
	Backoff time.Duration
	Log     *logrus.Entry
}

// Client forwards envelopes to an upstream task server. It satisfies
// command.Handler so the HTTP gateway can front either a local store or a
// remote one.
type Client struct {
	addr string
	opts ClientOptions
	log  *logrus.Entry
}

func NewClient(addr string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{addr: addr, opts: opts, log: opts.Log.WithField("upstream", addr)}
}

// wireResponse keeps the upstream payload as raw JSON so it is relayed unchanged.
type wireResponse struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    command.Code    `json:"code,omitempty"`
}

func (c *Client) Handle(ctx context.Context, req command.Request) command.Response {
	attempts := 1
	if strings.HasPrefix(req.Action, "GET_") {
		attempts += c.opts.Retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.opts.Backoff * time.Duration(1<<(i-1))
			c.log.WithError(err).Warnf("retrying %s in %v", req.Action, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return command.Failure(command.CodeUnavailable, "task server unavailable")
			}
		}
		var resp command.Response
		resp, err = c.roundTrip(ctx, req)
		if err == nil {
			return resp
		}
	}
	c.log.WithError(err).WithField("action", req.Action).Error("upstream request failed")
	return command.Failure(command.CodeUnavailable, "task server unavailable")
}

func (c *Client) roundTrip(ctx context.Context, req command.Request) (command.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return command.Response{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	line, err := json.Marshal(req)
	if err != nil {
		return command.Response{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return command.Response{}, fmt.Errorf("write: %w", err)
	}

	r := bufio.NewReaderSize(conn, 64*1024)
	reply, err := r.ReadBytes('\n')
	if err != nil {
		return command.Response{}, fmt.Errorf("read: %w", err)
	}
	var wr wireResponse
	if err := json.Unmarshal(reply, &wr); err != nil {
		return command.Response{}, fmt.Errorf("decode reply: %w", err)
	}
	resp := command.Response{Status: wr.Status, Message: wr.Message, Code: wr.Code}
	if len(wr.Data) > 0 {
		resp.Data = wr.Data
	}
	return resp, nil
}
