package notify

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"taskhub/events"
	"taskhub/model"
	"taskhub/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startUDP(t *testing.T, opts UDPOptions) (*UDPServer, context.CancelFunc) {
	t.Helper()
	srv := NewUDPServer(opts)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, cancel
}

func TestUDPPingPong(t *testing.T) {
	counters := &monitor.Counters{}
	srv, _ := startUDP(t, UDPOptions{Counters: counters})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	detail, err := monitor.UDPCheck(srv.Addr().String())(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PONG", detail)
	assert.Equal(t, int64(1), counters.Snapshot().Requests)
}

func TestUDPRegisteredClientReceivesEvents(t *testing.T) {
	srv, _ := startUDP(t, UDPOptions{})

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()
	port := client.LocalAddr().(*net.UDPAddr).Port

	_, err = client.WriteTo([]byte(fmt.Sprintf("REGISTER:alice:%d", port)), srv.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, time.Second, 5*time.Millisecond)

	bus := events.NewBus()
	hub := NewHub(bus, HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Serve(ctx, srv)
	waitSubscribers(t, bus, 1)

	bus.Publish(model.TaskCreated(model.Task{ID: "task_1", Title: "Write report", Assignee: "Alice"}))

	buf := make([]byte, 1024)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err)
	ev, err := model.ParseLine(string(buf[:n]))
	require.NoError(t, err)
	assert.Equal(t, model.EventTaskCreated, ev.Type)
	assert.Equal(t, "task_1", ev.TaskID)
	assert.Equal(t, "Task 'Write report' assigned to Alice", ev.Message)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestUDPSweepDropsSilentClients(t *testing.T) {
	counters := &monitor.Counters{}
	srv := NewUDPServer(UDPOptions{ClientTTL: time.Minute, Counters: counters})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	srv.handle("REGISTER:alice:6000", from)
	srv.handle("REGISTER:bob", from)
	srv.handle("REGISTER::1", from)
	srv.handle("REGISTER:eve:notaport", from)
	assert.Equal(t, []string{"alice", "bob"}, srv.Clients())

	now = now.Add(45 * time.Second)
	srv.handle("HEARTBEAT:alice", from)
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, srv.Sweep())
	assert.Equal(t, []string{"alice"}, srv.Clients())
	assert.Equal(t, monitor.CounterSnapshot{Connections: 2, Active: 1}, counters.Snapshot())
}
