package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"taskhub/api"
	"taskhub/command"
	"taskhub/config"
	"taskhub/events"
	"taskhub/files"
	"taskhub/monitor"
	"taskhub/notify"
	"taskhub/store"
	"taskhub/tcp"
	"taskhub/worker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger, closer := cfg.NewLogger()
	log := logrus.NewEntry(logger)

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("Shutdown signal received")
		cancel()
	}()

	err = run(ctx, cfg, log)
	cancel()
	if err != nil {
		log.WithError(err).Error("taskhub stopped with error")
		closer.Close()
		os.Exit(1)
	}
	log.Info("All workers stopped")
	closer.Close()
}

// app holds what the servers share while the process is being wired.
type app struct {
	cfg     config.Config
	log     *logrus.Entry
	metrics *monitor.Registry
	prober  *monitor.Prober

	// Background workers run on workerCtx, which ends only after every server
	// has returned, so queued persistence writes drain after the last request.
	workerCtx context.Context
	wg        sync.WaitGroup
	cleanups  []func()
}

func run(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	a := &app{
		cfg:       cfg,
		log:       log,
		metrics:   monitor.NewRegistry(),
		prober:    monitor.NewProber(cfg.ProbeInterval, 2*time.Second, log.WithField("component", "probe")),
		workerCtx: workerCtx,
	}
	defer func() {
		stopWorkers()
		a.wg.Wait()
		for i := len(a.cleanups) - 1; i >= 0; i-- {
			a.cleanups[i]()
		}
	}()

	// an early return must still stop whatever was started
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	fileSvc, err := files.Open(files.Options{
		Dir:      cfg.UploadDir,
		MaxBytes: cfg.MaxUploadBytes,
		Log:      log.WithField("component", "files"),
	})
	if err != nil {
		return fmt.Errorf("open file storage: %w", err)
	}
	deps := api.Deps{
		Files:   fileSvc,
		Tracker: files.NewTracker(time.Minute),
		Metrics: a.metrics,
		Prober:  a.prober,
		Log:     log.WithField("component", "http"),
	}

	if cfg.GatewayUpstream != "" {
		log.Infof("gateway mode: forwarding commands to %s", cfg.GatewayUpstream)
		deps.Commands = tcp.NewClient(cfg.GatewayUpstream, tcp.ClientOptions{
			Retries: cfg.UpstreamRetries,
			Log:     log.WithField("component", "upstream"),
		})
		a.prober.Add("upstream", monitor.TCPCheck(cfg.GatewayUpstream))
	} else if err := a.startTaskServer(ctx, gctx, g, &deps); err != nil {
		return err
	}

	httpLn, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	server := api.NewServer(cfg.ServerAddr, deps)
	// streams end with the process context rather than holding Shutdown open
	server.BaseContext = func(net.Listener) context.Context { return gctx }
	a.prober.Add("http", monitor.HTTPCheck(&http.Client{Timeout: 2 * time.Second}, "http://"+loopback(httpLn.Addr())+"/healthz"))

	g.Go(func() error {
		log.Infof("Starting server on %s", httpLn.Addr())
		if err := server.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}
		return nil
	})
	g.Go(func() error { return a.prober.Run(gctx) })

	return g.Wait()
}

// startTaskServer wires the local store with its bus, history, persistence
// and streams, and starts the TCP and UDP listeners on g.
func (a *app) startTaskServer(ctx, gctx context.Context, g *errgroup.Group, deps *api.Deps) error {
	cfg, log := a.cfg, a.log

	history := notify.NewMemoryHistory(cfg.HistorySize, cfg.HistoryMaxAge)
	bus := events.NewBus(history)
	a.cleanups = append(a.cleanups, bus.Close)

	if cfg.RedisAddr != "" {
		if err := a.startMirror(ctx, bus, history); err != nil {
			return err
		}
	}

	persister, err := a.openPersister(ctx)
	if err != nil {
		return err
	}
	persistPool := worker.New(worker.Options{
		Workers:    cfg.WorkerCount,
		MaxRetries: 3,
		Drain:      true,
		Log:        log.WithField("component", "persist"),
	})
	persistPool.Start(a.workerCtx, &a.wg)

	st, err := store.Open(ctx, store.Options{
		Publisher: bus,
		Persister: persister,
		Pool:      persistPool,
		Log:       log.WithField("component", "store"),
	})
	if err != nil {
		return err
	}
	log.Infof("task store ready with %d tasks", st.Count())

	dispatcher := command.NewDispatcher(st, history, log.WithField("component", "command"))
	hub := notify.NewHub(bus, notify.HubOptions{
		QueueSize:    cfg.SubscriberQueue,
		WriteTimeout: cfg.StreamWriteTimeout,
		Keepalive:    cfg.StreamKeepalive,
		Log:          log.WithField("component", "hub"),
	})
	deps.Commands = dispatcher
	deps.Attacher = st
	deps.Hub = hub
	deps.Bus = bus

	tcpPool := worker.New(worker.Options{
		Workers:   cfg.TCPWorkers,
		QueueSize: cfg.TCPWorkers,
		Log:       log.WithField("component", "tcp"),
	})
	tcpPool.Start(gctx, &a.wg)
	tcpSrv := tcp.NewServer(dispatcher, tcp.Options{
		IdleTimeout: cfg.TCPIdleTimeout,
		Pool:        tcpPool,
		Counters:    a.metrics.For(monitor.TCP),
		Log:         log.WithField("component", "tcp"),
	})
	if err := tcpSrv.Listen(cfg.TCPAddr); err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	a.prober.Add("tcp", monitor.TCPCheck(loopback(tcpSrv.Addr())))
	g.Go(func() error { return tcpSrv.Serve(gctx) })

	udpSrv := notify.NewUDPServer(notify.UDPOptions{
		ClientTTL: cfg.UDPClientTTL,
		Counters:  a.metrics.For(monitor.UDP),
		Log:       log.WithField("component", "udp"),
	})
	if err := udpSrv.Listen(cfg.UDPAddr); err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	a.prober.Add("udp", monitor.UDPCheck(loopback(udpSrv.Addr())))
	g.Go(func() error { return udpSrv.Serve(gctx) })
	g.Go(func() error {
		for {
			err := hub.Serve(gctx, udpSrv)
			if err == nil || gctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("udp fan-out restarting")
			select {
			case <-time.After(time.Second):
			case <-gctx.Done():
				return nil
			}
		}
	})
	return nil
}

// startMirror restores the notification window from Redis and keeps it
// mirrored there.
func (a *app) startMirror(ctx context.Context, bus *events.Bus, history *notify.MemoryHistory) error {
	client, err := notify.NewRedisClient(ctx, a.cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { client.Close() })

	mirror := notify.NewRedisMirror(client, a.cfg.HistorySize, a.log.WithField("component", "redis"))
	evs, err := mirror.Load(ctx)
	if err != nil {
		return err
	}
	bus.ResumeAfter(history.Seed(evs))
	bus.AddRecorder(mirror)
	a.log.Infof("restored %d notifications from redis", len(evs))
	a.prober.Add("redis", monitor.PingCheck(mirror.Ping))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = mirror.Run(a.workerCtx)
	}()
	return nil
}

func (a *app) openPersister(ctx context.Context) (store.Persister, error) {
	switch a.cfg.Persist {
	case config.PersistFile:
		a.log.Infof("persisting tasks to %s", a.cfg.DataFile)
		return store.NewFilePersister(a.cfg.DataFile), nil
	case config.PersistPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.cleanups = append(a.cleanups, pool.Close)
		p, err := store.NewPostgresPersister(ctx, pool)
		if err != nil {
			return nil, err
		}
		a.prober.Add("postgres", monitor.PingCheck(p.Ping))
		a.log.Info("persisting tasks to postgres")
		return p, nil
	default:
		return nil, nil
	}
}

// loopback turns a wildcard listen address into one a local probe can dial.
func loopback(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
