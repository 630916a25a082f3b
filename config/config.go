package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	PersistMemory   = "memory"
	PersistFile     = "file"
	PersistPostgres = "postgres"
)

type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:":3000"`
	TCPAddr    string `env:"TCP_ADDR" envDefault:":8080"`
	UDPAddr    string `env:"UDP_ADDR" envDefault:":9090"`

	WorkerCount int `env:"WORKER_COUNT" envDefault:"5"`
	// TCPWorkers bounds concurrent TCP connections.
	TCPWorkers     int           `env:"TCP_WORKERS" envDefault:"32"`
	TCPIdleTimeout time.Duration `env:"TCP_IDLE_TIMEOUT" envDefault:"5s"`

	Persist     string `env:"PERSIST" envDefault:"memory"`
	DataFile    string `env:"DATA_FILE" envDefault:"data/tasks.json"`
	DatabaseURL string `env:"DATABASE_URL"`

	// RedisAddr enables the Redis notification mirror when set.
	RedisAddr     string        `env:"REDIS_ADDR"`
	HistorySize   int           `env:"HISTORY_SIZE" envDefault:"100"`
	HistoryMaxAge time.Duration `env:"HISTORY_MAX_AGE" envDefault:"0s"`

	SubscriberQueue    int           `env:"SUBSCRIBER_QUEUE" envDefault:"64"`
	StreamWriteTimeout time.Duration `env:"STREAM_WRITE_TIMEOUT" envDefault:"5s"`
	StreamKeepalive    time.Duration `env:"STREAM_KEEPALIVE" envDefault:"15s"`
	UDPClientTTL       time.Duration `env:"UDP_CLIENT_TTL" envDefault:"60s"`

	UploadDir      string `env:"UPLOAD_DIR" envDefault:"data/files"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`

	// GatewayUpstream makes the HTTP gateway forward commands to a remote TCP
	// task server instead of the local store.
	GatewayUpstream string        `env:"GATEWAY_UPSTREAM"`
	UpstreamRetries int           `env:"UPSTREAM_RETRIES" envDefault:"2"`
	ProbeInterval   time.Duration `env:"PROBE_INTERVAL" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE"`
}

// Load reads .env files, if present, then the environment. A missing .env is
// only a warning.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logrus.Warnf("no .env file loaded: %v", err)
		} else {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Persist {
	case PersistMemory, PersistFile:
	case PersistPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("PERSIST=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("PERSIST must be memory, file or postgres, got %q", c.Persist))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.TCPWorkers <= 0 {
		errs = append(errs, fmt.Errorf("TCP_WORKERS must be positive, got %d", c.TCPWorkers))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_SIZE must be positive, got %d", c.HistorySize))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
