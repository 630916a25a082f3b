package config

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. With LogFile set, output goes to a
// rotating file instead of stderr.
func (c Config) NewLogger() (*logrus.Logger, io.Closer) {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if c.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if c.LogFile == "" {
		log.SetOutput(os.Stderr)
		return log, io.NopCloser(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(rotator)
	return log, rotator
}
