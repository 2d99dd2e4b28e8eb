package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var levels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
	"fatal": logrus.FatalLevel,
	"panic": logrus.PanicLevel,
}

// Config controls logger construction
type Config struct {
	Level  string // debug, info, warn, error, fatal, panic
	Format string // text or json
	Output io.Writer
}

// New builds a logrus logger from the config
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.0000"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.0000",
		})
	}

	level := strings.ToLower(cfg.Level)
	if level == "" {
		level = "info"
	}
	lvl, ok := levels[level]
	if !ok {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	logger.SetLevel(lvl)

	return logger, nil
}

// Module returns an entry tagged with the component name
func Module(logger logrus.FieldLogger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("module", name)
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
