// Package logger builds the logrus instances the database subsystem logs
// through: one per DQM/executor, named for the logical database they
// serve, so queue and migration lines sort by component. The HTTP surface
// has its own logging layer (infrastructure/logging) carrying per-request
// identity; this one stays request-agnostic.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is a named logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig is the Logging section of a Hydrogen config file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`      // "stdout" (default) or "file"
	FilePrefix string `yaml:"file_prefix"` // basename under logs/ when Output is "file"
}

// New builds a Logger from cfg. A file output that cannot be opened falls
// back to stdout with a logged warning rather than failing construction —
// losing log lines beats refusing to start over them.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)
	if cfg.Output == "file" {
		if w, err := openLogFile(cfg.FilePrefix); err == nil {
			l.SetOutput(io.MultiWriter(os.Stdout, w))
		} else {
			l.Warnf("log file unavailable, staying on stdout: %v", err)
		}
	}

	return &Logger{Logger: l}
}

func openLogFile(prefix string) (io.Writer, error) {
	if prefix == "" {
		prefix = "hydrogend"
	}
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join("logs", prefix+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// NewDefault builds an info-level text Logger on stdout. name seeds the
// default file prefix should callers re-point output later; it is not
// otherwise recorded.
func NewDefault(name string) *Logger {
	return New(LoggingConfig{Level: "info", Format: "text", FilePrefix: name})
}

// WithField returns an entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns an entry carrying several fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
