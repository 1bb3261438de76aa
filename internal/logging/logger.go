package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const TimestampFormat = "2006-01-02 15:04:05"

const (
	DefaultMaxSizeMB  = 2
	DefaultMaxBackups = 5
)

// Options configures the process logger
type Options struct {
	Level      string // trace, debug, info, warn, error
	Format     string // text or json
	File       string // optional, written alongside stderr and rotated by size
	MaxSizeMB  int    // rotate once the file reaches this size
	MaxBackups int    // rotated files kept
}

// New builds the process logger. The returned closer releases the log file, if any.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	log.SetLevel(level)

	switch opts.Format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: TimestampFormat,
		})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, nil, fmt.Errorf("log format %q: want text or json", opts.Format)
	}

	if opts.File == "" {
		return log, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		LocalTime:  true,
	}
	if f.MaxSize <= 0 {
		f.MaxSize = DefaultMaxSizeMB
	}
	if f.MaxBackups <= 0 {
		f.MaxBackups = DefaultMaxBackups
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return log, f, nil
}
