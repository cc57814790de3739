// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and destination.
type Options struct {
	Level  string // panic..trace; empty means info
	Format string // text or json; empty means text
	// File, when set, receives logs through a rotating writer in
	// addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup applies opts to the standard logger. The returned func
// closes the log file, if any.
func Setup(opts Options) (func() error, error) {
	return configure(log.StandardLogger(), os.Stderr, opts)
}

func configure(
	l *log.Logger, stderr io.Writer, opts Options,
) (func() error, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		lv, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		level = lv
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", "text":
		formatter = &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		}
	case "json":
		formatter = &log.JSONFormatter{}
	default:
		return nil, fmt.Errorf("log format %q: want text or json", opts.Format)
	}

	closeFn := func() error { return nil }
	out := stderr
	if opts.File != "" {
		rot := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		}
		out = io.MultiWriter(stderr, rot)
		closeFn = rot.Close
	}

	l.SetLevel(level)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	return closeFn, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
