package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// baseLogWriter is a console writer on a terminal and JSON on stderr otherwise.
func baseLogWriter() io.Writer {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}
	return os.Stderr
}

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// setupLogging configures the global logger. When path is set, output is
// also written to a rotated file; the returned closer releases it.
func setupLogging(level, path string, maxSize, maxBackups int) (io.Closer, error) {
	zerolog.SetGlobalLevel(parseLogLevel(level))

	writer := baseLogWriter()
	var rotator *lumberjack.Logger
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, errors.Wrapf(err, "create log directory for %s", path)
		}
		if maxSize <= 0 {
			maxSize = 50
		}
		rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: max(maxBackups, 0),
		}
		writer = io.MultiWriter(writer, rotator)
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	if rotator == nil {
		return io.NopCloser(nil), nil
	}
	return rotator, nil
}
