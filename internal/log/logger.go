// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/ctsync/internal/config"
)

var (
	mu   sync.Mutex
	file io.Closer // rotated log file of the current logger
)

// Init initializes the global logger based on configuration. It may be
// called again on reload; the previous log file is closed.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	// stdout is always included
	writers := []io.Writer{os.Stdout}

	var fw *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		fw, err = createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fw)
	}

	handler, err := newHandler(cfg, io.MultiWriter(writers...), level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	slog.SetDefault(slog.New(handler))
	if file != nil {
		_ = file.Close()
		file = nil
	}
	if fw != nil {
		file = fw
	}
	return nil
}

func newHandler(cfg config.LogConfig, w io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "pattern":
		l := logrus.New()
		l.SetOutput(w)
		l.SetLevel(logrusLevel(level))
		l.SetFormatter(newFormatter(cfg.Pattern, cfg.Time))
		return newLogrusHandler(l), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json, text or pattern)", cfg.Format)
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
