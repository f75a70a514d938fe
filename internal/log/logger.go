// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/ethctl/internal/config"
)

// level is shared by every logger built here so SetLevel takes effect
// without rebuilding handlers.
var level = new(slog.LevelVar)

// file is the rotating writer installed by the last Init, if any.
var file *lumberjack.Logger

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	logger, w, err := New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if file != nil {
		_ = file.Close()
	}
	file = w
	slog.SetDefault(logger)
	return nil
}

// New builds a logger writing to out and, when enabled, to a rotating file.
// The returned file writer is nil when file output is disabled.
func New(cfg config.LogConfig, out io.Writer) (*slog.Logger, *lumberjack.Logger, error) {
	if err := SetLevel(cfg.Level); err != nil {
		return nil, nil, err
	}

	writers := []io.Writer{out}
	var fw *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file output: %w", err)
		}
		fw = w
		writers = append(writers, w)
	}
	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multiWriter, opts)
	case "text":
		handler = slog.NewTextHandler(multiWriter, opts)
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
	return slog.New(handler), fw, nil
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(s string) error {
	l, err := parseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	level.Set(l)
	return nil
}

// Close flushes and closes the rotating file, if one is open.
func Close() error {
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
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
