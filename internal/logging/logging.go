// Package logging provides structured logging for droptracker.
//
// It wraps log/slog so every component logs the same way:
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("batcher")
//	log.Error("flush failed", "player_id", id, "error", err)
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init installs the process-wide logger. JSON output is meant for production.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler installs a logger backed by a custom handler. Useful in tests.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init(slog.LevelInfo, false)
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return get().With("component", name)
}

// With returns the global logger with extra attributes.
func With(args ...any) *slog.Logger {
	return get().With(args...)
}
