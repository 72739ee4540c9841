// Package logging provides the structured logger used across dax's internal
// packages. It wraps log/slog the way the teacher's middleware wrapped the
// standard log package: JSON, leveled, key/value pairs, no framework.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu  sync.RWMutex
	log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Set replaces the package logger. Embedders call this once at startup to
// route dax's logs into their own handler.
func Set(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// L returns the current logger.
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}
