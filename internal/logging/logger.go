// Package logging provides the slog-based logger shared by every enclave
// component. Lines carry a component tag; the daemon picks console or JSON
// output from the descriptor's log block.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"grimm.is/enclave/internal/brand"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// componentKey is promoted to a line tag by the console handler.
const componentKey = "component"

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Logger is a slog.Logger whose level can change at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config selects level, destination and format.
type Config struct {
	Level  Level
	Output io.Writer // default os.Stderr
	JSON   bool
	// Name is printed in front of console lines. Defaults to the binary name.
	Name string
}

// New creates a logger.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Name == "" {
		cfg.Name = brand.LowerName
	}
	lv := new(slog.LevelVar)
	lv.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: lv}

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		h = newConsoleHandler(cfg.Output, cfg.Name, lv)
	}
	return &Logger{Logger: slog.New(h), level: lv}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler), level: new(slog.LevelVar)}
}

// ParseLevel maps a descriptor level name onto a slog level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Default returns the process logger. Until SetDefault is called it logs at
// info level to stderr.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Config{Level: LevelInfo})
	}
	return defaultLogger
}

// SetDefault replaces the process logger and routes the slog package
// default through it.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) { l.level.Set(level) }

// Level returns the current level.
func (l *Logger) Level() Level { return l.level.Level() }

// WithComponent returns a logger tagged with component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(componentKey, name), level: l.level}
}

// WithComponent is Default().WithComponent.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
