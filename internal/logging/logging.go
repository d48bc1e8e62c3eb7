// Package logging provides the structured logger used across the sync
// core. It mirrors the get-logger-by-name pattern the teacher codebase
// builds on top of its own backend, but backs it with zap.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.Mutex
	root    *zap.Logger
	loggers = make(map[string]*Logger)
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	root = l
}

// SetBackend replaces the root zap logger used for every named logger
// created from this point forward. Already-created loggers keep using
// their original backend.
func SetBackend(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Logger is a named, attribute-carrying logger handle.
type Logger struct {
	name string
	s    *zap.SugaredLogger
}

// GetLogger returns the named logger, creating it on first use.
func GetLogger(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{
		name: name,
		s:    root.Sugar().Named(name),
	}
	loggers[name] = l
	return l
}

// With returns a child logger carrying the given alternating key/value
// pairs on every subsequent call.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{name: l.name, s: l.s.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

// Fatal logs at error level and panics; used for invariant violations
// per spec §7, which must shut down the node rather than continue.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.s.Errorw(msg, kv...)
	panic(fmt.Sprintf("%s: %s", l.name, msg))
}
