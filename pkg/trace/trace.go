// Package trace provides the context-carried logging used throughout the
// OneTime engine: the pad-records store, the pad session state machine,
// the random sources, and the command-line front-end all pull
// a *Tracer out of whatever context.Context they were handed rather than
// importing a logging package directly.
package trace

import (
	"context"
	"fmt"
	"log"
	"os"
)

// LogLevel represents tracing verbosity level.
type LogLevel int

const (
	// LogLevelNormal for regular user-facing messages.
	LogLevelNormal LogLevel = iota
	// LogLevelVerbose for detailed debug/trace info.
	LogLevelVerbose
	// LogLevelTrace for maximum verbosity, including per-pad-byte operations.
	LogLevelTrace
)

type traceKeyType string

const traceKey traceKeyType = "onetime-tracer"

// Tracer is a prefixed, leveled logger carried on a context.Context.
type Tracer struct {
	prefix string
	level  LogLevel
}

// NewTracer creates a new tracer instance at the given prefix and level.
func NewTracer(prefix string, level LogLevel) *Tracer {
	return &Tracer{prefix: prefix, level: level}
}

// WithContext attaches the tracer to ctx.
func WithContext(ctx context.Context, tracer *Tracer) context.Context {
	return context.WithValue(ctx, traceKey, tracer)
}

// FromContext extracts the tracer from ctx, or a silent default if none
// was attached. Every package in this engine is expected to be usable
// from a bare context.Background() in tests, so this fallback must never
// panic.
func FromContext(ctx context.Context) *Tracer {
	if tracer, ok := ctx.Value(traceKey).(*Tracer); ok {
		return tracer
	}
	return NewTracer("", LogLevelNormal)
}

// WithPrefix returns a derived tracer at a new prefix, sharing the
// parent's level. Callers use this to scope a sub-component's log lines,
// e.g. log.WithPrefix("PAD-SESSION").
func (t *Tracer) WithPrefix(prefix string) *Tracer {
	return &Tracer{prefix: prefix, level: t.level}
}

// Tracef logs at the most verbose level, e.g. per-byte pad consumption.
func (t *Tracer) Tracef(format string, args ...interface{}) {
	if t.level < LogLevelTrace {
		return
	}
	t.printf("TRACE", format, args...)
}

// Debugf logs at verbose level.
func (t *Tracer) Debugf(format string, args ...interface{}) {
	if t.level < LogLevelVerbose {
		return
	}
	t.printf("DEBUG", format, args...)
}

// Infof logs at normal level.
func (t *Tracer) Infof(format string, args ...interface{}) {
	t.printf("INFO", format, args...)
}

// Warnf logs a non-fatal anomaly, such as a pad-records file that could
// not be read when the store was opened.
func (t *Tracer) Warnf(format string, args ...interface{}) {
	t.printf("WARN", format, args...)
}

// Error logs an error that the caller is about to propagate.
func (t *Tracer) Error(err error) {
	if t.prefix != "" {
		log.Printf("%s ERROR: %v", t.prefix, err)
	} else {
		log.Printf("ERROR: %v", err)
	}
}

// Fatal logs a fatal error and exits the process. Only cmd/onetime should
// ever call this; library packages must return errors instead.
func (t *Tracer) Fatal(err error) {
	t.Error(err)
	os.Exit(1)
}

func (t *Tracer) printf(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if t.prefix != "" {
		log.Printf("%s %s: %s", t.prefix, level, msg)
	} else {
		log.Printf("%s: %s", level, msg)
	}
}
