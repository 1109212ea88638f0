// Package monitoring holds the process-wide diagnostic loggers.
//
// Three streams are kept apart so that a long replay can run with only
// actionable output enabled:
//
//	ops   - lifecycle events, failures, dropped data
//	diag  - tuning context and per-run summaries
//	trace - per-frame telemetry
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger used by command-line tools.
// It defaults to log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
// A nil writer disables that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger(w.Ops)
	diagLogger = newLogger(w.Diag)
	traceLogger = newLogger(w.Trace)
}

// WritersForLevel maps a CLI log level onto stream writers: "ops" enables
// only the ops stream, "diag" adds diagnostics, "trace" enables everything
// and "off" disables all three.
func WritersForLevel(level string, w io.Writer) (LogWriters, error) {
	switch strings.ToLower(level) {
	case "off", "none":
		return LogWriters{}, nil
	case "ops":
		return LogWriters{Ops: w}, nil
	case "", "diag":
		return LogWriters{Ops: w, Diag: w}, nil
	case "trace":
		return LogWriters{Ops: w, Diag: w, Trace: w}, nil
	}
	return LogWriters{}, fmt.Errorf("unknown log level %q (want off, ops, diag or trace)", level)
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[blobtrack] ", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (actionable warnings, errors, lifecycle events).
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (day-to-day diagnostics, tuning context).
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-frame telemetry).
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
