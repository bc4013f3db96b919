// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package diag provides the process-wide diagnostics shared by every runtime
// component: the structured logger, fatal contract violations, and
// rate-limited warnings.
//
// Logging is an infrastructure cross-cutting concern, so the logger is held
// in a package-level variable, configured once at start-up:
//
//	diag.SetLogger(diag.NewLogger(os.Stderr, logiface.LevelDebug))
//
// Errors come in two tiers. Recoverable results are ordinary error values,
// returned by each package. Contract violations (null required arguments,
// double release, stale handles, exhausted pools) are raised with [Fatalf],
// which logs at critical level then panics with a [*FatalError]. Nothing in
// the runtime recovers a [*FatalError].
package diag

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Event is the generic log event type used throughout the runtime.
type Event = logiface.Event

var (
	globalLogger struct {
		sync.RWMutex
		logger *logiface.Logger[Event]
		init   sync.Once
		dflt   *logiface.Logger[Event]
	}

	// category -> {1/s, 10/min}
	warnLimiter = catrate.NewLimiter(map[time.Duration]int{
		time.Second: 1,
		time.Minute: 10,
	})
)

// NewLogger returns a JSON logger (stumpy) writing to w, logging events at
// or above level.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// SetLogger replaces the process logger. A nil logger restores the default
// (stderr, informational).
func SetLogger(logger *logiface.Logger[Event]) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

// Logger returns the process logger.
func Logger() *logiface.Logger[Event] {
	globalLogger.RLock()
	logger := globalLogger.logger
	globalLogger.RUnlock()
	if logger != nil {
		return logger
	}
	globalLogger.init.Do(func() {
		globalLogger.dflt = NewLogger(os.Stderr, logiface.LevelInformational)
	})
	return globalLogger.dflt
}

// Warn returns a warning-level builder for the given category, or nil if a
// warning for that category was already emitted recently (at most one per
// second, ten per minute). The returned builder is nil-safe.
func Warn(category any) *logiface.Builder[Event] {
	if _, ok := warnLimiter.Allow(category); !ok {
		return nil
	}
	return Logger().Warning()
}
