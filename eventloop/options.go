// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/logiface"
)

// defaultBacklogWarning is the queue length above which a loop logs a
// (rate limited) warning.
const defaultBacklogWarning = 10000

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[diag.Event]
	name           string
	backlogWarning int
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithName sets the loop's name, used in logs and metrics.
func WithName(name string) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger sets the structured logger for the loop. A nil logger (the
// default) means the process logger, see [diag.Logger].
func WithLogger(logger *logiface.Logger[diag.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithBacklogWarning sets the number of queued units above which the loop
// logs a warning. Zero disables the warning.
func WithBacklogWarning(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return errors.New("eventloop: backlog warning must not be negative")
		}
		opts.backlogWarning = n
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		backlogWarning: defaultBacklogWarning,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
