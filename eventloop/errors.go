// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
)

// component identifies this package in fatal errors.
const component = "eventloop"

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() or ServiceLoop() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("eventloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() or ServiceLoop() is called from within the loop itself.
	ErrReentrantRun = errors.New("eventloop: cannot call Run() from within the loop")

	// ErrWouldBlock is returned by ServiceLoop when no work is ready.
	ErrWouldBlock = errors.New("eventloop: no work ready")
)
