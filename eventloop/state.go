// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State machine:
//
//	StateAwake (0) → StateRunning (3)       [Run, ServiceLoop]
//	StateRunning (3) → StateSleeping (2)    [poll, CAS]
//	StateRunning (3) → StateAwake (0)       [ServiceLoop returns]
//	StateSleeping (2) → StateRunning (3)    [poll wake, CAS]
//	StateRunning/Sleeping → StateTerminating (4) [Shutdown, Close, ctx]
//	StateTerminating (4) → StateTerminated (1)   [teardown]
//	StateAwake (0) → StateTerminated (1)    [Shutdown/Close before Run]
type LoopState uint64

const (
	// StateAwake indicates the loop has been created and is not being run.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been torn down.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked waiting for work.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is dispatching.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, padded to its own cache line.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 // LoopState
	_ [56]byte      //nolint:unused
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts the from → to transition, returning true if it
// succeeded.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning returns true if a goroutine is currently running the loop.
func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}
