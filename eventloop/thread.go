// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"context"
	"errors"

	"github.com/joeycumines/go-devrt/diag"
)

// Thread is a goroutine, locked to an OS thread, running its own [Loop].
type Thread struct {
	loop *Loop
	done chan struct{}
	err  error
}

// StartThread creates a loop named name and runs it on a new goroutine. main
// is the first unit the loop runs, and typically registers the thread's
// handlers and timers. The thread runs until its loop is shut down or ctx is
// cancelled.
func StartThread(ctx context.Context, name string, main func(loop *Loop), opts ...LoopOption) (*Thread, error) {
	if main == nil {
		diag.Fatalf(component, "nil main for thread %q", name)
	}
	loop, err := New(append(opts[:len(opts):len(opts)], WithName(name))...)
	if err != nil {
		return nil, err
	}
	if err := loop.Submit(func() { main(loop) }); err != nil {
		_ = loop.Close()
		return nil, err
	}

	t := &Thread{
		loop: loop,
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		err := loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		t.err = err
	}()

	// wait for Run to take ownership of the loop
	select {
	case <-loop.started:
	case <-t.done:
	}
	return t, nil
}

// Loop returns the thread's loop.
func (t *Thread) Loop() *Loop { return t.loop }

// Done returns a channel closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join waits for the thread to exit, returning the error from its loop.
// Cancellation of the thread's context is not an error.
func (t *Thread) Join() error {
	<-t.done
	return t.err
}

// Stop shuts the thread's loop down gracefully, then joins it.
func (t *Thread) Stop(ctx context.Context) error {
	if err := t.loop.Shutdown(ctx); err != nil && !errors.Is(err, ErrLoopTerminated) {
		return err
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
