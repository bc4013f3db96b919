// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package mempool

import (
	"sync"

	"github.com/joeycumines/go-devrt/internal/goid"
)

// finalizer is an object whose reference count reached zero, and which has a
// destructor to run.
type finalizer interface {
	finalize()
}

// drain is the work list of one goroutine that is currently running
// destructors. Only that goroutine touches it.
type drain struct {
	pending []finalizer
}

// drains maps goroutine ID to *drain.
var drains sync.Map

// finalize destroys f. If the calling goroutine is already inside a
// destructor, f is appended to its work list instead, so chains of releases
// run iteratively, in release order, at constant stack depth.
func finalize(f finalizer) {
	id := goid.Current()
	if v, ok := drains.Load(id); ok {
		d := v.(*drain)
		d.pending = append(d.pending, f)
		return
	}

	d := &drain{}
	drains.Store(id, d)
	defer drains.Delete(id)

	f.finalize()
	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		next.finalize()
	}
}
