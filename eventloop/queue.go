// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"github.com/eapache/queue"
	"github.com/joeycumines/go-devrt/mempool"
)

type itemKind uint8

const (
	itemFunc itemKind = iota + 1
	itemEvent
	itemFD
)

// queueItem is one unit of deferred work.
type queueItem struct { // betteralign:ignore
	// itemFunc
	fn     func(a1, a2 any)
	a1, a2 any

	// itemEvent
	handler *handler
	payload any
	// counted is set for deliveries which own a reference to payload.
	counted RefCounted

	// itemFD
	fd     int
	fdGen  uint64
	events IOEvents

	kind itemKind
}

// itemPool provides every loop's queue items.
var itemPool = mempool.MustNew[queueItem](nil, "eventloop.queueItem",
	mempool.WithGrowBy(64),
)

// workQueue is the FIFO of deferred work. It is not safe for concurrent use;
// the loop guards it with queueMu.
type workQueue struct {
	q *queue.Queue
}

func newWorkQueue() workQueue {
	return workQueue{q: queue.New()}
}

func (w *workQueue) push(item *mempool.Object[queueItem]) {
	w.q.Add(item)
}

func (w *workQueue) pop() (*mempool.Object[queueItem], bool) {
	if w.q.Length() == 0 {
		return nil, false
	}
	return w.q.Remove().(*mempool.Object[queueItem]), true
}

func (w *workQueue) len() int {
	return w.q.Length()
}
