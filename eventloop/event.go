// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/saferef"
)

// RefCounted is a reference counted payload, e.g. a [*mempool.Object].
type RefCounted interface {
	AddRef()
	Release()
}

// HandlerFunc handles a reported event. ctx is the handler's context, see
// [SetContext].
type HandlerFunc func(payload any, ctx any)

// LayeredHandlerFunc is the first layer of a two-layer handler. It receives
// the second layer value given to [AddLayeredHandler], typically a typed
// callback it unpacks the payload for.
type LayeredHandlerFunc func(payload any, secondLayer any, ctx any)

// HandlerRef is an opaque reference to a registered handler.
type HandlerRef saferef.Ref

// EventID identifies a process-wide event. Handlers are called in the order
// they were added.
type EventID struct {
	name        string
	mu          sync.Mutex
	handlers    []*handler
	refCounting bool
}

type handler struct {
	id     *EventID
	loop   *Loop
	fn     HandlerFunc
	first  LayeredHandlerFunc
	second any
	ctx    atomic.Pointer[any]
	ref    HandlerRef
	// removed is set once, by RemoveHandler or loop teardown. Queued
	// deliveries check it before running.
	removed atomic.Bool
}

// handlerRefs resolves every HandlerRef in the process.
var handlerRefs = saferef.CreateMap[*handler]("eventloop.handlers", 1024)

// CreateEventID creates an event, reported with [Report].
func CreateEventID(name string) *EventID {
	return &EventID{name: name}
}

// CreateEventIDWithRefCounting creates an event whose payloads are reference
// counted, reported with [ReportWithRefCounting].
func CreateEventIDWithRefCounting(name string) *EventID {
	return &EventID{name: name, refCounting: true}
}

// Name returns the event's name.
func (id *EventID) Name() string { return id.name }

// RefCounting returns true if the event takes reference counted payloads.
func (id *EventID) RefCounting() bool { return id.refCounting }

// HandlerCount returns the number of registered handlers.
func (id *EventID) HandlerCount() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	return len(id.handlers)
}

// AddHandler registers fn to be called, on loop, for each report of id.
func AddHandler(loop *Loop, id *EventID, fn HandlerFunc) HandlerRef {
	if fn == nil {
		diag.Fatalf(component, "nil handler for event %q", eventName(id))
	}
	return addHandler(loop, id, &handler{fn: fn})
}

// AddLayeredHandler registers a two-layer handler: first is called, on loop,
// with each payload and the second layer value.
func AddLayeredHandler(loop *Loop, id *EventID, first LayeredHandlerFunc, second any) HandlerRef {
	if first == nil || second == nil {
		diag.Fatalf(component, "nil layered handler for event %q", eventName(id))
	}
	return addHandler(loop, id, &handler{first: first, second: second})
}

func addHandler(loop *Loop, id *EventID, h *handler) HandlerRef {
	if id == nil {
		diag.Fatalf(component, "nil event id")
	}
	if loop == nil {
		diag.Fatalf(component, "nil loop for event %q", id.name)
	}
	h.id = id
	h.loop = loop
	h.ref = HandlerRef(handlerRefs.CreateRef(h))

	if !loop.adoptHandler(h) {
		handlerRefs.Remove(saferef.Ref(h.ref))
		diag.Fatalf(component, "add handler for event %q to terminated loop %q", id.name, loop.name)
	}

	id.mu.Lock()
	id.handlers = append(id.handlers, h)
	id.mu.Unlock()
	return h.ref
}

// SetContext sets the context value passed to the handler.
func SetContext(ref HandlerRef, ctx any) {
	h := lookupHandler(ref, "set context")
	h.ctx.Store(&ctx)
}

// RemoveHandler unregisters the handler. Deliveries already queued for it are
// skipped. Removing a stale reference is fatal.
func RemoveHandler(ref HandlerRef) {
	h := lookupHandler(ref, "remove")
	h.detach()
	h.loop.releaseHandler(h)
}

func lookupHandler(ref HandlerRef, op string) *handler {
	h, ok := handlerRefs.Lookup(saferef.Ref(ref))
	if !ok {
		diag.Fatalf(component, "%s of invalid handler reference %v", op, saferef.Ref(ref))
	}
	return h
}

// detach removes h from its event and invalidates its reference.
func (h *handler) detach() {
	if h.removed.Swap(true) {
		return
	}
	id := h.id
	id.mu.Lock()
	for i, v := range id.handlers {
		if v == h {
			id.handlers = append(id.handlers[:i], id.handlers[i+1:]...)
			break
		}
	}
	id.mu.Unlock()
	handlerRefs.Remove(saferef.Ref(h.ref))
}

func (h *handler) context() any {
	if p := h.ctx.Load(); p != nil {
		return *p
	}
	return nil
}

func (h *handler) call(payload any) {
	if h.first != nil {
		h.first(payload, h.second, h.context())
		return
	}
	h.fn(payload, h.context())
}

// Report delivers payload to every handler of id, each queued on its owning
// loop, in registration order. Reporting a reference counted event this way
// is fatal.
func Report(id *EventID, payload any) {
	if id == nil {
		diag.Fatalf(component, "report of nil event id")
	}
	if id.refCounting {
		diag.Fatalf(component, "event %q is reference counted, use ReportWithRefCounting", id.name)
	}
	for _, h := range id.snapshot() {
		h.loop.deliver(h, payload, nil)
	}
}

// ReportWithRefCounting delivers payload to every handler of id. The caller's
// reference is transferred: one reference is added per extra delivery, and
// each delivery releases one after its handler runs (or is skipped). With no
// handlers, payload is released immediately.
func ReportWithRefCounting(id *EventID, payload RefCounted) {
	if id == nil {
		diag.Fatalf(component, "report of nil event id")
	}
	if !id.refCounting {
		diag.Fatalf(component, "event %q is not reference counted, use Report", id.name)
	}
	if payload == nil {
		diag.Fatalf(component, "nil payload for event %q", id.name)
	}
	handlers := id.snapshot()
	if len(handlers) == 0 {
		payload.Release()
		return
	}
	for range len(handlers) - 1 {
		payload.AddRef()
	}
	for _, h := range handlers {
		h.loop.deliver(h, payload, payload)
	}
}

func (id *EventID) snapshot() []*handler {
	id.mu.Lock()
	defer id.mu.Unlock()
	return append([]*handler(nil), id.handlers...)
}

func eventName(id *EventID) string {
	if id == nil {
		return "<nil>"
	}
	return id.name
}
