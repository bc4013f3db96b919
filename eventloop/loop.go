// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/internal/goid"
	"github.com/joeycumines/go-devrt/mempool"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-threaded cooperative event loop. Every unit of work
// (queued function, event delivery, descriptor readiness) runs to
// completion, one at a time, on the goroutine running the loop, which is
// locked to its OS thread.
//
// Other goroutines interact with a loop only by queuing functions to it
// ([QueueFunctionToThread]) or reporting events handled on it ([Report]).
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	// State machine (cache-line padded internally)
	state fastState

	// I/O poller
	poller poller
	// ready is poll scratch space, used only by the loop goroutine.
	ready []readiness

	queueMu sync.Mutex
	queue   workQueue

	// handlers owned by this loop, nil once torn down.
	handlersMu sync.Mutex
	handlers   map[*handler]struct{}

	localsMu sync.Mutex
	locals   map[any]any

	hooksMu     sync.Mutex
	hooks       []func()
	hooksClosed bool

	// logger is nil for the process logger.
	logger *logiface.Logger[diag.Event]
	name   string

	// Wake-up mechanism
	wakeFd      int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// Goroutine tracking
	loopGoroutineID atomic.Uint64

	// Loop ID
	id uint64

	// started is closed once a goroutine begins running the loop.
	started     chan struct{}
	startedOnce sync.Once

	// Loop termination signaling
	loopDone chan struct{}
	doneOnce sync.Once

	// discardPending is set by Close: queued work is released, not run.
	discardPending atomic.Bool

	backlogWarning int

	processed  atomic.Uint64
	deliveries atomic.Uint64
	fdEvents   atomic.Uint64
	skipped    atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64
}

// Stats is a snapshot of a loop's counters.
type Stats struct {
	Name  string
	ID    uint64
	State LoopState
	// Queued is the number of units waiting to run.
	Queued int
	// FDs is the number of registered descriptors.
	FDs int
	// Handlers is the number of event handlers owned by the loop.
	Handlers int
	// Processed counts units run, of any kind.
	Processed uint64
	// Deliveries counts event handler invocations.
	Deliveries uint64
	// FDEvents counts descriptor handler invocations.
	FDEvents uint64
	// Skipped counts units for removed handlers or descriptors.
	Skipped uint64
	// Dropped counts units released without running, at teardown.
	Dropped uint64
	// Panics counts units that panicked.
	Panics uint64
}

var loopIDCounter atomic.Uint64

// New creates a new event loop. The loop does nothing until it is run, see
// [Loop.Run] and [Loop.ServiceLoop].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		id:             loopIDCounter.Add(1),
		queue:          newWorkQueue(),
		handlers:       make(map[*handler]struct{}),
		locals:         make(map[any]any),
		logger:         cfg.logger,
		name:           cfg.name,
		wakeFd:         wakeFd,
		started:        make(chan struct{}),
		loopDone:       make(chan struct{}),
		backlogWarning: cfg.backlogWarning,
	}
	if loop.name == "" {
		loop.name = fmt.Sprintf("loop-%d", loop.id)
	}

	if err := loop.poller.init(); err != nil {
		_ = unix.Close(wakeFd)
		return nil, err
	}

	// Register wake fd, readiness is handled by the poll itself
	if err := loop.poller.register(wakeFd, EventRead, nil, nil); err != nil {
		_ = loop.poller.close()
		_ = unix.Close(wakeFd)
		return nil, err
	}

	return loop, nil
}

func (l *Loop) log() *logiface.Logger[diag.Event] {
	if l.logger != nil {
		return l.logger
	}
	return diag.Logger()
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.name }

// ID returns the loop's process-unique ID.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// FD returns a descriptor which becomes readable when the loop has work,
// for integrating the loop into another poller via [Loop.ServiceLoop].
func (l *Loop) FD() int {
	return l.poller.epfd
}

// Run runs the event loop and blocks until it is terminated, via
// [Loop.Shutdown], [Loop.Close], or ctx cancellation (in which case it
// returns ctx.Err(), after a graceful shutdown).
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	return l.run(ctx)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(goid.Current())
	defer l.loopGoroutineID.Store(0)

	l.startedOnce.Do(func() { close(l.started) })

	// Start context watcher goroutine to wake loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.log().Debug().Str("loop", l.name).Log("eventloop: running")

	for {
		if ctx.Err() != nil {
			l.requestTermination()
			l.finish()
			return ctx.Err()
		}

		if l.state.Load() == StateTerminating {
			l.finish()
			return nil
		}

		l.tick()
	}
}

// tick runs the units queued so far, then polls, blocking only if nothing
// is queued.
func (l *Loop) tick() {
	for n := l.queueLen(); n > 0; n-- {
		if l.state.Load() == StateTerminating {
			return
		}
		obj, ok := l.popItem()
		if !ok {
			break
		}
		l.runItem(obj)
	}
	l.poll(true)
}

// ServiceLoop collects descriptor readiness, then runs at most one ready unit
// of work, without blocking, on the calling goroutine. It returns [ErrWouldBlock] if nothing was ready. It may
// not be called concurrently with itself or [Loop.Run].
func (l *Loop) ServiceLoop() error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}
	if !l.state.TryTransition(StateAwake, StateRunning) {
		if s := l.state.Load(); s == StateTerminated || s == StateTerminating {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}
	l.loopGoroutineID.Store(goid.Current())
	l.startedOnce.Do(func() { close(l.started) })
	defer func() {
		if !l.state.TryTransition(StateRunning, StateAwake) {
			// terminated while servicing
			l.finish()
		}
		l.loopGoroutineID.Store(0)
	}()

	l.poll(false)
	obj, ok := l.popItem()
	if !ok {
		return ErrWouldBlock
	}
	l.runItem(obj)
	return nil
}

// poll collects descriptor readiness into the queue.
func (l *Loop) poll(block bool) {
	timeout := 0
	if block {
		if !l.state.TryTransition(StateRunning, StateSleeping) {
			return
		}
		if l.queueLen() == 0 {
			timeout = -1
		} else {
			// queued work must not hold back readiness, timers included
			l.state.TryTransition(StateSleeping, StateRunning)
			block = false
		}
	}

	ready, err := l.poller.poll(timeout, l.ready[:0])
	if block {
		l.state.TryTransition(StateSleeping, StateRunning)
	}
	if err != nil {
		l.log().Crit().Str("loop", l.name).Err(err).Log("eventloop: poll failed, terminating loop")
		l.requestTermination()
		return
	}
	l.ready = ready

	for _, r := range ready {
		if r.fd == l.wakeFd {
			l.drainWakeUpPipe()
			continue
		}
		obj := itemPool.Alloc()
		it := obj.Ptr()
		it.kind = itemFD
		it.fd = r.fd
		it.fdGen = r.gen
		it.events = r.events
		l.queueMu.Lock()
		l.queue.push(obj)
		l.queueMu.Unlock()
	}
}

// Shutdown gracefully shuts down the event loop: queued work is run to
// completion, then the loop is torn down. It blocks until termination
// completes or ctx expires, except when called from the loop itself, where
// it returns immediately.
func (l *Loop) Shutdown(ctx context.Context) error {
	return l.terminate(ctx, true)
}

// Close terminates the event loop without running queued work, which is
// released instead. It does not wait for the loop to stop.
func (l *Loop) Close() error {
	return l.terminate(nil, false)
}

func (l *Loop) terminate(ctx context.Context, drain bool) error {
	if !drain {
		l.discardPending.Store(true)
	}
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		if currentState == StateTerminating {
			break
		}
		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.finish()
				return nil
			}
			l.wake()
			break
		}
	}

	if ctx == nil || l.isLoopThread() {
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the loop has been torn down.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// requestTermination moves a running loop to StateTerminating.
func (l *Loop) requestTermination() {
	for {
		current := l.state.Load()
		if current == StateTerminating || current == StateTerminated {
			return
		}
		if l.state.TryTransition(current, StateTerminating) {
			return
		}
	}
}

// finish tears the loop down: queued work is run (unless the loop was
// closed), teardown hooks run in reverse order, owned handlers are removed,
// then anything still queued is released.
func (l *Loop) finish() {
	if !l.discardPending.Load() {
		for {
			obj, ok := l.popItem()
			if !ok {
				break
			}
			l.runItem(obj)
		}
	}

	l.hooksMu.Lock()
	hooks := l.hooks
	l.hooks = nil
	l.hooksClosed = true
	l.hooksMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		l.safeCall(hooks[i])
	}

	l.handlersMu.Lock()
	handlers := l.handlers
	l.handlers = nil
	l.handlersMu.Unlock()
	for h := range handlers {
		h.detach()
	}

	l.queueMu.Lock()
	l.state.Store(StateTerminated)
	var rest []*mempool.Object[queueItem]
	for {
		obj, ok := l.queue.pop()
		if !ok {
			break
		}
		rest = append(rest, obj)
	}
	l.queueMu.Unlock()
	for _, obj := range rest {
		l.discard(obj)
	}

	l.closeFDs()
	l.log().Debug().
		Str("loop", l.name).
		Uint64("processed", l.processed.Load()).
		Uint64("dropped", l.dropped.Load()).
		Log("eventloop: terminated")
	l.doneOnce.Do(func() { close(l.loopDone) })
}

// closeFDs closes file descriptors.
func (l *Loop) closeFDs() {
	_ = l.poller.close()
	_ = unix.Close(l.wakeFd)
}

// Submit queues fn to run on the loop.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		diag.Fatalf(component, "nil function queued to loop %q", l.name)
	}
	return l.QueueFunction(runFunc, fn, nil)
}

func runFunc(fn, _ any) { fn.(func())() }

// QueueFunction queues fn(a1, a2) to run on the loop, after all work
// previously queued to it. It returns [ErrLoopTerminated] if the loop has
// been torn down.
func (l *Loop) QueueFunction(fn func(a1, a2 any), a1, a2 any) error {
	if fn == nil {
		diag.Fatalf(component, "nil function queued to loop %q", l.name)
	}
	obj := itemPool.Alloc()
	it := obj.Ptr()
	it.kind = itemFunc
	it.fn = fn
	it.a1 = a1
	it.a2 = a2
	if err := l.push(obj); err != nil {
		l.discard(obj)
		return err
	}
	return nil
}

// QueueFunctionToThread queues fn(a1, a2) to run on loop. See
// [Loop.QueueFunction].
func QueueFunctionToThread(loop *Loop, fn func(a1, a2 any), a1, a2 any) error {
	if loop == nil {
		diag.Fatalf(component, "queue function to nil loop")
	}
	return loop.QueueFunction(fn, a1, a2)
}

// deliver queues an event delivery for h. counted, if non-nil, is the
// reference owned by this delivery.
func (l *Loop) deliver(h *handler, payload any, counted RefCounted) {
	obj := itemPool.Alloc()
	it := obj.Ptr()
	it.kind = itemEvent
	it.handler = h
	it.payload = payload
	it.counted = counted
	if err := l.push(obj); err != nil {
		l.log().Debug().
			Str("loop", l.name).
			Str("event", h.id.name).
			Log("eventloop: dropped delivery to terminated loop")
		l.discard(obj)
	}
}

func (l *Loop) push(obj *mempool.Object[queueItem]) error {
	l.queueMu.Lock()
	if l.state.Load() == StateTerminated {
		l.queueMu.Unlock()
		return ErrLoopTerminated
	}
	l.queue.push(obj)
	n := l.queue.len()
	l.queueMu.Unlock()

	l.wake()

	if l.backlogWarning > 0 && n > l.backlogWarning {
		diag.Warn(l).
			Str("loop", l.name).
			Int("queued", n).
			Log("eventloop: queue backlog")
	}
	return nil
}

func (l *Loop) popItem() (*mempool.Object[queueItem], bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return l.queue.pop()
}

func (l *Loop) queueLen() int {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return l.queue.len()
}

// runItem runs one unit, then releases it.
func (l *Loop) runItem(obj *mempool.Object[queueItem]) {
	defer l.release(obj)
	l.processed.Add(1)
	l.safeExecute(obj.Ptr())
}

// discard releases a unit without running it.
func (l *Loop) discard(obj *mempool.Object[queueItem]) {
	l.dropped.Add(1)
	l.release(obj)
}

func (l *Loop) release(obj *mempool.Object[queueItem]) {
	if counted := obj.Ptr().counted; counted != nil {
		counted.Release()
	}
	obj.Release()
}

// safeExecute runs a unit with panic recovery. Fatal errors are not
// recovered.
func (l *Loop) safeExecute(it *queueItem) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := diag.AsFatal(r); ok {
				panic(r)
			}
			l.panics.Add(1)
			l.log().Err().
				Str("loop", l.name).
				Str("unit", it.kind.String()).
				Any("panic", r).
				Log("eventloop: unit panicked")
		}
	}()

	switch it.kind {
	case itemFunc:
		it.fn(it.a1, it.a2)
	case itemEvent:
		if it.handler.removed.Load() {
			l.skipped.Add(1)
			return
		}
		l.deliveries.Add(1)
		it.handler.call(it.payload)
	case itemFD:
		info, ok := l.poller.take(it.fd, it.fdGen)
		if !ok || info.handler == nil {
			l.skipped.Add(1)
			return
		}
		l.fdEvents.Add(1)
		info.handler(it.fd, it.events, info.ctx)
	}
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := diag.AsFatal(r); ok {
				panic(r)
			}
			l.panics.Add(1)
			l.log().Err().Str("loop", l.name).Any("panic", r).Log("eventloop: teardown hook panicked")
		}
	}()
	fn()
}

func (k itemKind) String() string {
	switch k {
	case itemFunc:
		return "function"
	case itemEvent:
		return "event"
	case itemFD:
		return "fd"
	default:
		return "unknown"
	}
}

// RegisterFD registers a file descriptor for I/O monitoring. handler is
// called on the loop goroutine with each readiness, and ctx.
func (l *Loop) RegisterFD(fd int, events IOEvents, handler FDHandler, ctx any) error {
	if handler == nil {
		diag.Fatalf(component, "nil handler for fd %d", fd)
	}
	return l.poller.register(fd, events, handler, ctx)
}

// UnregisterFD removes a file descriptor from monitoring. Readiness already
// collected for it is discarded.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregister(fd)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modify(fd, events)
}

// Local returns the loop-local value for key, calling init to create it on
// first use. init must not call Local on the same loop.
func (l *Loop) Local(key any, init func() any) any {
	l.localsMu.Lock()
	defer l.localsMu.Unlock()
	if v, ok := l.locals[key]; ok {
		return v
	}
	if init == nil {
		return nil
	}
	v := init()
	l.locals[key] = v
	return v
}

// OnTerminate registers fn to run during teardown, on the goroutine tearing
// the loop down. Hooks run in reverse registration order.
func (l *Loop) OnTerminate(fn func()) error {
	if fn == nil {
		diag.Fatalf(component, "nil teardown hook for loop %q", l.name)
	}
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	if l.hooksClosed {
		return ErrLoopTerminated
	}
	l.hooks = append(l.hooks, fn)
	return nil
}

// IsLoopThread returns true if the caller is the goroutine running the loop.
func (l *Loop) IsLoopThread() bool {
	return l.isLoopThread()
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return goid.Current() == loopID
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Name:       l.name,
		ID:         l.id,
		State:      l.state.Load(),
		Queued:     l.queueLen(),
		Processed:  l.processed.Load(),
		Deliveries: l.deliveries.Load(),
		FDEvents:   l.fdEvents.Load(),
		Skipped:    l.skipped.Load(),
		Dropped:    l.dropped.Load(),
		Panics:     l.panics.Load(),
	}
	// the wake fd is internal
	s.FDs = max(l.poller.registered()-1, 0)
	l.handlersMu.Lock()
	s.Handlers = len(l.handlers)
	l.handlersMu.Unlock()
	return s
}

func (l *Loop) adoptHandler(h *handler) bool {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	if l.handlers == nil {
		return false
	}
	l.handlers[h] = struct{}{}
	return true
}

func (l *Loop) releaseHandler(h *handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	if l.handlers != nil {
		delete(l.handlers, h)
	}
}
