package core

import (
	"container/heap"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/poller"
)

// RunFlags alter how Run polls and when it returns
type RunFlags int

const (
	// RunOnce blocks until at least one callback was dispatched, then returns
	RunOnce RunFlags = 1 << iota
	// RunNonBlocking polls once without waiting and returns
	RunNonBlocking
	// RunNoExitOnEmpty keeps polling with nothing registered; only Exit returns
	RunNoExitOnEmpty
)

// RunDefault runs until Exit or until nothing is pending
const RunDefault RunFlags = 0

// ioHandler receives readiness for a registered descriptor
type ioHandler interface {
	onIO(flags uint32)
}

// bound is anything whose lifetime is tied to the loop
type bound interface {
	detach()
}

type ioReg struct {
	h     ioHandler
	read  bool
	write bool
}

type posted struct {
	ev     *Event
	reason int
	fn     func()
}

// Option configures a Loop
type Option func(*Loop)

// WithLogger sets the logger (default slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDebug enables loop-thread affinity checks and extra diagnostics
func WithDebug(enabled bool) Option {
	return func(l *Loop) {
		l.debug = enabled
	}
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithMaxEvents bounds readiness events handled per pass
func WithMaxEvents(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// Loop is a single-threaded reactor. Run dispatches every callback on the
// goroutine that called it. Exit, AddRef, ReleaseRef and Event.Activate are
// safe from any goroutine; everything else belongs to the loop goroutine.
type Loop struct {
	poller    poller.Poller
	events    []poller.Event
	maxEvents int
	logger    *slog.Logger
	metrics   *observability.Metrics
	debug     bool

	fds      map[int]*ioReg
	watching int // registrations with a non-empty interest set
	timers   timerHeap
	timerSeq uint64
	armed    int // armed events
	objects  map[bound]struct{}

	mu     sync.Mutex
	posted []posted
	spare  []posted

	refs    atomic.Int64
	exit    atomic.Bool
	running atomic.Bool
	closed  atomic.Bool
	owner   atomic.Uint64
}

// NewLoop creates a loop and its polling facility
func NewLoop(opts ...Option) (*Loop, error) {
	l := &Loop{
		maxEvents: 1024,
		logger:    slog.Default(),
		fds:       make(map[int]*ioReg),
		objects:   make(map[bound]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	p, err := poller.NewPoller(l.maxEvents)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	l.poller = p
	l.events = make([]poller.Event, l.maxEvents)
	return l, nil
}

// Logger returns the loop's logger
func (l *Loop) Logger() *slog.Logger {
	return l.logger
}

// Metrics returns the attached metrics (may be nil)
func (l *Loop) Metrics() *observability.Metrics {
	return l.metrics
}

// Debug reports whether debug mode is on
func (l *Loop) Debug() bool {
	return l.debug
}

// AddRef adds a keep-alive reference: the loop keeps polling even with
// nothing registered until the reference is released.
func (l *Loop) AddRef() {
	l.refs.Add(1)
}

// ReleaseRef drops a keep-alive reference
func (l *Loop) ReleaseRef() {
	if l.refs.Add(-1) < 0 {
		l.refs.Store(0)
	}
	l.wake()
}

// Exit makes Run return after the current dispatch pass
func (l *Loop) Exit() {
	l.exit.Store(true)
	l.wake()
}

// Running reports whether Run is active
func (l *Loop) Running() bool {
	return l.running.Load()
}

func (l *Loop) wake() {
	if l.closed.Load() {
		return
	}
	if err := l.poller.Wake(); err != nil {
		l.logger.Warn("reactor: wakeup failed", "error", err)
	}
}

// Run polls and dispatches until Exit is called or nothing is pending
// (subject to flags). It locks the calling goroutine to its OS thread.
func (l *Loop) Run(flags RunFlags) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.running.Store(false)

	if l.debug {
		l.owner.Store(getGoroutineID())
		defer l.owner.Store(0)
	}

	for {
		if flags&RunNoExitOnEmpty == 0 && !l.pending() {
			l.exit.Store(false)
			return nil
		}

		timeout := l.pollTimeout(flags)
		batch := l.takePosted()

		n, err := l.poller.Wait(l.events, timeout)
		if err != nil {
			l.requeuePosted(batch)
			return fmt.Errorf("reactor: poll: %w", err)
		}

		dispatched := l.dispatchIO(n)
		dispatched += l.runTimers()
		dispatched += l.runPosted(batch)
		l.metrics.LoopPass()

		if l.exit.Swap(false) {
			return nil
		}
		if flags&RunNonBlocking != 0 {
			return nil
		}
		if flags&RunOnce != 0 && dispatched > 0 {
			return nil
		}
	}
}

func (l *Loop) pending() bool {
	if l.refs.Load() > 0 || l.armed > 0 || l.watching > 0 || len(l.timers) > 0 {
		return true
	}
	l.mu.Lock()
	n := len(l.posted)
	l.mu.Unlock()
	return n > 0
}

// pollTimeout returns the readiness wait in milliseconds (-1 blocks)
func (l *Loop) pollTimeout(flags RunFlags) int {
	if flags&RunNonBlocking != 0 || l.exit.Load() {
		return 0
	}
	l.mu.Lock()
	queued := len(l.posted)
	l.mu.Unlock()
	if queued > 0 {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}

	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	// Round up so a timer is never polled for before it is due
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) dispatchIO(n int) int {
	for i := 0; i < n; i++ {
		ev := l.events[i]
		reg, ok := l.fds[ev.Fd]
		if !ok {
			// Closed earlier in this pass
			continue
		}
		h := reg.h
		l.safeCall("io", func() { h.onIO(ev.Flags) })
	}
	l.metrics.Dispatched("io", n)
	return n
}

func (l *Loop) runTimers() int {
	if len(l.timers) == 0 {
		return 0
	}

	now := time.Now()
	var due []*Event
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		due = append(due, heap.Pop(&l.timers).(*Event))
	}

	fired := 0
	for _, ev := range due {
		// Stopped or re-armed by an earlier callback in this pass
		if !ev.armed || ev.index >= 0 {
			continue
		}
		ev.fire(ReasonTimeout)
		fired++
	}
	l.metrics.Dispatched("timer", fired)
	return fired
}

// takePosted detaches the activations queued before this pass polls.
// Anything posted after it, including by this pass's callbacks, waits for
// the next pass.
func (l *Loop) takePosted() []posted {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.posted) == 0 {
		return nil
	}
	batch := l.posted
	l.posted = l.spare[:0]
	l.spare = nil
	return batch
}

func (l *Loop) requeuePosted(batch []posted) {
	if len(batch) == 0 {
		return
	}
	l.mu.Lock()
	l.posted = append(batch, l.posted...)
	l.mu.Unlock()
}

// runPosted runs a batch detached by takePosted
func (l *Loop) runPosted(batch []posted) int {
	if len(batch) == 0 {
		return 0
	}

	n := 0
	for i := range batch {
		p := batch[i]
		batch[i] = posted{}
		switch {
		case p.fn != nil:
			l.safeCall("internal", p.fn)
		case p.ev != nil:
			if p.ev.freed.Load() || (p.ev.kind == kindSignal && !p.ev.armed) {
				continue
			}
			p.ev.fire(p.reason)
			l.metrics.Dispatched(p.ev.kind.String(), 1)
		}
		n++
	}

	l.mu.Lock()
	l.spare = batch[:0]
	l.mu.Unlock()
	return n
}

// post queues an activation for a later pass; safe from any goroutine
func (l *Loop) post(p posted) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.mu.Lock()
	l.posted = append(l.posted, p)
	l.mu.Unlock()
	l.wake()
	return nil
}

// later runs fn on the loop goroutine in a later pass
func (l *Loop) later(fn func()) error {
	return l.post(posted{fn: fn})
}

// safeCall runs a callback, recovering and logging panics so one bad
// callback does not take the loop down
func (l *Loop) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reactor: callback panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}

// checkThread logs misuse from a foreign goroutine in debug mode
func (l *Loop) checkThread(op string) {
	if !l.debug {
		return
	}
	owner := l.owner.Load()
	if owner == 0 {
		return
	}
	if id := getGoroutineID(); id != owner {
		l.logger.Error("reactor: loop-only operation called from another goroutine",
			"op", op, "goroutine", id, "loop_goroutine", owner)
	}
}

func (l *Loop) watch(fd int, h ioHandler, read, write bool) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if err := l.poller.Add(fd, read, write); err != nil {
		return err
	}
	l.fds[fd] = &ioReg{h: h, read: read, write: write}
	if read || write {
		l.watching++
	}
	return nil
}

func (l *Loop) modify(fd int, read, write bool) error {
	reg, ok := l.fds[fd]
	if !ok {
		return ErrClosed
	}
	if reg.read == read && reg.write == write {
		return nil
	}
	if err := l.poller.Modify(fd, read, write); err != nil {
		return err
	}
	was := reg.read || reg.write
	reg.read, reg.write = read, write
	switch now := read || write; {
	case now && !was:
		l.watching++
	case !now && was:
		l.watching--
	}
	return nil
}

func (l *Loop) unwatch(fd int) {
	reg, ok := l.fds[fd]
	if !ok {
		return
	}
	if reg.read || reg.write {
		l.watching--
	}
	delete(l.fds, fd)
	if !l.closed.Load() {
		l.poller.Remove(fd)
	}
}

func (l *Loop) attach(b bound) {
	l.objects[b] = struct{}{}
}

func (l *Loop) release(b bound) {
	delete(l.objects, b)
}

// Close detaches everything still bound to the loop (closing the
// descriptors it owns) and releases the polling facility.
func (l *Loop) Close() error {
	if l.running.Load() {
		return ErrLoopRunning
	}
	if l.closed.Load() {
		return nil
	}

	for len(l.objects) > 0 {
		for b := range l.objects {
			b.detach()
			delete(l.objects, b)
		}
	}
	l.closed.Store(true)

	l.mu.Lock()
	l.posted = nil
	l.mu.Unlock()
	return l.poller.Close()
}

// timerHeap is a min-heap of armed events ordered by deadline, ties broken
// by arming order
type timerHeap []*Event

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

func (l *Loop) schedule(ev *Event, after time.Duration) {
	if ev.index >= 0 {
		heap.Remove(&l.timers, ev.index)
	}
	l.timerSeq++
	ev.seq = l.timerSeq
	ev.deadline = time.Now().Add(after)
	heap.Push(&l.timers, ev)
}

func (l *Loop) unschedule(ev *Event) {
	if ev.index >= 0 {
		heap.Remove(&l.timers, ev.index)
	}
}
