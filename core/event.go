package core

import (
	"os"
	"os/signal"
	"sync/atomic"
	"time"
)

type eventKind int

const (
	kindTimer eventKind = iota
	kindSignal
	kindUser
)

func (k eventKind) String() string {
	switch k {
	case kindTimer:
		return "timer"
	case kindSignal:
		return "signal"
	default:
		return "user"
	}
}

// Callback is invoked on the loop goroutine when an Event fires. reason is
// ReasonTimeout, ReasonSignal or the code given to Activate.
type Callback func(ev *Event, reason int)

// Event is a timer, signal or user-triggered registration on a Loop.
// Arming (Start/StartAfter/Stop) is independent of the registration's
// lifetime, which ends with Free.
type Event struct {
	loop    *Loop
	kind    eventKind
	persist bool
	cb      Callback
	data    any

	sig   os.Signal
	sigCh chan os.Signal

	armed    bool
	timed    bool
	interval time.Duration
	deadline time.Time
	seq      uint64
	index    int // position in the timer heap, -1 when not scheduled

	freed atomic.Bool
}

func (l *Loop) newEvent(kind eventKind, persist bool, cb Callback) (*Event, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	l.checkThread("NewEvent")
	e := &Event{
		loop:    l,
		kind:    kind,
		persist: persist,
		cb:      cb,
		index:   -1,
	}
	l.attach(e)
	return e, nil
}

// NewTimer creates a persistent timer: once started with StartAfter it
// fires every interval until stopped.
func (l *Loop) NewTimer(cb Callback) (*Event, error) {
	return l.newEvent(kindTimer, true, cb)
}

// NewOneShotTimer creates a timer that disarms itself after firing
func (l *Loop) NewOneShotTimer(cb Callback) (*Event, error) {
	return l.newEvent(kindTimer, false, cb)
}

// NewSignal creates a persistent registration for sig. Delivery goes
// through os/signal, so the process keeps running when sig arrives.
func (l *Loop) NewSignal(cb Callback, sig os.Signal) (*Event, error) {
	e, err := l.newEvent(kindSignal, true, cb)
	if err != nil {
		return nil, err
	}
	e.sig = sig
	return e, nil
}

// NewUser creates a software-triggered event fired by Activate
func (l *Loop) NewUser(cb Callback) (*Event, error) {
	return l.newEvent(kindUser, false, cb)
}

// Start arms the event with no deadline. Timers armed this way only fire
// through Activate.
func (e *Event) Start() error {
	return e.arm(0, false)
}

// StartAfter arms the event with a deadline; persistent events re-arm with
// the same interval every time they fire.
func (e *Event) StartAfter(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return e.arm(d, true)
}

func (e *Event) arm(d time.Duration, timed bool) error {
	if e.freed.Load() {
		return ErrClosed
	}
	if e.loop.closed.Load() {
		return ErrLoopClosed
	}
	e.loop.checkThread("Event.Start")

	if !e.armed {
		e.armed = true
		e.loop.armed++
		if e.kind == kindSignal {
			e.notify()
		}
	}
	e.timed = timed
	if timed {
		e.interval = d
		e.loop.schedule(e, d)
	} else {
		e.interval = 0
		e.loop.unschedule(e)
	}
	return nil
}

// Stop disarms the event, keeping the registration. Stopping a disarmed
// event does nothing.
func (e *Event) Stop() {
	if !e.armed {
		return
	}
	e.loop.checkThread("Event.Stop")
	e.armed = false
	e.loop.armed--
	e.loop.unschedule(e)
	if e.sigCh != nil {
		signal.Stop(e.sigCh)
	}
}

// Activate schedules the callback with reason on a later loop pass. It is
// safe to call from any goroutine and never runs the callback inline.
func (e *Event) Activate(reason int) error {
	if e.freed.Load() {
		return ErrClosed
	}
	return e.loop.post(posted{ev: e, reason: reason})
}

// Free stops the event and detaches it from the loop
func (e *Event) Free() {
	if e.freed.Load() {
		return
	}
	e.detach()
	e.loop.release(e)
}

func (e *Event) detach() {
	e.Stop()
	e.freed.Store(true)
	if e.sigCh != nil {
		close(e.sigCh)
		e.sigCh = nil
	}
}

func (e *Event) fire(reason int) {
	if e.persist {
		if e.timed {
			e.loop.schedule(e, e.interval)
		}
	} else {
		e.Stop()
	}
	e.loop.safeCall(e.kind.String(), func() { e.cb(e, reason) })
}

func (e *Event) notify() {
	if e.sigCh == nil {
		e.sigCh = make(chan os.Signal, 1)
		go e.forward(e.sigCh)
	}
	signal.Notify(e.sigCh, e.sig)
}

// forward turns signal deliveries into loop activations
func (e *Event) forward(ch chan os.Signal) {
	for range ch {
		e.loop.post(posted{ev: e, reason: ReasonSignal})
	}
}

// Loop returns the owning loop
func (e *Event) Loop() *Loop { return e.loop }

// Pending reports whether the event is armed
func (e *Event) Pending() bool { return e.armed }

// Persistent reports whether the event re-arms after firing
func (e *Event) Persistent() bool { return e.persist }

// Deadline returns the next timeout, zero when none is scheduled
func (e *Event) Deadline() time.Time {
	if e.index < 0 {
		return time.Time{}
	}
	return e.deadline
}

// SetUserData attaches arbitrary data to the event
func (e *Event) SetUserData(v any) { e.data = v }

// UserData returns the data set by SetUserData
func (e *Event) UserData() any { return e.data }

// ExitLoop is a shortcut for Loop().Exit()
func (e *Event) ExitLoop() { e.loop.Exit() }
