package core

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// AcceptFunc receives each accepted descriptor (non-blocking,
// close-on-exec). It should wrap fd in a Conn or close it.
type AcceptFunc func(ln *Listener, fd int, peer Addr)

type listenConfig struct {
	backlog   int
	reusePort bool
	disabled  bool
}

// ListenOption configures Listen
type ListenOption func(*listenConfig)

// WithBacklog sets the listen backlog; values <= 0 use the OS default
func WithBacklog(n int) ListenOption {
	return func(c *listenConfig) {
		c.backlog = n
	}
}

// WithReusePort sets SO_REUSEPORT on the listening socket
func WithReusePort(enable bool) ListenOption {
	return func(c *listenConfig) {
		c.reusePort = enable
	}
}

// WithDisabled creates the listener without accepting until Enable
func WithDisabled() ListenOption {
	return func(c *listenConfig) {
		c.disabled = true
	}
}

// Listener accepts inbound connections on a bound socket and hands each
// descriptor to its AcceptFunc. It does no buffering of its own.
type Listener struct {
	loop    *Loop
	fd      int
	addr    Addr
	accept  AcceptFunc
	owned   bool
	enabled bool
	paused  bool
	closed  bool
	resume  *Event
}

// Listen binds addr and starts accepting. Any bind or listen failure is
// reported as ErrBind and leaves no socket open.
func Listen(l *Loop, addr Addr, cb AcceptFunc, opts ...ListenOption) (*Listener, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	l.checkThread("Listen")
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: invalid address", ErrParse)
	}

	cfg := listenConfig{backlog: defaultBacklog}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.backlog <= 0 {
		cfg.backlog = unix.SOMAXCONN
	}

	fd, err := sysSocket(addr.family())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: socket: %w", ErrBind, addr, err)
	}
	fail := func(op string, err error) (*Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %s: %w", ErrBind, addr, op, err)
	}

	if err := setReuseAddr(fd, true); err != nil {
		return fail("setsockopt", err)
	}
	if cfg.reusePort {
		if err := setReusePort(fd, true); err != nil {
			return fail("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, addr.sockaddr()); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, cfg.backlog); err != nil {
		return fail("listen", err)
	}

	bound := addr
	if sa, err := unix.Getsockname(fd); err == nil {
		bound = addrFromSockaddr(sa)
	}

	ln := &Listener{
		loop:    l,
		fd:      fd,
		addr:    bound,
		accept:  cb,
		owned:   true,
		enabled: !cfg.disabled,
	}
	if err := l.watch(fd, ln, ln.enabled, false); err != nil {
		return fail("register", err)
	}
	l.attach(ln)
	return ln, nil
}

// ListenString parses s with ParseAddr and listens
func ListenString(l *Loop, s string, cb AcceptFunc, opts ...ListenOption) (*Listener, error) {
	addr, err := ParseAddr(s)
	if err != nil {
		return nil, err
	}
	return Listen(l, addr, cb, opts...)
}

func (ln *Listener) onIO(flags uint32) {
	for i := 0; i < acceptBatch && ln.enabled && !ln.paused && !ln.closed; i++ {
		fd, sa, err := sysAccept(ln.fd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				ln.loop.logger.Error("reactor: out of descriptors, pausing accept", "addr", ln.addr.String(), "error", err)
				ln.pause(time.Second)
				return
			}
			ln.loop.logger.Warn("reactor: accept failed", "addr", ln.addr.String(), "error", err)
			return
		}

		ln.loop.metrics.Accepted()
		if ln.accept == nil {
			unix.Close(fd)
			continue
		}
		ln.accept(ln, fd, addrFromSockaddr(sa))
	}
}

// pause stops accepting for d
func (ln *Listener) pause(d time.Duration) {
	if ln.resume == nil {
		ev, err := ln.loop.NewOneShotTimer(func(*Event, int) {
			ln.paused = false
			ln.syncInterest()
		})
		if err != nil {
			return
		}
		ln.resume = ev
	}
	ln.paused = true
	ln.syncInterest()
	ln.resume.StartAfter(d)
}

func (ln *Listener) syncInterest() error {
	if ln.closed {
		return ErrClosed
	}
	return ln.loop.modify(ln.fd, ln.enabled && !ln.paused, false)
}

// Enable resumes accepting
func (ln *Listener) Enable() error {
	ln.loop.checkThread("Listener.Enable")
	ln.enabled = true
	return ln.syncInterest()
}

// Disable stops accepting without closing the socket. Disabling twice is
// a no-op.
func (ln *Listener) Disable() error {
	ln.loop.checkThread("Listener.Disable")
	ln.enabled = false
	return ln.syncInterest()
}

// Enabled reports whether the listener accepts
func (ln *Listener) Enabled() bool { return ln.enabled }

// SetOwned controls whether Close closes the listening socket
func (ln *Listener) SetOwned(owned bool) { ln.owned = owned }

// Close unregisters the listener and closes its socket if owned
func (ln *Listener) Close() error {
	if ln.closed {
		return nil
	}
	ln.loop.checkThread("Listener.Close")
	ln.closed = true
	ln.loop.unwatch(ln.fd)
	if ln.resume != nil {
		ln.resume.Free()
		ln.resume = nil
	}

	var err error
	if ln.owned {
		err = unix.Close(ln.fd)
	}
	ln.loop.release(ln)
	return err
}

func (ln *Listener) detach() {
	ln.Close()
}

// Addr returns the bound address (with the actual port when 0 was asked)
func (ln *Listener) Addr() Addr { return ln.addr }

// Fd returns the listening descriptor
func (ln *Listener) Fd() int { return ln.fd }

// Loop returns the owning loop
func (ln *Listener) Loop() *Loop { return ln.loop }

// SetNoDelay disables Nagle's algorithm on an accepted descriptor
func (ln *Listener) SetNoDelay(fd int) error {
	return SetNoDelay(fd)
}
