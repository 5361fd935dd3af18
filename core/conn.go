package core

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor/core/buffer"
	"github.com/searchktools/reactor/core/poller"
)

// State is a connection's lifecycle position
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) terminal() bool {
	return s == StateError || s == StateClosed
}

// StatusEvent describes why OnClosed fired
type StatusEvent uint16

const (
	EventReading   StatusEvent = 0x01 // failure while reading
	EventWriting   StatusEvent = 0x02 // failure while writing
	EventEOF       StatusEvent = 0x10
	EventError     StatusEvent = 0x20
	EventConnected StatusEvent = 0x80
)

func (e StatusEvent) String() string {
	var parts []string
	for _, f := range []struct {
		bit  StatusEvent
		name string
	}{
		{EventReading, "reading"},
		{EventWriting, "writing"},
		{EventEOF, "eof"},
		{EventError, "error"},
		{EventConnected, "connected"},
	} {
		if e&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Direction selects the read and/or write side of a connection
type Direction uint8

const (
	EvRead Direction = 1 << iota
	EvWrite
)

// Handler receives connection notifications on the loop goroutine.
//
// OnConnected fires once when an outbound connect completes. OnReadable
// fires when the input buffer reaches the read low-water mark, OnWritable
// when a write drains the output buffer to the write low-water mark.
// OnClosed fires exactly once on end-of-stream or error, after which the
// connection is terminal and no other callback follows.
type Handler interface {
	OnConnected(c *Conn)
	OnReadable(c *Conn)
	OnWritable(c *Conn)
	OnClosed(c *Conn, events StatusEvent, err error)
}

// HandlerFuncs adapts plain functions to Handler; nil fields are no-ops
type HandlerFuncs struct {
	Connected func(c *Conn)
	Readable  func(c *Conn)
	Writable  func(c *Conn)
	Closed    func(c *Conn, events StatusEvent, err error)
}

func (h HandlerFuncs) OnConnected(c *Conn) {
	if h.Connected != nil {
		h.Connected(c)
	}
}

func (h HandlerFuncs) OnReadable(c *Conn) {
	if h.Readable != nil {
		h.Readable(c)
	}
}

func (h HandlerFuncs) OnWritable(c *Conn) {
	if h.Writable != nil {
		h.Writable(c)
	}
}

func (h HandlerFuncs) OnClosed(c *Conn, events StatusEvent, err error) {
	if h.Closed != nil {
		h.Closed(c, events, err)
	}
}

// Conn pairs a non-blocking stream socket with an input and an output
// Buffer. All methods belong to the loop goroutine.
//
// Ownership: a Conn starts with one reference. Retain adds holders,
// Release drops one, and the last Release closes the Conn. Closing
// releases the descriptor only if the Conn owns it (SetOwned); sockets
// created by Connect are owned, descriptors passed to NewConn are not.
type Conn struct {
	loop    *Loop
	fd      int
	handler Handler
	state   State

	in  *buffer.Buffer
	out *buffer.Buffer

	enabled  Direction
	readLow  int
	writeLow int

	owned      bool
	refs       int
	registered bool
	counted    bool
	closed     bool

	local  Addr
	remote Addr
}

// NewConn wraps fd (already connected, starts in StateConnected) or, with
// fd < 0, creates an unconnected Conn for Connect. Writing is enabled and
// reading disabled until Enable(EvRead).
func NewConn(l *Loop, fd int, h Handler) (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrLoopClosed
	}
	l.checkThread("NewConn")
	if h == nil {
		h = HandlerFuncs{}
	}

	c := &Conn{
		loop:    l,
		fd:      -1,
		handler: h,
		in:      buffer.New(),
		out:     buffer.New(),
		enabled: EvWrite,
		refs:    1,
	}
	c.in.OnChange(c.updateInterest)
	c.out.OnChange(c.updateInterest)

	if fd >= 0 {
		c.fd = fd
		c.state = StateConnected
		if err := c.syncInterest(); err != nil {
			return nil, err
		}
		c.markOpen()
	}
	l.attach(c)
	return c, nil
}

// Connect starts a non-blocking connect to addr. The outcome arrives as
// OnConnected or as OnClosed with EventError and an error wrapping
// ErrConnect, always on a later loop pass.
func (c *Conn) Connect(addr Addr) error {
	c.loop.checkThread("Conn.Connect")
	if c.closed {
		return ErrClosed
	}
	if c.state != StateUnconnected {
		return ErrAlreadyConnected
	}
	if !addr.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrParse)
	}

	fd, err := sysSocket(addr.family())
	if err != nil {
		return fmt.Errorf("%w: socket: %w", ErrConnect, err)
	}
	c.fd = fd
	c.owned = true
	c.remote = addr
	c.state = StateConnecting

	err = unix.Connect(fd, addr.sockaddr())
	if err == nil || err == unix.EINPROGRESS || err == unix.EINTR {
		err = c.syncInterest()
	}
	if err != nil {
		cerr := fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
		c.loop.later(func() {
			if c.state == StateConnecting {
				c.loop.metrics.ConnectResult(false)
				c.fail(EventError, cerr)
			}
		})
	}
	return nil
}

// ConnectString parses s with ParseAddr and connects
func (c *Conn) ConnectString(s string) error {
	addr, err := ParseAddr(s)
	if err != nil {
		return err
	}
	return c.Connect(addr)
}

func (c *Conn) onIO(flags uint32) {
	switch c.state {
	case StateConnecting:
		c.finishConnect()
		return
	case StateConnected:
	default:
		return
	}

	if flags&poller.Failed != 0 {
		err := socketError(c.fd)
		if err == nil {
			err = unix.EIO
		}
		c.fail(EventError, fmt.Errorf("%w: %w", ErrStream, err))
		return
	}
	if flags&poller.Readable != 0 {
		c.handleRead()
		if c.state != StateConnected {
			return
		}
	}
	if flags&poller.Writable != 0 {
		c.handleWrite()
		if c.state != StateConnected {
			return
		}
	}
	if flags&poller.Hangup != 0 && flags&poller.Readable == 0 {
		c.fail(EventReading|EventEOF, ErrPeerClosed)
	}
}

func (c *Conn) finishConnect() {
	if err := socketError(c.fd); err != nil {
		c.loop.metrics.ConnectResult(false)
		c.fail(EventError, fmt.Errorf("%w: %s: %w", ErrConnect, c.remote, err))
		return
	}

	c.state = StateConnected
	c.loop.metrics.ConnectResult(true)
	c.markOpen()
	c.updateInterest()
	c.handler.OnConnected(c)
}

func (c *Conn) handleRead() {
	p := c.in.Reserve(readChunkSize)
	if p == nil {
		return
	}

	n, err := unix.Read(c.fd, p)
	if err != nil {
		if isTemporary(err) {
			return
		}
		c.fail(EventReading|EventError, fmt.Errorf("%w: read: %w", ErrStream, err))
		return
	}
	if n == 0 {
		c.fail(EventReading|EventEOF, ErrPeerClosed)
		return
	}

	c.in.Commit(n)
	c.loop.metrics.BytesRead(n)
	if c.enabled&EvRead != 0 && c.in.Len() >= c.readLow {
		c.handler.OnReadable(c)
	}
}

func (c *Conn) handleWrite() {
	if c.enabled&EvWrite == 0 {
		return
	}

	wrote := 0
	for c.out.Len() > 0 {
		p := c.out.Pullup(c.out.ContiguousSpace())
		n, err := unix.Write(c.fd, p)
		if n > 0 {
			wrote += n
			c.out.Drain(n)
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.loop.metrics.BytesWritten(wrote)
			c.fail(EventWriting|EventError, fmt.Errorf("%w: write: %w", ErrStream, err))
			return
		}
		if n < len(p) {
			break
		}
	}

	c.loop.metrics.BytesWritten(wrote)
	if wrote > 0 && c.state == StateConnected && c.out.Len() <= c.writeLow {
		c.handler.OnWritable(c)
	}
}

// fail moves the Conn to its terminal state and reports it once
func (c *Conn) fail(events StatusEvent, err error) {
	if c.state.terminal() || c.closed {
		return
	}
	if events&EventError != 0 {
		c.state = StateError
	} else {
		c.state = StateClosed
	}
	c.unregister()
	c.markClosed()
	c.handler.OnClosed(c, events, err)
}

func (c *Conn) updateInterest() {
	if err := c.syncInterest(); err != nil {
		c.loop.logger.Warn("reactor: update interest failed", "fd", c.fd, "error", err)
	}
}

func (c *Conn) syncInterest() error {
	if c.fd < 0 || c.closed || c.state.terminal() {
		return nil
	}

	read := c.state == StateConnected && c.enabled&EvRead != 0 && !c.in.Full()
	write := c.state == StateConnecting ||
		(c.state == StateConnected && c.enabled&EvWrite != 0 && c.out.Len() > 0)

	if !c.registered {
		if err := c.loop.watch(c.fd, c, read, write); err != nil {
			return err
		}
		c.registered = true
		return nil
	}
	return c.loop.modify(c.fd, read, write)
}

func (c *Conn) unregister() {
	if c.registered {
		c.loop.unwatch(c.fd)
		c.registered = false
	}
}

func (c *Conn) markOpen() {
	if !c.counted {
		c.counted = true
		c.loop.metrics.ConnOpened()
	}
}

func (c *Conn) markClosed() {
	if c.counted {
		c.counted = false
		c.loop.metrics.ConnClosed()
	}
}

// Enable turns on callbacks (and I/O) for the given directions
func (c *Conn) Enable(d Direction) error {
	c.loop.checkThread("Conn.Enable")
	if c.closed {
		return ErrClosed
	}
	c.enabled |= d
	return c.syncInterest()
}

// Disable turns off the given directions. Disabling an already disabled
// direction has no effect.
func (c *Conn) Disable(d Direction) error {
	c.loop.checkThread("Conn.Disable")
	if c.closed {
		return ErrClosed
	}
	c.enabled &^= d
	return c.syncInterest()
}

// Enabled returns the enabled directions
func (c *Conn) Enabled() Direction { return c.enabled }

// SetReadWatermarks sets the input size that triggers OnReadable (low) and
// the size at which reading pauses (high, 0 for unbounded)
func (c *Conn) SetReadWatermarks(low, high int) {
	c.readLow = low
	c.in.SetHighWaterMark(high)
	c.updateInterest()
}

// SetWriteLowWatermark sets the output size at or below which OnWritable fires
func (c *Conn) SetWriteLowWatermark(n int) {
	c.writeLow = n
}

// SetNoDelay disables Nagle's algorithm
func (c *Conn) SetNoDelay() error {
	if c.fd < 0 {
		return ErrClosed
	}
	return SetNoDelay(c.fd)
}

// SetOwned controls whether closing the Conn closes its descriptor
func (c *Conn) SetOwned(owned bool) { c.owned = owned }

// Owned reports whether closing the Conn closes its descriptor
func (c *Conn) Owned() bool { return c.owned }

// Retain adds a holder
func (c *Conn) Retain() {
	if !c.closed {
		c.refs++
	}
}

// Release drops a holder; the last one closes the Conn
func (c *Conn) Release() error {
	if c.closed {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	return c.Close()
}

// Close unregisters the Conn, closes an owned descriptor and frees its
// buffers without invoking any callback. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.loop.checkThread("Conn.Close")
	if !c.state.terminal() {
		c.state = StateClosed
	}
	c.unregister()
	c.markClosed()
	c.closed = true
	c.refs = 0

	c.in.OnChange(nil)
	c.out.OnChange(nil)
	c.in.Reset()
	c.out.Reset()

	var err error
	if c.fd >= 0 && c.owned {
		err = unix.Close(c.fd)
	}
	c.fd = -1
	c.loop.release(c)
	return err
}

func (c *Conn) detach() {
	c.Close()
}

// SetHandler replaces the notification target
func (c *Conn) SetHandler(h Handler) {
	if h == nil {
		h = HandlerFuncs{}
	}
	c.handler = h
}

// Fd returns the descriptor, -1 when there is none
func (c *Conn) Fd() int { return c.fd }

// State returns the lifecycle state
func (c *Conn) State() State { return c.state }

// Loop returns the owning loop
func (c *Conn) Loop() *Loop { return c.loop }

// Input is the buffer holding received bytes. It belongs to the Conn and
// is only valid until the Conn is closed.
func (c *Conn) Input() *buffer.Buffer { return c.in }

// Output is the buffer of bytes queued for sending. It belongs to the Conn
// and is only valid until the Conn is closed.
func (c *Conn) Output() *buffer.Buffer { return c.out }

// LocalAddr returns the local endpoint
func (c *Conn) LocalAddr() Addr {
	if !c.local.IsValid() && c.fd >= 0 {
		if sa, err := unix.Getsockname(c.fd); err == nil {
			c.local = addrFromSockaddr(sa)
		}
	}
	return c.local
}

// RemoteAddr returns the peer endpoint
func (c *Conn) RemoteAddr() Addr {
	if !c.remote.IsValid() && c.fd >= 0 {
		if sa, err := unix.Getpeername(c.fd); err == nil {
			c.remote = addrFromSockaddr(sa)
		}
	}
	return c.remote
}
