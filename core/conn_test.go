package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// echoServer accepts connections that write back whatever they read
func echoServer(t *testing.T, l *Loop) *Listener {
	t.Helper()
	ln, err := Listen(l, MustParseAddr("127.0.0.1:0"), func(ln *Listener, fd int, _ Addr) {
		c, err := NewConn(l, fd, HandlerFuncs{
			Readable: func(c *Conn) {
				c.Output().AppendBuffer(c.Input())
			},
			Closed: func(c *Conn, _ StatusEvent, _ error) {
				c.Release()
			},
		})
		if err != nil {
			unix.Close(fd)
			return
		}
		c.SetOwned(true)
		c.Enable(EvRead)
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return ln
}

func TestEchoRoundTrip(t *testing.T) {
	l := newTestLoop(t)
	guard(t, l, 5*time.Second)
	ln := echoServer(t, l)

	var got strings.Builder
	var order []string
	client, err := NewConn(l, -1, HandlerFuncs{
		Connected: func(c *Conn) {
			order = append(order, "connected")
			c.Output().AppendString("abc")
			c.Enable(EvRead)
		},
		Readable: func(c *Conn) {
			order = append(order, "readable")
			got.WriteString(c.Input().String())
			c.Input().Drain(c.Input().Len())
			if got.Len() >= 3 {
				c.Release()
				l.Exit()
			}
		},
		Closed: func(c *Conn, events StatusEvent, err error) {
			t.Errorf("Unexpected close: %v %v", events, err)
			l.Exit()
		},
	})
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	if err := client.Connect(ln.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.State() != StateConnecting {
		t.Errorf("Expected connecting, got %v", client.State())
	}

	run(t, l, RunDefault)

	if got.String() != "abc" {
		t.Errorf("Expected 'abc', got %q", got.String())
	}
	if len(order) == 0 || order[0] != "connected" {
		t.Errorf("Expected OnConnected before any read, got %v", order)
	}
	if client.Fd() != -1 {
		t.Errorf("Expected released conn to drop its descriptor, got fd %d", client.Fd())
	}
}

func TestConnectRefused(t *testing.T) {
	l := newTestLoop(t)
	guard(t, l, 5*time.Second)

	// Grab a free port and release it so nothing is listening there
	ln, err := ListenString(l, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr()
	ln.Close()

	returned := false
	closed := 0
	connected := false
	var gotEvents StatusEvent
	var gotErr error

	c, _ := NewConn(l, -1, HandlerFuncs{
		Connected: func(*Conn) { connected = true },
		Closed: func(c *Conn, events StatusEvent, err error) {
			if !returned {
				t.Error("Expected OnClosed after Connect returned")
			}
			closed++
			gotEvents, gotErr = events, err
			l.Exit()
		},
	})
	if err := c.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	returned = true

	run(t, l, RunDefault)

	if connected {
		t.Error("Expected no OnConnected")
	}
	if closed != 1 {
		t.Errorf("Expected 1 OnClosed, got %d", closed)
	}
	if gotEvents&EventError == 0 {
		t.Errorf("Expected error event, got %v", gotEvents)
	}
	if !errors.Is(gotErr, ErrConnect) {
		t.Errorf("Expected ErrConnect, got %v", gotErr)
	}
	if c.State() != StateError {
		t.Errorf("Expected error state, got %v", c.State())
	}
	if err := c.Connect(addr); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected on reuse, got %v", err)
	}
}

func TestPeerCloseReportsEOF(t *testing.T) {
	l := newTestLoop(t)
	guard(t, l, 5*time.Second)

	ln, err := ListenString(l, "127.0.0.1:0", func(ln *Listener, fd int, _ Addr) {
		unix.Close(fd)
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	closed := 0
	var gotEvents StatusEvent
	var gotErr error
	c, _ := NewConn(l, -1, HandlerFuncs{
		Connected: func(c *Conn) { c.Enable(EvRead) },
		Closed: func(c *Conn, events StatusEvent, err error) {
			closed++
			gotEvents, gotErr = events, err
			l.Exit()
		},
	})
	c.Connect(ln.Addr())
	run(t, l, RunDefault)

	if closed != 1 {
		t.Fatalf("Expected 1 OnClosed, got %d", closed)
	}
	if gotEvents&EventEOF == 0 || gotEvents&EventReading == 0 {
		t.Errorf("Expected reading|eof, got %v", gotEvents)
	}
	if !errors.Is(gotErr, ErrPeerClosed) {
		t.Errorf("Expected ErrPeerClosed, got %v", gotErr)
	}
	if c.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", c.State())
	}
}

func TestReadHighWatermarkPausesReading(t *testing.T) {
	l := newTestLoop(t)
	guard(t, l, 5*time.Second)

	var srv *Conn
	ln, err := ListenString(l, "127.0.0.1:0", func(ln *Listener, fd int, _ Addr) {
		srv, _ = NewConn(l, fd, nil)
		srv.SetOwned(true)
		srv.SetReadWatermarks(0, 8)
		srv.Enable(EvRead)
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client, _ := NewConn(l, -1, HandlerFuncs{
		Connected: func(c *Conn) {
			c.Output().AppendString(strings.Repeat("x", 32))
		},
	})
	client.Connect(ln.Addr())

	total := 0
	check, _ := l.NewOneShotTimer(func(*Event, int) {
		if srv == nil {
			t.Error("Expected an accepted connection")
			l.Exit()
			return
		}
		if n := srv.Input().Len(); n != 8 {
			t.Errorf("Expected reading to stop at 8 bytes, got %d", n)
		}
		srv.SetHandler(HandlerFuncs{
			Readable: func(c *Conn) {
				total += c.Input().Drain(c.Input().Len())
				if total == 32 {
					l.Exit()
				}
			},
		})
		// Draining below the mark resumes reading
		total += srv.Input().Drain(srv.Input().Len())
	})
	check.StartAfter(100 * time.Millisecond)

	run(t, l, RunDefault)

	if total != 32 {
		t.Errorf("Expected 32 bytes after resuming, got %d", total)
	}
}

func TestReleaseLastHolderCloses(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	c, err := NewConn(l, fds[0], nil)
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	c.SetOwned(true)

	c.Retain()
	c.Release()
	if c.Fd() != fds[0] || c.State() != StateConnected {
		t.Errorf("Expected conn to stay open with a holder left, got fd %d state %v", c.Fd(), c.State())
	}

	c.Release()
	if c.Fd() != -1 || c.State() != StateClosed {
		t.Errorf("Expected last release to close, got fd %d state %v", c.Fd(), c.State())
	}
	if err := c.Enable(EvRead); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	// Closing again is harmless
	if err := c.Close(); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestUnownedDescriptorSurvivesClose(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c, _ := NewConn(l, fds[0], nil)
	if c.Owned() {
		t.Error("Expected wrapped descriptors to be unowned by default")
	}
	c.Close()

	if _, err := unix.Write(fds[0], []byte("x")); err != nil {
		t.Errorf("Expected descriptor to stay open, got %v", err)
	}
}

func TestConnDisableIsIdempotent(t *testing.T) {
	l := newTestLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	c, _ := NewConn(l, fds[0], nil)
	c.SetOwned(true)
	defer c.Close()

	c.Enable(EvRead)
	if l.watching != 1 {
		t.Fatalf("Expected 1 watched descriptor, got %d", l.watching)
	}
	for i := 0; i < 2; i++ {
		if err := c.Disable(EvRead); err != nil {
			t.Errorf("Disable #%d: %v", i+1, err)
		}
		if l.watching != 0 {
			t.Errorf("Expected 0 watched descriptors, got %d", l.watching)
		}
	}
	if c.Enabled() != EvWrite {
		t.Errorf("Expected only write enabled, got %v", c.Enabled())
	}
}

func TestStatusEventString(t *testing.T) {
	tests := []struct {
		ev   StatusEvent
		want string
	}{
		{0, "none"},
		{EventEOF, "eof"},
		{EventReading | EventError, "reading|error"},
	}
	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
