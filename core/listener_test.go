package core

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListenBindInUse(t *testing.T) {
	l := newTestLoop(t)

	first, err := ListenString(l, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	watched := len(l.fds)
	objects := len(l.objects)

	_, err = Listen(l, first.Addr(), nil)
	if !errors.Is(err, ErrBind) {
		t.Fatalf("Expected ErrBind, got %v", err)
	}
	if !errors.Is(err, unix.EADDRINUSE) {
		t.Errorf("Expected EADDRINUSE underneath, got %v", err)
	}
	if len(l.fds) != watched || len(l.objects) != objects {
		t.Errorf("Expected failed listen to leave nothing registered, got %d fds %d objects",
			len(l.fds), len(l.objects))
	}
}

func TestListenPicksPort(t *testing.T) {
	l := newTestLoop(t)

	ln, err := ListenString(l, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if ln.Addr().Port() == 0 {
		t.Error("Expected the bound port to be reported")
	}
	if ln.Addr().Host() != "127.0.0.1" {
		t.Errorf("Expected 127.0.0.1, got %s", ln.Addr().Host())
	}
}

func TestListenerDisableIsIdempotent(t *testing.T) {
	l := newTestLoop(t)

	ln, err := ListenString(l, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if l.watching != 1 {
		t.Fatalf("Expected 1 watched descriptor, got %d", l.watching)
	}

	for i := 0; i < 2; i++ {
		if err := ln.Disable(); err != nil {
			t.Errorf("Disable #%d: %v", i+1, err)
		}
		if ln.Enabled() || l.watching != 0 {
			t.Errorf("Expected disabled listener with nothing watched, got enabled=%v watching=%d",
				ln.Enabled(), l.watching)
		}
	}

	// A disabled listener alone does not keep the loop running
	done := make(chan error, 1)
	go func() { done <- l.Run(RunDefault) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Run to return")
	}
}

func TestListenerAcceptsWhenEnabled(t *testing.T) {
	l := newTestLoop(t)
	guard(t, l, 5*time.Second)

	var peer Addr
	accepted := 0
	ln, err := ListenString(l, "127.0.0.1:0", func(ln *Listener, fd int, p Addr) {
		accepted++
		peer = p
		unix.Close(fd)
		l.Exit()
	}, WithDisabled())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if ln.Enabled() {
		t.Fatal("Expected listener to start disabled")
	}

	c, _ := NewConn(l, -1, nil)
	c.Connect(ln.Addr())

	enable, _ := l.NewOneShotTimer(func(*Event, int) {
		if accepted != 0 {
			t.Error("Expected no accepts while disabled")
		}
		ln.Enable()
	})
	enable.StartAfter(50 * time.Millisecond)

	run(t, l, RunDefault)

	if accepted != 1 {
		t.Errorf("Expected 1 accept, got %d", accepted)
	}
	if peer.Host() != "127.0.0.1" || peer.Port() == 0 {
		t.Errorf("Expected loopback peer, got %s", peer)
	}
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	l := newTestLoop(t)

	ln, err := ListenString(l, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := ln.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := ln.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if err := ln.Enable(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
