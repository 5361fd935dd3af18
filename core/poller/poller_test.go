//go:build linux || darwin

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestPollerReadable(t *testing.T) {
	p, err := NewPoller(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, w := newPipe(t)
	if err := p.Add(r, true, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	events := make([]Event, 16)
	n, err := p.Wait(events, 0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected no events before write, got %d", n)
	}

	unix.Write(w, []byte("x"))

	n, err = p.Wait(events, 1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 event, got %d", n)
	}
	if events[0].Fd != r {
		t.Errorf("Expected fd %d, got %d", r, events[0].Fd)
	}
	if events[0].Flags&Readable == 0 {
		t.Errorf("Expected readable flag, got %b", events[0].Flags)
	}
}

func TestPollerModifyWritable(t *testing.T) {
	p, err := NewPoller(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	_, w := newPipe(t)
	if err := p.Add(w, false, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	events := make([]Event, 16)
	if n, _ := p.Wait(events, 0); n != 0 {
		t.Errorf("Expected no events without interest, got %d", n)
	}

	if err := p.Modify(w, false, true); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	n, err := p.Wait(events, 1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 1 || events[0].Flags&Writable == 0 {
		t.Errorf("Expected one writable event, got n=%d", n)
	}

	if err := p.Remove(w); err != nil {
		t.Errorf("Remove: %v", err)
	}
}

func TestPollerWake(t *testing.T) {
	p, err := NewPoller(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wake()
	}()

	start := time.Now()
	events := make([]Event, 16)
	n, err := p.Wait(events, 5000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected wakeup to be consumed, got %d events", n)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected Wake to interrupt Wait, took %v", elapsed)
	}
}
