package core

import (
	"testing"
	"time"
)

func newTestLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l, err := NewLoop(opts...)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// guard exits the loop and fails the test if it is still running after d
func guard(t *testing.T, l *Loop, d time.Duration) *Event {
	t.Helper()
	ev, err := l.NewOneShotTimer(func(ev *Event, _ int) {
		t.Errorf("Loop still running after %v", d)
		ev.ExitLoop()
	})
	if err != nil {
		t.Fatalf("NewOneShotTimer: %v", err)
	}
	ev.StartAfter(d)
	return ev
}

func run(t *testing.T, l *Loop, flags RunFlags) {
	t.Helper()
	if err := l.Run(flags); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
