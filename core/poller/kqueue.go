//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	rfd    int // wake pipe, read end
	wfd    int // wake pipe, write end
	events []unix.Kevent_t
	// current interest per fd, bit 0 read, bit 1 write
	interest map[int]uint8
}

// NewPoller creates a new Poller (macOS)
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}

	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(kqfd)
		return nil, err
	}
	rfd, wfd := pipe[0], pipe[1]
	for _, fd := range pipe {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}

	ev := unix.Kevent_t{Ident: uint64(rfd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD}
	if _, err := unix.Kevent(kqfd, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kqfd)
		return nil, err
	}

	return &KqueuePoller{
		kqfd:     kqfd,
		rfd:      rfd,
		wfd:      wfd,
		events:   make([]unix.Kevent_t, maxEvents),
		interest: make(map[int]uint8),
	}, nil
}

func (p *KqueuePoller) apply(fd int, read, write bool) error {
	old := p.interest[fd]
	var want uint8
	if read {
		want |= 1
	}
	if write {
		want |= 2
	}

	// Level-triggered (no EV_CLEAR)
	var changes []unix.Kevent_t
	if want&1 != old&1 {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if want&1 == 0 {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if want&2 != old&2 {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if want&2 == 0 {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}

	p.interest[fd] = want
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, read, write bool) error {
	p.interest[fd] = 0
	return p.apply(fd, read, write)
}

// Modify changes the interest set of a file descriptor
func (p *KqueuePoller) Modify(fd int, read, write bool) error {
	return p.apply(fd, read, write)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	err := p.apply(fd, false, false)
	delete(p.interest, fd)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(events []Event, timeout int) (int, error) {
	max := len(events)
	if max > len(p.events) {
		max = len(p.events)
	}
	if max == 0 {
		return 0, nil
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / 1000),
			Nsec: int64((timeout % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events[:max], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	// kqueue reports read and write separately; merge them per fd
	count := 0
	index := make(map[int]int, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Ident)
		if fd == p.rfd {
			p.drainWake()
			continue
		}

		var flags uint32
		switch raw.Filter {
		case unix.EVFILT_READ:
			flags |= Readable
		case unix.EVFILT_WRITE:
			flags |= Writable
		}
		if raw.Flags&unix.EV_EOF != 0 {
			flags |= Hangup
		}
		if raw.Flags&unix.EV_ERROR != 0 {
			flags |= Failed
		}

		if j, ok := index[fd]; ok {
			events[j].Flags |= flags
			continue
		}
		index[fd] = count
		events[count] = Event{Fd: fd, Flags: flags}
		count++
	}

	return count, nil
}

func (p *KqueuePoller) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.rfd, buf[:]); err != nil {
			return
		}
	}
}

// Wake interrupts Wait
func (p *KqueuePoller) Wake() error {
	_, err := unix.Write(p.wfd, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kqfd)
}
