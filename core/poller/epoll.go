//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

// NewPoller creates a new Poller (Linux)
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func interest(read, write bool) uint32 {
	// Level-triggered (no EPOLLET). EPOLLRDHUP only while reading, so a
	// half-closed peer does not keep reporting on a paused reader.
	var ev uint32
	if read {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the interest set of a file descriptor
func (p *EpollPoller) Modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(events []Event, timeout int) (int, error) {
	max := len(events)
	if max > len(p.events) {
		max = len(p.events)
	}
	if max == 0 {
		return 0, nil
	}

	n, err := unix.EpollWait(p.epfd, p.events[:max], timeout)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}

		var flags uint32
		if raw.Events&unix.EPOLLIN != 0 {
			flags |= Readable
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			flags |= Writable
		}
		if raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			flags |= Hangup
		}
		if raw.Events&unix.EPOLLERR != 0 {
			flags |= Failed
		}
		events[count] = Event{Fd: fd, Flags: flags}
		count++
	}

	return count, nil
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake interrupts Wait
func (p *EpollPoller) Wake() error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
