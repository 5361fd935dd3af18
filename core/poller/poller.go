package poller

// Readiness flags reported by Wait
const (
	Readable uint32 = 1 << iota
	Writable
	Hangup
	Failed
)

// Event is one readiness notification
type Event struct {
	Fd    int
	Flags uint32
}

// Poller is the I/O multiplexing interface (level-triggered)
type Poller interface {
	// Add registers fd with the given interest set
	Add(fd int, read, write bool) error
	// Modify replaces the interest set of a registered fd
	Modify(fd int, read, write bool) error
	Remove(fd int) error
	// Wait fills events and returns how many are ready.
	// timeout is in milliseconds, negative blocks indefinitely.
	// Wakeups are consumed internally and never reported.
	Wait(events []Event, timeout int) (int, error)
	// Wake interrupts a blocked Wait from any goroutine
	Wake() error
	Close() error
}
