// Package buffer provides a chunked, growable byte queue used for the input
// and output sides of connections and HTTP exchanges.
//
// Storage is a queue of fixed-size chunks taken from the shared byte pool, so
// appending never moves existing data and moving a whole Buffer into another
// one hands over chunks instead of copying bytes.
//
// A Buffer is not safe for concurrent use unless EnableLocking was called
// before it was shared.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"

	"github.com/searchktools/reactor/core/pools"
)

var (
	// ErrBufferFull is returned when an append would exceed the high-water mark
	ErrBufferFull = errors.New("buffer: high-water mark reached")
	// ErrOverCommit is returned when Commit exceeds the space handed out by Reserve
	ErrOverCommit = errors.New("buffer: commit exceeds reserved space")
)

type chunk struct {
	buf []byte
	off int // first readable byte
	end int // first writable byte
}

func newChunk(size int) *chunk {
	if size < pools.DefaultChunkSize {
		size = pools.DefaultChunkSize
	}
	buf := pools.GetBytes(size)
	return &chunk{buf: buf[:cap(buf)]}
}

func (c *chunk) len() int      { return c.end - c.off }
func (c *chunk) free() int     { return len(c.buf) - c.end }
func (c *chunk) bytes() []byte { return c.buf[c.off:c.end] }

func (c *chunk) release() {
	pools.PutBytes(c.buf)
	c.buf = nil
	c.off, c.end = 0, 0
}

// Option configures a Buffer
type Option func(*Buffer)

// WithHighWaterMark bounds the number of bytes the buffer may hold.
// Zero means unbounded.
func WithHighWaterMark(n int) Option {
	return func(b *Buffer) {
		b.hwm = n
	}
}

// WithLocking creates the buffer in locking mode
func WithLocking() Option {
	return func(b *Buffer) {
		b.locking.Store(true)
	}
}

// Buffer is a growable byte queue. The zero value is an empty, unbounded,
// non-locking buffer ready to use.
type Buffer struct {
	mu      sync.Mutex
	locking atomic.Bool

	chunks   *queue.Queue // of *chunk
	length   int
	hwm      int
	onChange func()
}

// New creates an empty Buffer
func New(opts ...Option) *Buffer {
	b := &Buffer{chunks: queue.New()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnableLocking makes every later operation take an internal mutex.
// It must be called before the buffer is shared between goroutines.
func (b *Buffer) EnableLocking() {
	b.locking.Store(true)
}

func (b *Buffer) lock() {
	if b.locking.Load() {
		b.mu.Lock()
	}
}

func (b *Buffer) unlock() {
	if b.locking.Load() {
		b.mu.Unlock()
	}
}

// lockPair locks two buffers in address order so that concurrent moves in
// opposite directions cannot deadlock
func lockPair(x, y *Buffer) func() {
	if uintptr(unsafe.Pointer(y)) < uintptr(unsafe.Pointer(x)) {
		x, y = y, x
	}
	x.lock()
	y.lock()
	return func() {
		y.unlock()
		x.unlock()
	}
}

func (b *Buffer) chunkQueue() *queue.Queue {
	if b.chunks == nil {
		b.chunks = queue.New()
	}
	return b.chunks
}

// OnChange registers fn to run after every operation that may change Len.
// fn runs after the buffer's lock is released.
func (b *Buffer) OnChange(fn func()) {
	b.lock()
	b.onChange = fn
	b.unlock()
}

func (b *Buffer) changed() {
	if fn := b.onChange; fn != nil {
		fn()
	}
}

// Len returns the number of readable bytes
func (b *Buffer) Len() int {
	b.lock()
	defer b.unlock()
	return b.length
}

// ContiguousSpace returns the length of the longest readable run that
// starts at the front of the buffer.
func (b *Buffer) ContiguousSpace() int {
	b.lock()
	defer b.unlock()

	q := b.chunkQueue()
	for i := 0; i < q.Length(); i++ {
		if n := q.Get(i).(*chunk).len(); n > 0 {
			return n
		}
	}
	return 0
}

// HighWaterMark returns the configured bound (0 means unbounded)
func (b *Buffer) HighWaterMark() int {
	b.lock()
	defer b.unlock()
	return b.hwm
}

// SetHighWaterMark changes the bound. Data already stored is kept.
func (b *Buffer) SetHighWaterMark(n int) {
	b.lock()
	b.hwm = n
	b.unlock()
}

// Full reports whether the buffer is at or above its high-water mark
func (b *Buffer) Full() bool {
	b.lock()
	defer b.unlock()
	return b.hwm > 0 && b.length >= b.hwm
}

func (b *Buffer) fits(n int) bool {
	return b.hwm <= 0 || b.length+n <= b.hwm
}

// Append copies p to the back of the buffer
func (b *Buffer) Append(p []byte) error {
	defer b.changed()
	b.lock()
	defer b.unlock()
	return b.appendLocked(p)
}

// AppendString copies s to the back of the buffer
func (b *Buffer) AppendString(s string) error {
	defer b.changed()
	b.lock()
	defer b.unlock()
	return b.appendLocked([]byte(s))
}

func (b *Buffer) appendLocked(p []byte) error {
	if !b.fits(len(p)) {
		return ErrBufferFull
	}

	q := b.chunkQueue()
	for len(p) > 0 {
		var c *chunk
		if q.Length() > 0 {
			c = q.Get(-1).(*chunk)
		}
		if c == nil || c.free() == 0 {
			c = newChunk(len(p))
			q.Add(c)
		}
		n := copy(c.buf[c.end:], p)
		c.end += n
		b.length += n
		p = p[n:]
	}
	return nil
}

// Write implements io.Writer. A write that would cross the high-water
// mark stores nothing and returns ErrBufferFull.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString implements io.StringWriter
func (b *Buffer) WriteString(s string) (int, error) {
	if err := b.AppendString(s); err != nil {
		return 0, err
	}
	return len(s), nil
}

// Printf appends formatted text
func (b *Buffer) Printf(format string, args ...any) (int, error) {
	return fmt.Fprintf(b, format, args...)
}

// Prepend copies p to the front of the buffer. New head chunks keep their
// free space in front, so only a prepend that outgrows that headroom pays
// for rebuilding the chunk queue, which is O(chunks).
func (b *Buffer) Prepend(p []byte) error {
	defer b.changed()
	b.lock()
	defer b.unlock()

	if len(p) == 0 {
		return nil
	}
	if !b.fits(len(p)) {
		return ErrBufferFull
	}

	q := b.chunkQueue()
	if q.Length() > 0 {
		head := q.Peek().(*chunk)
		if head.off >= len(p) {
			head.off -= len(p)
			copy(head.buf[head.off:], p)
			b.length += len(p)
			return nil
		}
	}

	// New head chunk, data placed at its end to leave headroom for
	// further prepends
	c := newChunk(len(p))
	c.end = len(c.buf)
	c.off = c.end - len(p)
	copy(c.buf[c.off:], p)
	b.pushFront(c)
	b.length += len(p)
	return nil
}

// pushFront rebuilds the queue with c first, O(chunks); queue.Queue only
// grows at the back
func (b *Buffer) pushFront(c *chunk) {
	old := b.chunkQueue()
	q := queue.New()
	q.Add(c)
	for old.Length() > 0 {
		q.Add(old.Remove())
	}
	b.chunks = q
}

// AppendBuffer moves every byte of src to the back of b, leaving src empty.
// Whole chunks change hands, no bytes are copied.
func (b *Buffer) AppendBuffer(src *Buffer) error {
	if src == nil || src == b {
		return nil
	}
	defer src.changed()
	defer b.changed()

	defer lockPair(b, src)()

	if !b.fits(src.length) {
		return ErrBufferFull
	}

	q := b.chunkQueue()
	sq := src.chunkQueue()
	for sq.Length() > 0 {
		c := sq.Remove().(*chunk)
		if c.len() == 0 {
			c.release()
			continue
		}
		q.Add(c)
	}
	b.length += src.length
	src.length = 0
	return nil
}

// RemoveBuffer moves up to n bytes from the front of b to the back of dst
// and returns how many were moved. The move respects dst's high-water mark.
func (b *Buffer) RemoveBuffer(dst *Buffer, n int) int {
	if dst == nil || dst == b || n <= 0 {
		return 0
	}
	defer dst.changed()
	defer b.changed()

	defer lockPair(b, dst)()

	if n > b.length {
		n = b.length
	}
	if dst.hwm > 0 {
		room := dst.hwm - dst.length
		if room < n {
			n = room
		}
	}

	moved := 0
	q := b.chunkQueue()
	dq := dst.chunkQueue()
	for moved < n && q.Length() > 0 {
		c := q.Peek().(*chunk)
		want := n - moved
		if c.len() <= want {
			q.Remove()
			dq.Add(c)
			moved += c.len()
			dst.length += c.len()
			b.length -= c.len()
			continue
		}
		// Partial chunk, copy
		dst.appendLocked(c.bytes()[:want])
		c.off += want
		b.length -= want
		moved += want
	}
	return moved
}

func (b *Buffer) copyOut(p []byte) int {
	q := b.chunkQueue()
	n := 0
	for i := 0; i < q.Length() && n < len(p); i++ {
		n += copy(p[n:], q.Get(i).(*chunk).bytes())
	}
	return n
}

func (b *Buffer) drainLocked(n int) int {
	q := b.chunkQueue()
	drained := 0
	for n > 0 && q.Length() > 0 {
		c := q.Peek().(*chunk)
		if c.len() <= n {
			q.Remove()
			n -= c.len()
			drained += c.len()
			b.length -= c.len()
			c.release()
			continue
		}
		c.off += n
		b.length -= n
		drained += n
		n = 0
	}
	for q.Length() > 1 && q.Peek().(*chunk).len() == 0 {
		q.Remove().(*chunk).release()
	}
	return drained
}

// Peek copies up to len(p) bytes from the front without consuming them
func (b *Buffer) Peek(p []byte) int {
	b.lock()
	defer b.unlock()
	return b.copyOut(p)
}

// Pullup makes the first n bytes contiguous and returns them (n < 0 means
// everything). The returned slice aliases internal storage and is valid
// only until the next mutation of the buffer. Merging more than the head
// chunk copies n bytes and rebuilds the chunk queue, O(n + chunks).
func (b *Buffer) Pullup(n int) []byte {
	b.lock()
	defer b.unlock()

	if n < 0 || n > b.length {
		n = b.length
	}
	if n == 0 {
		return nil
	}

	q := b.chunkQueue()
	head := q.Peek().(*chunk)
	if head.len() >= n {
		return head.buf[head.off : head.off+n]
	}

	c := newChunk(n)
	b.copyOut(c.buf[:n])
	b.drainLocked(n)
	c.end = n
	b.pushFront(c)
	b.length += n
	return c.buf[:n]
}

// Drain discards up to n bytes from the front and returns how many were removed
func (b *Buffer) Drain(n int) int {
	defer b.changed()
	b.lock()
	defer b.unlock()
	return b.drainLocked(n)
}

// Read implements io.Reader, consuming what it copies
func (b *Buffer) Read(p []byte) (int, error) {
	defer b.changed()
	b.lock()
	defer b.unlock()

	if b.length == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := b.copyOut(p)
	b.drainLocked(n)
	return n, nil
}

// WriteTo implements io.WriterTo, draining what w accepts
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	defer b.changed()
	b.lock()
	defer b.unlock()

	var total int64
	q := b.chunkQueue()
	for q.Length() > 0 {
		c := q.Peek().(*chunk)
		if c.len() == 0 {
			q.Remove()
			c.release()
			continue
		}
		n, err := w.Write(c.bytes())
		total += int64(n)
		b.drainLocked(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Index returns the offset of the first occurrence of sep, or -1
func (b *Buffer) Index(sep []byte) int {
	b.lock()
	defer b.unlock()
	return b.indexLocked(sep)
}

func (b *Buffer) indexLocked(sep []byte) int {
	if len(sep) == 0 {
		return 0
	}

	q := b.chunkQueue()
	pos := 0
	for i := 0; i < q.Length(); i++ {
		c := q.Get(i).(*chunk)
		data := c.bytes()
		for j := 0; j < len(data); j++ {
			k := bytes.IndexByte(data[j:], sep[0])
			if k < 0 {
				break
			}
			j += k
			if b.matchAt(i, c.off+j, sep) {
				return pos + j
			}
		}
		pos += len(data)
	}
	return -1
}

// matchAt compares sep against the bytes starting at chunk ci, offset idx,
// continuing into following chunks
func (b *Buffer) matchAt(ci, idx int, sep []byte) bool {
	q := b.chunkQueue()
	c := q.Get(ci).(*chunk)
	for k := 0; k < len(sep); k++ {
		for idx >= c.end {
			ci++
			if ci >= q.Length() {
				return false
			}
			c = q.Get(ci).(*chunk)
			idx = c.off
		}
		if c.buf[idx] != sep[k] {
			return false
		}
		idx++
	}
	return true
}

// ReadLine consumes one line terminated by "\n" or "\r\n" and returns it
// without the terminator. ok is false when no complete line is buffered.
func (b *Buffer) ReadLine() (line []byte, ok bool) {
	defer b.changed()
	b.lock()
	defer b.unlock()

	i := b.indexLocked([]byte{'\n'})
	if i < 0 {
		return nil, false
	}
	line = make([]byte, i+1)
	b.copyOut(line)
	b.drainLocked(i + 1)

	line = line[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, true
}

// Reserve returns at least n bytes of writable space at the back of the
// buffer, fewer if the high-water mark leaves less room (nil when full).
// Follow with Commit to publish what was written.
func (b *Buffer) Reserve(n int) []byte {
	b.lock()
	defer b.unlock()

	if b.hwm > 0 {
		room := b.hwm - b.length
		if room <= 0 {
			return nil
		}
		if n > room {
			n = room
		}
	}
	if n <= 0 {
		return nil
	}

	q := b.chunkQueue()
	var c *chunk
	if q.Length() > 0 {
		c = q.Get(-1).(*chunk)
	}
	if c == nil || c.free() < n {
		c = newChunk(n)
		q.Add(c)
	}
	return c.buf[c.end : c.end+n]
}

// Commit publishes n bytes written into the slice returned by Reserve
func (b *Buffer) Commit(n int) error {
	defer b.changed()
	b.lock()
	defer b.unlock()

	if n == 0 {
		return nil
	}
	q := b.chunkQueue()
	if q.Length() == 0 {
		return ErrOverCommit
	}
	c := q.Get(-1).(*chunk)
	if n < 0 || n > c.free() {
		return ErrOverCommit
	}
	c.end += n
	b.length += n
	return nil
}

// Bytes returns a copy of the readable bytes
func (b *Buffer) Bytes() []byte {
	b.lock()
	defer b.unlock()

	out := make([]byte, b.length)
	b.copyOut(out)
	return out
}

// String returns the readable bytes as a string
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Reset discards everything and returns chunks to the pool
func (b *Buffer) Reset() {
	defer b.changed()
	b.lock()
	defer b.unlock()

	q := b.chunkQueue()
	for q.Length() > 0 {
		q.Remove().(*chunk).release()
	}
	b.length = 0
}
