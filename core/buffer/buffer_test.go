package buffer

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchktools/reactor/core/pools"
)

func TestAppendReadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1500) // spans several chunks

	splits := [][]int{
		{len(payload)},
		{1, 2, 3, 5, 8, 13},
		{pools.DefaultChunkSize - 1, 2, pools.DefaultChunkSize},
		{7000, 100, 9000},
	}

	for _, split := range splits {
		b := New()
		rest := payload
		for _, n := range split {
			if n > len(rest) {
				n = len(rest)
			}
			if err := b.Append(rest[:n]); err != nil {
				t.Fatalf("Append: %v", err)
			}
			rest = rest[n:]
		}
		if err := b.Append(rest); err != nil {
			t.Fatalf("Append: %v", err)
		}

		if b.Len() != len(payload) {
			t.Errorf("Split %v: expected len %d, got %d", split, len(payload), b.Len())
		}
		got, err := io.ReadAll(b)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("Split %v: round trip mismatch", split)
		}
		if b.Len() != 0 {
			t.Errorf("Expected empty buffer after read, got %d", b.Len())
		}
	}
}

func TestZeroValueBuffer(t *testing.T) {
	var b Buffer
	b.AppendString("hello")
	if b.String() != "hello" {
		t.Errorf("Expected hello, got %q", b.String())
	}
}

func TestPrepend(t *testing.T) {
	b := New()
	b.AppendString("world")
	b.Prepend([]byte("hello "))
	b.Prepend([]byte(">> "))

	if got := b.String(); got != ">> hello world" {
		t.Errorf("Expected %q, got %q", ">> hello world", got)
	}

	// Prepend reuses headroom after a drain
	b.Drain(3)
	b.Prepend([]byte("<<"))
	if got := b.String(); got != "<<hello world" {
		t.Errorf("Expected %q, got %q", "<<hello world", got)
	}
}

func TestPrependKeepsHeadroom(t *testing.T) {
	b := New()
	b.AppendString("tail")
	for i := 0; i < 100; i++ {
		b.Prepend([]byte("ab"))
	}

	// The first prepend opens a head chunk, the rest fill its headroom
	if n := b.chunkQueue().Length(); n != 2 {
		t.Errorf("Expected 2 chunks, got %d", n)
	}
	if got := b.String(); got != strings.Repeat("ab", 100)+"tail" {
		t.Errorf("Expected prepended data, got %q", got)
	}
}

func TestPrintf(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		b.Printf("line %d\n", i)
	}
	if got := b.String(); got != "line 0\nline 1\nline 2\n" {
		t.Errorf("Unexpected contents %q", got)
	}
}

func TestAppendBufferMovesChunks(t *testing.T) {
	src := New()
	dst := New()
	dst.AppendString("head:")
	src.AppendString(strings.Repeat("x", 10000))

	if err := dst.AppendBuffer(src); err != nil {
		t.Fatalf("AppendBuffer: %v", err)
	}
	if src.Len() != 0 {
		t.Errorf("Expected source to be empty, got %d", src.Len())
	}
	if dst.Len() != 5+10000 {
		t.Errorf("Expected %d bytes, got %d", 10005, dst.Len())
	}
	if !strings.HasPrefix(dst.String(), "head:xxx") {
		t.Errorf("Unexpected prefix %q", dst.String()[:8])
	}

	// source stays usable
	src.AppendString("again")
	if src.String() != "again" {
		t.Errorf("Expected source reuse, got %q", src.String())
	}
}

func TestRemoveBuffer(t *testing.T) {
	src := New()
	src.AppendString(strings.Repeat("a", 5000))
	src.AppendString("tail")
	dst := New()

	moved := src.RemoveBuffer(dst, 5002)
	if moved != 5002 {
		t.Errorf("Expected 5002 moved, got %d", moved)
	}
	if src.String() != "il" {
		t.Errorf("Expected remaining %q, got %q", "il", src.String())
	}
	if dst.Len() != 5002 {
		t.Errorf("Expected dst len 5002, got %d", dst.Len())
	}
}

func TestHighWaterMark(t *testing.T) {
	b := New(WithHighWaterMark(10))

	if err := b.AppendString("12345678"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.AppendString("abc"); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Expected ErrBufferFull, got %v", err)
	}
	if b.String() != "12345678" {
		t.Errorf("Expected buffer unchanged, got %q", b.String())
	}
	if n, err := b.Write([]byte("zzz")); n != 0 || err == nil {
		t.Errorf("Expected Write to fail, got n=%d err=%v", n, err)
	}
	if err := b.Prepend([]byte("zzz")); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Expected ErrBufferFull on prepend, got %v", err)
	}

	if p := b.Reserve(100); len(p) != 2 {
		t.Errorf("Expected reserve limited to 2, got %d", len(p))
	}
	b.AppendString("90")
	if !b.Full() {
		t.Error("Expected buffer to report full")
	}
	if p := b.Reserve(1); p != nil {
		t.Errorf("Expected nil reserve when full, got %d bytes", len(p))
	}

	other := New()
	other.AppendString("more")
	if err := b.AppendBuffer(other); !errors.Is(err, ErrBufferFull) {
		t.Errorf("Expected ErrBufferFull on move, got %v", err)
	}
	if other.Len() != 4 {
		t.Errorf("Expected failed move to keep source, got %d", other.Len())
	}
}

func TestIndexAndReadLineAcrossChunks(t *testing.T) {
	b := New()
	pad := strings.Repeat("p", pools.DefaultChunkSize-1)
	b.AppendString(pad + "\r")
	b.AppendString("\nsecond line\n")

	if i := b.Index([]byte("\r\n")); i != len(pad) {
		t.Errorf("Expected index %d, got %d", len(pad), i)
	}

	line, ok := b.ReadLine()
	if !ok || string(line) != pad {
		t.Errorf("Expected first line of %d bytes, got %d (ok=%v)", len(pad), len(line), ok)
	}
	line, ok = b.ReadLine()
	if !ok || string(line) != "second line" {
		t.Errorf("Expected %q, got %q", "second line", line)
	}
	if _, ok := b.ReadLine(); ok {
		t.Error("Expected no line in empty buffer")
	}

	b.AppendString("partial")
	if _, ok := b.ReadLine(); ok {
		t.Error("Expected incomplete line to stay buffered")
	}
	if b.Index([]byte("zz")) != -1 {
		t.Error("Expected -1 for missing separator")
	}
}

func TestContiguousSpaceAndPullup(t *testing.T) {
	b := New()
	b.Append(bytes.Repeat([]byte{'a'}, pools.DefaultChunkSize))
	b.AppendString("bcd")

	if got := b.ContiguousSpace(); got != pools.DefaultChunkSize {
		t.Errorf("Expected contiguous %d, got %d", pools.DefaultChunkSize, got)
	}

	head := b.Pullup(pools.DefaultChunkSize + 2)
	if len(head) != pools.DefaultChunkSize+2 || string(head[len(head)-2:]) != "bc" {
		t.Errorf("Unexpected pullup result of %d bytes", len(head))
	}
	if b.ContiguousSpace() < pools.DefaultChunkSize+2 {
		t.Errorf("Expected pulled-up region to be contiguous, got %d", b.ContiguousSpace())
	}
	if b.Len() != pools.DefaultChunkSize+3 {
		t.Errorf("Expected length unchanged, got %d", b.Len())
	}
}

func TestReserveCommit(t *testing.T) {
	b := New()
	b.AppendString("ab")

	p := b.Reserve(64)
	if len(p) != 64 {
		t.Fatalf("Expected 64 bytes reserved, got %d", len(p))
	}
	n := copy(p, "cdef")
	if err := b.Commit(n); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if b.String() != "abcdef" {
		t.Errorf("Expected abcdef, got %q", b.String())
	}
	if err := b.Commit(1 << 20); !errors.Is(err, ErrOverCommit) {
		t.Errorf("Expected ErrOverCommit, got %v", err)
	}
}

func TestWriteTo(t *testing.T) {
	b := New()
	b.AppendString(strings.Repeat("z", 9000))

	var out bytes.Buffer
	n, err := b.WriteTo(&out)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 9000 || out.Len() != 9000 || b.Len() != 0 {
		t.Errorf("Expected 9000 bytes moved, got n=%d out=%d left=%d", n, out.Len(), b.Len())
	}
}

func TestLockingConcurrentAppend(t *testing.T) {
	b := New(WithLocking())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.AppendString("0123456789")
			}
		}()
	}
	wg.Wait()

	if b.Len() != 8*1000*10 {
		t.Errorf("Expected %d bytes, got %d", 8*1000*10, b.Len())
	}
}

func TestLockingCrossMoves(t *testing.T) {
	a := New(WithLocking())
	b := New(WithLocking())
	a.AppendString("aaaa")
	b.AppendString("bbbb")

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 2000; i++ {
					if g == 0 {
						a.AppendBuffer(b)
						a.RemoveBuffer(b, 2)
					} else {
						b.AppendBuffer(a)
						b.RemoveBuffer(a, 2)
					}
				}
			}(g)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Moves between two locking buffers deadlocked")
	}
	if a.Len()+b.Len() != 8 {
		t.Errorf("Expected 8 bytes in total, got %d", a.Len()+b.Len())
	}
}

func BenchmarkAppendDrain(b *testing.B) {
	buf := New()
	data := bytes.Repeat([]byte("x"), 512)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(data)
		buf.Drain(len(data))
	}
}
