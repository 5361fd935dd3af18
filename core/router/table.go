package router

import (
	"errors"
	"strings"
	"sync"
)

// ErrRouteExists is returned when a path is registered twice
var ErrRouteExists = errors.New("router: route already exists")

// Table maps exact paths to handlers, with one optional default handler
// for everything else. Lookups are safe alongside updates.
type Table[H any] struct {
	mu       sync.RWMutex
	routes   map[string]H
	fallback H
	hasFall  bool
}

// New creates an empty table
func New[H any]() *Table[H] {
	return &Table[H]{routes: make(map[string]H)}
}

// Normalize gives the key a path is stored under: a leading '/', no
// trailing '/' except for the root, and no empty segments.
func Normalize(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.Contains(p, "//") && p[0] == '/' && p[len(p)-1] != '/' {
		return p
	}

	var b strings.Builder
	b.Grow(len(p) + 1)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(seg)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Add registers h for path
func (t *Table[H]) Add(path string, h H) error {
	key := Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; ok {
		return ErrRouteExists
	}
	t.routes[key] = h
	return nil
}

// Delete removes path and reports whether it was registered
func (t *Table[H]) Delete(path string) bool {
	key := Normalize(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[key]; !ok {
		return false
	}
	delete(t.routes, key)
	return true
}

// Find returns the handler registered for exactly path
func (t *Table[H]) Find(path string) (H, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.routes[Normalize(path)]
	return h, ok
}

// SetDefault installs the handler for unmatched paths
func (t *Table[H]) SetDefault(h H) {
	t.mu.Lock()
	t.fallback, t.hasFall = h, true
	t.mu.Unlock()
}

// ClearDefault removes the default handler
func (t *Table[H]) ClearDefault() {
	var zero H
	t.mu.Lock()
	t.fallback, t.hasFall = zero, false
	t.mu.Unlock()
}

// Lookup returns the exact match, else the default handler. ok is false
// when neither exists.
func (t *Table[H]) Lookup(path string) (h H, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok = t.routes[Normalize(path)]; ok {
		return h, true
	}
	return t.fallback, t.hasFall
}

// Len returns the number of exact routes
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Paths returns the registered keys in no particular order
func (t *Table[H]) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for k := range t.routes {
		out = append(out, k)
	}
	return out
}
