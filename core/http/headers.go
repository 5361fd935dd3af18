package http

import "strings"

// Header is one key/value line
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header list. Keys compare case-insensitively and
// may repeat; Get returns one of the values without promising which.
type Headers struct {
	list []Header
}

// Len returns the number of header lines
func (h *Headers) Len() int { return len(h.list) }

// Add appends a line, keeping earlier lines with the same key
func (h *Headers) Add(key, value string) {
	h.list = append(h.list, Header{Key: key, Value: value})
}

// Set replaces every line for key with a single one
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Get returns a value for key, "" if absent
func (h *Headers) Get(key string) string {
	v, _ := h.Lookup(key)
	return v
}

// Lookup returns a value for key and whether one exists
func (h *Headers) Lookup(key string) (string, bool) {
	for _, kv := range h.list {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value, true
		}
	}
	return "", false
}

// Values returns every value for key in arrival order
func (h *Headers) Values(key string) []string {
	var out []string
	for _, kv := range h.list {
		if strings.EqualFold(kv.Key, key) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Has reports whether key is present
func (h *Headers) Has(key string) bool {
	_, ok := h.Lookup(key)
	return ok
}

// Del removes every line for key
func (h *Headers) Del(key string) {
	kept := h.list[:0]
	for _, kv := range h.list {
		if !strings.EqualFold(kv.Key, key) {
			kept = append(kept, kv)
		}
	}
	clear(h.list[len(kept):])
	h.list = kept
}

// Range calls fn for each line in order until it returns false
func (h *Headers) Range(fn func(key, value string) bool) {
	for _, kv := range h.list {
		if !fn(kv.Key, kv.Value) {
			return
		}
	}
}

// Reset drops all lines
func (h *Headers) Reset() {
	clear(h.list)
	h.list = h.list[:0]
}

// hasToken reports whether a comma-separated header value lists token
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = strings.TrimSpace(part[:i])
		}
		if strings.EqualFold(part, token) {
			return true
		}
	}
	return false
}
