package router

import (
	"errors"
	"fmt"
	"testing"
)

// TestTableBasic tests exact static matching
func TestTableBasic(t *testing.T) {
	table := New[string]()
	table.Add("/", "root")
	table.Add("/hello", "hello")
	table.Add("/hello/world", "world")

	tests := []struct {
		path        string
		shouldMatch bool
		want        string
	}{
		{"/", true, "root"},
		{"/hello", true, "hello"},
		{"/hello/", true, "hello"},
		{"/hello/world", true, "world"},
		{"//hello//world", true, "world"},
		{"/hello/wor", false, ""},
		{"/notfound", false, ""},
	}

	for _, tt := range tests {
		h, ok := table.Find(tt.path)
		if ok != tt.shouldMatch {
			t.Errorf("Path %s: expected match=%v, got match=%v", tt.path, tt.shouldMatch, ok)
			continue
		}
		if ok && h != tt.want {
			t.Errorf("Path %s: expected %q, got %q", tt.path, tt.want, h)
		}
	}
}

// TestTableDuplicate tests that a path can only be registered once
func TestTableDuplicate(t *testing.T) {
	table := New[int]()
	if err := table.Add("/a", 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.Add("/a/", 2); !errors.Is(err, ErrRouteExists) {
		t.Errorf("Expected ErrRouteExists, got %v", err)
	}
	if h, _ := table.Find("/a"); h != 1 {
		t.Errorf("Expected original handler to stay, got %d", h)
	}
}

// TestTableDefault tests fallback behaviour for unmatched paths
func TestTableDefault(t *testing.T) {
	table := New[string]()
	table.Add("/exact", "exact")

	if _, ok := table.Lookup("/missing"); ok {
		t.Error("Expected no match without a default handler")
	}

	table.SetDefault("default")
	tests := []struct {
		path string
		want string
	}{
		{"/exact", "exact"},
		{"/missing", "default"},
		{"/exact/deeper", "default"},
	}
	for _, tt := range tests {
		h, ok := table.Lookup(tt.path)
		if !ok || h != tt.want {
			t.Errorf("Path %s: expected %q, got %q (ok=%v)", tt.path, tt.want, h, ok)
		}
	}

	table.ClearDefault()
	if _, ok := table.Lookup("/missing"); ok {
		t.Error("Expected no match after clearing the default")
	}
}

// TestTableDelete tests route removal
func TestTableDelete(t *testing.T) {
	table := New[string]()
	table.Add("/gone", "x")

	if !table.Delete("/gone") {
		t.Error("Expected Delete to report removal")
	}
	if table.Delete("/gone") {
		t.Error("Expected second Delete to report nothing removed")
	}
	if _, ok := table.Find("/gone"); ok {
		t.Error("Expected route to be gone")
	}
	if err := table.Add("/gone", "y"); err != nil {
		t.Errorf("Expected re-adding a deleted route to work, got %v", err)
	}
	if table.Len() != 1 {
		t.Errorf("Expected 1 route, got %d", table.Len())
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":       "/",
		"/":      "/",
		"//":     "/",
		"a/b":    "/a/b",
		"/a/b/":  "/a/b",
		"/a//b":  "/a/b",
		"/a/b":   "/a/b",
		"/a/./b": "/a/./b",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q): expected %q, got %q", in, want, got)
		}
	}
}

// BenchmarkTableLookup benchmarks exact-match lookups
func BenchmarkTableLookup(b *testing.B) {
	table := New[int]()
	for i := 0; i < 100; i++ {
		table.Add(fmt.Sprintf("/api/v1/resource%d", i), i)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		table.Lookup("/api/v1/resource42")
	}
}
