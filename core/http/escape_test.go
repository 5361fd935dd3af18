package http

import (
	"errors"
	"testing"
)

func TestEncodeURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc-._~XYZ019", "abc-._~XYZ019"},
		{"a b", "a%20b"},
		{"/path?q=1&r=2", "%2Fpath%3Fq%3D1%26r%3D2"},
		{"é", "%C3%A9"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := EncodeURI(tt.in); got != tt.want {
			t.Errorf("EncodeURI(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestDecodeURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a%20b", "a b"},
		{"%C3%A9", "é"},
		{"a+b", "a+b"},
		{"/p?x=a+b", "/p?x=a b"},
		{"100%", "100%"},
		{"%zz", "%zz"},
		{"%4", "%4"},
	}
	for _, tt := range tests {
		if got := DecodeURI(tt.in); got != tt.want {
			t.Errorf("DecodeURI(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}

	orig := "hello world/?&=#"
	if got := DecodeURI(EncodeURI(orig)); got != orig {
		t.Errorf("Expected round trip of %q, got %q", orig, got)
	}
}

func TestHTMLEscape(t *testing.T) {
	got := HTMLEscape(`<a href="x">Tom & Jerry's</a>`)
	want := "&lt;a href=&quot;x&quot;&gt;Tom &amp; Jerry&#039;s&lt;/a&gt;"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery("/search?q=go+lang&page=2&tag=a%26b#top")
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.Get("q") != "go lang" {
		t.Errorf("Expected 'go lang', got %q", q.Get("q"))
	}
	if q.Get("page") != "2" {
		t.Errorf("Expected '2', got %q", q.Get("page"))
	}
	if q.Get("tag") != "a&b" {
		t.Errorf("Expected 'a&b', got %q", q.Get("tag"))
	}

	empty, err := ParseQuery("/no-query")
	if err != nil || empty.Len() != 0 {
		t.Errorf("Expected no pairs, got %d (%v)", empty.Len(), err)
	}

	if _, err := ParseQuery("/x?flag&a=1"); !errors.Is(err, ErrMalformedQuery) {
		t.Errorf("Expected ErrMalformedQuery for a bare key, got %v", err)
	}

	q, err = ParseQueryString("a=&b=2")
	if err != nil || q.Get("a") != "" || !q.Has("a") || q.Get("b") != "2" {
		t.Errorf("Expected empty a and b=2, got %+v (%v)", q, err)
	}
}
