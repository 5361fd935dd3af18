package http

import (
	"errors"
	"testing"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in       string
		scheme   string
		userinfo string
		host     string
		port     int
		path     string
		query    string
		fragment string
	}{
		{"http://user:pw@example.com:8080/a/b?x=1#frag", "http", "user:pw", "example.com", 8080, "/a/b", "x=1", "frag"},
		{"http://example.com", "http", "", "example.com", -1, "", "", ""},
		{"https://[::1]:443/", "https", "", "[::1]", 443, "/", "", ""},
		{"/hello", "", "", "", -1, "/hello", "", ""},
		{"/search?q=go", "", "", "", -1, "/search", "q=go", ""},
		{"relative/path#x", "", "", "", -1, "relative/path", "", "x"},
		{"mailto:someone@example.com", "mailto", "", "", -1, "someone@example.com", "", ""},
		{"//cdn.example.com/lib.js", "", "", "cdn.example.com", -1, "/lib.js", "", ""},
		{"/a?b#c?d", "", "", "", -1, "/a", "b", "c?d"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := ParseURI(tt.in, 0)
			if err != nil {
				t.Fatalf("ParseURI: %v", err)
			}
			if u.Scheme() != tt.scheme || u.UserInfo() != tt.userinfo || u.Host() != tt.host ||
				u.Port() != tt.port || u.Path() != tt.path || u.Query() != tt.query || u.Fragment() != tt.fragment {
				t.Errorf("Expected %q %q %q %d %q %q %q, got %q %q %q %d %q %q %q",
					tt.scheme, tt.userinfo, tt.host, tt.port, tt.path, tt.query, tt.fragment,
					u.Scheme(), u.UserInfo(), u.Host(), u.Port(), u.Path(), u.Query(), u.Fragment())
			}
			if got := u.String(); got != tt.in {
				t.Errorf("Expected join to give back %q, got %q", tt.in, got)
			}
		})
	}
}

func TestParseURIStrictVersusNonConformant(t *testing.T) {
	bad := []string{
		"/a path",
		`/quote"d`,
		"/pct%zz",
		"/x?q=<tag>",
	}
	for _, in := range bad {
		if _, err := ParseURI(in, 0); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ParseURI(%q, strict): expected ErrInvalidURI, got %v", in, err)
		}
		u, err := ParseURI(in, URINonConformant)
		if err != nil {
			t.Errorf("ParseURI(%q, non-conformant): %v", in, err)
			continue
		}
		if u.Flags()&URINonConformant == 0 {
			t.Error("Expected flags to be kept")
		}
	}

	// Structural errors are rejected in both modes
	for _, in := range []string{"http://[::1/", "http://host:port/", "1bad:x"} {
		if _, err := ParseURI(in, URINonConformant); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ParseURI(%q): expected ErrInvalidURI, got %v", in, err)
		}
	}
}

func TestURISetters(t *testing.T) {
	u := NewURI(0)
	steps := []struct {
		name string
		err  error
	}{
		{"scheme", u.SetScheme("https")},
		{"host", u.SetHost("example.org")},
		{"port", u.SetPort(8443)},
		{"path", u.SetPath("/docs/index.html")},
		{"query", u.SetQuery("lang=en")},
		{"fragment", u.SetFragment("intro")},
	}
	for _, s := range steps {
		if s.err != nil {
			t.Errorf("Set %s: %v", s.name, s.err)
		}
	}

	want := "https://example.org:8443/docs/index.html?lang=en#intro"
	if got := u.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	invalid := []struct {
		name string
		err  error
	}{
		{"scheme", u.SetScheme("1http")},
		{"host", u.SetHost("bad host")},
		{"port", u.SetPort(70000)},
		{"path", u.SetPath("/with space")},
		{"userinfo", u.SetUserInfo("a@b")},
	}
	for _, s := range invalid {
		if !errors.Is(s.err, ErrInvalidURI) {
			t.Errorf("Set %s: expected ErrInvalidURI, got %v", s.name, s.err)
		}
	}
	if got := u.String(); got != want {
		t.Errorf("Expected failed setters to leave %q, got %q", want, got)
	}

	u.SetQuery("")
	u.SetFragment("")
	u.SetPort(-1)
	if got := u.String(); got != "https://example.org/docs/index.html" {
		t.Errorf("Expected components removed, got %q", got)
	}
}
