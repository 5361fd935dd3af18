package http

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrInvalidURI is returned when a URI or URI component fails validation
var ErrInvalidURI = errors.New("http: invalid URI")

// URIFlags tune URI parsing
type URIFlags uint8

const (
	// URINonConformant accepts characters RFC 3986 forbids in the path,
	// query and fragment (spaces, quotes, raw UTF-8) as real clients send them
	URINonConformant URIFlags = 1 << iota
)

// URI holds the components of an RFC 3986 URI reference:
//
//	scheme://[userinfo@]host[:port]/path[?query][#fragment]
//	[path][?query][#fragment]
//
// Absent components are empty; an absent port is -1.
type URI struct {
	flags    URIFlags
	scheme   string
	userinfo string
	host     string
	port     int
	path     string
	query    string
	fragment string

	hasAuthority bool
	hasQuery     bool
	hasFragment  bool
}

// NewURI returns an empty URI
func NewURI(flags URIFlags) *URI {
	return &URI{flags: flags, port: -1}
}

// ParseURI splits s into its components
func ParseURI(s string, flags URIFlags) (*URI, error) {
	u := NewURI(flags)
	rest := s

	if i := schemeEnd(rest); i > 0 {
		u.scheme = rest[:i]
		rest = rest[i+1:]
	}

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		u.fragment, u.hasFragment = rest[i+1:], true
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		u.query, u.hasQuery = rest[i+1:], true
		rest = rest[:i]
	}

	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		end := strings.IndexByte(rest, '/')
		if end < 0 {
			end = len(rest)
		}
		if err := u.parseAuthority(rest[:end]); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURI, s, err)
		}
		rest = rest[end:]
	} else if u.scheme == "" && strings.ContainsRune(firstSegment(rest), ':') {
		// "a:b" with an invalid scheme is not a relative reference
		return nil, fmt.Errorf("%w: %q: colon in first path segment", ErrInvalidURI, s)
	}
	u.path = rest

	if flags&URINonConformant == 0 {
		if !validChars(u.path, pathChar) {
			return nil, fmt.Errorf("%w: %q: bad path", ErrInvalidURI, s)
		}
		if !validChars(u.query, queryChar) {
			return nil, fmt.Errorf("%w: %q: bad query", ErrInvalidURI, s)
		}
		if !validChars(u.fragment, queryChar) {
			return nil, fmt.Errorf("%w: %q: bad fragment", ErrInvalidURI, s)
		}
	}
	return u, nil
}

func firstSegment(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// schemeEnd returns the index of the ':' ending a valid scheme, or -1
func schemeEnd(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9', c == '+', c == '-', c == '.':
			if i == 0 {
				return -1
			}
		case c == ':':
			if i == 0 {
				return -1
			}
			return i
		default:
			return -1
		}
	}
	return -1
}

func (u *URI) parseAuthority(auth string) error {
	u.hasAuthority = true
	if i := strings.LastIndexByte(auth, '@'); i >= 0 {
		if !validChars(auth[:i], userinfoChar) {
			return errors.New("bad userinfo")
		}
		u.userinfo = auth[:i]
		auth = auth[i+1:]
	}

	host, port := auth, ""
	if strings.HasPrefix(auth, "[") {
		end := strings.IndexByte(auth, ']')
		if end < 0 {
			return errors.New("missing ']'")
		}
		host = auth[:end+1]
		rest := auth[end+1:]
		if rest != "" {
			if rest[0] != ':' {
				return errors.New("junk after ']'")
			}
			port = rest[1:]
		}
	} else if i := strings.LastIndexByte(auth, ':'); i >= 0 {
		host, port = auth[:i], auth[i+1:]
	}

	if !validHost(host) {
		return errors.New("bad host")
	}
	u.host = host
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 0 || p > 65535 {
			return errors.New("bad port")
		}
		u.port = p
	}
	return nil
}

const (
	pathChar = iota
	queryChar
	userinfoChar
	hostChar
)

func isSubDelim(c byte) bool {
	return strings.IndexByte("!$&'()*+,;=", c) >= 0
}

// validChars checks s against the RFC 3986 grammar for a component,
// allowing %XX escapes
func validChars(s string, class int) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) {
				return false
			}
			if _, ok := unhex(s[i+1]); !ok {
				return false
			}
			if _, ok := unhex(s[i+2]); !ok {
				return false
			}
			i += 2
			continue
		}
		if isUnreserved(c) || isSubDelim(c) {
			continue
		}
		switch class {
		case pathChar:
			if c == ':' || c == '@' || c == '/' {
				continue
			}
		case queryChar:
			if c == ':' || c == '@' || c == '/' || c == '?' {
				continue
			}
		case userinfoChar:
			if c == ':' {
				continue
			}
		}
		return false
	}
	return true
}

func validHost(h string) bool {
	if strings.HasPrefix(h, "[") {
		if !strings.HasSuffix(h, "]") {
			return false
		}
		inner := h[1 : len(h)-1]
		if strings.HasPrefix(inner, "v") || strings.HasPrefix(inner, "V") {
			// IPvFuture
			return strings.Contains(inner, ".") && validChars(inner, userinfoChar)
		}
		ip, err := netip.ParseAddr(inner)
		return err == nil && ip.Is6()
	}
	return validChars(h, hostChar)
}

// Flags returns the parse flags the URI validates against
func (u *URI) Flags() URIFlags { return u.flags }

// Scheme returns the scheme, "" if absent
func (u *URI) Scheme() string { return u.scheme }

// UserInfo returns the userinfo, "" if absent
func (u *URI) UserInfo() string { return u.userinfo }

// Host returns the host (IPv6 literals keep their brackets)
func (u *URI) Host() string { return u.host }

// Port returns the port, -1 if absent
func (u *URI) Port() int { return u.port }

// Path returns the raw (still escaped) path
func (u *URI) Path() string { return u.path }

// Query returns the raw query without '?'
func (u *URI) Query() string { return u.query }

// Fragment returns the fragment without '#'
func (u *URI) Fragment() string { return u.fragment }

// SetScheme replaces the scheme; "" removes it
func (u *URI) SetScheme(s string) error {
	if s != "" && schemeEnd(s+":") != len(s) {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURI, s)
	}
	u.scheme = s
	return nil
}

// SetUserInfo replaces the userinfo; "" removes it
func (u *URI) SetUserInfo(s string) error {
	if !validChars(s, userinfoChar) {
		return fmt.Errorf("%w: userinfo %q", ErrInvalidURI, s)
	}
	u.userinfo = s
	if s != "" {
		u.hasAuthority = true
	}
	return nil
}

// SetHost replaces the host; "" removes the authority when nothing else
// needs it
func (u *URI) SetHost(s string) error {
	if s != "" && !validHost(s) {
		return fmt.Errorf("%w: host %q", ErrInvalidURI, s)
	}
	u.host = s
	u.hasAuthority = s != "" || u.userinfo != "" || u.port >= 0
	return nil
}

// SetPort replaces the port; -1 removes it
func (u *URI) SetPort(p int) error {
	if p < -1 || p > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidURI, p)
	}
	u.port = p
	if p >= 0 {
		u.hasAuthority = true
	}
	return nil
}

// SetPath replaces the path
func (u *URI) SetPath(s string) error {
	if u.flags&URINonConformant == 0 && !validChars(s, pathChar) {
		return fmt.Errorf("%w: path %q", ErrInvalidURI, s)
	}
	u.path = s
	return nil
}

// SetQuery replaces the query; "" removes it
func (u *URI) SetQuery(s string) error {
	if u.flags&URINonConformant == 0 && !validChars(s, queryChar) {
		return fmt.Errorf("%w: query %q", ErrInvalidURI, s)
	}
	u.query, u.hasQuery = s, s != ""
	return nil
}

// SetFragment replaces the fragment; "" removes it
func (u *URI) SetFragment(s string) error {
	if u.flags&URINonConformant == 0 && !validChars(s, queryChar) {
		return fmt.Errorf("%w: fragment %q", ErrInvalidURI, s)
	}
	u.fragment, u.hasFragment = s, s != ""
	return nil
}

// String joins the components back into a URI reference
func (u *URI) String() string {
	var b strings.Builder
	if u.scheme != "" {
		b.WriteString(u.scheme)
		b.WriteByte(':')
	}
	if u.hasAuthority {
		b.WriteString("//")
		if u.userinfo != "" {
			b.WriteString(u.userinfo)
			b.WriteByte('@')
		}
		b.WriteString(u.host)
		if u.port >= 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(u.port))
		}
		if u.path != "" && u.path[0] != '/' {
			b.WriteByte('/')
		}
	}
	b.WriteString(u.path)
	if u.hasQuery {
		b.WriteByte('?')
		b.WriteString(u.query)
	}
	if u.hasFragment {
		b.WriteByte('#')
		b.WriteString(u.fragment)
	}
	return b.String()
}
