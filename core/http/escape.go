package http

import (
	"errors"
	"strings"
)

// ErrMalformedQuery is returned by ParseQuery for pairs without '='
var ErrMalformedQuery = errors.New("http: malformed query")

const upperhex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeURI percent-encodes every byte outside the RFC 3986 unreserved set
func EncodeURI(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// DecodeURI reverses percent-encoding. '+' becomes a space only after the
// first '?'. Malformed escapes are kept as they are.
func DecodeURI(s string) string {
	return decode(s, false)
}

func decode(s string, plusAlways bool) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	inQuery := plusAlways
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '?':
			inQuery = true
		case c == '+' && inQuery:
			c = ' '
		case c == '%' && i+2 < len(s):
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				c = hi<<4 | lo
				i += 2
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

var htmlReplacer = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
	"&", "&amp;",
)

// HTMLEscape replaces <, >, ", ' and & with their entities
func HTMLEscape(s string) string {
	return htmlReplacer.Replace(s)
}

// ParseQuery decodes the query part of uri (everything after '?', before
// '#') into ordered key/value pairs. A pair without '=' is an error.
func ParseQuery(uri string) (Headers, error) {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}
	i := strings.IndexByte(uri, '?')
	if i < 0 {
		return Headers{}, nil
	}
	return ParseQueryString(uri[i+1:])
}

// ParseQueryString decodes a bare "k=v&k2=v2" string
func ParseQueryString(q string) (Headers, error) {
	var out Headers
	if q == "" {
		return out, nil
	}
	for _, pair := range strings.Split(q, "&") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return Headers{}, ErrMalformedQuery
		}
		out.Add(decode(k, true), decode(v, true))
	}
	return out, nil
}
