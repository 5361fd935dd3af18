package http

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/reactor/core/buffer"
)

var (
	// ErrMalformedRequest is wrapped by every parse failure
	ErrMalformedRequest = errors.New("http: malformed request")
)

// statusError is a parse failure that maps to a response status
type statusError struct {
	code   int
	reason string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http: %d %s", e.code, e.reason)
}

func (e *statusError) Unwrap() error { return ErrMalformedRequest }

func fail(code int, reason string) error {
	return &statusError{code: code, reason: reason}
}

// statusOf returns the response status for a parse error
func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 400
}

type parseState uint8

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

// parser consumes a request from a connection's input buffer as bytes
// arrive. Each feed picks up where the last one stopped.
type parser struct {
	state     parseState
	maxHeader int
	maxBody   int64

	headerBytes int
	method      string
	target      string
	proto       string
	minor       int
	headers     Headers
	bodyLen     int64
	body        *buffer.Buffer
}

func newParser(maxHeader int, maxBody int64) *parser {
	return &parser{
		maxHeader: maxHeader,
		maxBody:   maxBody,
		body:      buffer.New(),
	}
}

// feed advances the parser; done is true once a full request is read
func (p *parser) feed(in *buffer.Buffer) (done bool, err error) {
	for {
		switch p.state {
		case stateRequestLine:
			line, ok := in.ReadLine()
			if !ok {
				if in.Len() > p.maxHeader {
					return false, fail(414, "URI Too Long")
				}
				return false, nil
			}
			// Stray CRLFs before the request line are allowed
			if len(line) == 0 {
				continue
			}
			p.headerBytes += len(line) + 2
			if p.headerBytes > p.maxHeader {
				return false, fail(414, "URI Too Long")
			}
			if err := p.parseRequestLine(line); err != nil {
				return false, err
			}
			p.state = stateHeaders

		case stateHeaders:
			line, ok := in.ReadLine()
			if !ok {
				if p.headerBytes+in.Len() > p.maxHeader {
					return false, fail(431, "Request Header Fields Too Large")
				}
				return false, nil
			}
			p.headerBytes += len(line) + 2
			if p.headerBytes > p.maxHeader {
				return false, fail(431, "Request Header Fields Too Large")
			}
			if len(line) == 0 {
				if err := p.endHeaders(); err != nil {
					return false, err
				}
				continue
			}
			if err := p.parseHeader(line); err != nil {
				return false, err
			}

		case stateBody:
			want := p.bodyLen - int64(p.body.Len())
			if want > 0 {
				in.RemoveBuffer(p.body, int(want))
			}
			if int64(p.body.Len()) < p.bodyLen {
				return false, nil
			}
			p.state = stateDone

		case stateDone:
			return true, nil
		}
	}
}

func (p *parser) parseRequestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return fail(400, "Bad Request")
	}
	sp2 := bytes.LastIndexByte(line, ' ')
	if sp2 == sp1 {
		return fail(400, "Bad Request")
	}

	method := string(line[:sp1])
	target := string(line[sp1+1 : sp2])
	proto := string(line[sp2+1:])

	if !httpguts.ValidHeaderFieldName(method) {
		return fail(400, "Bad Request")
	}
	if target == "" || strings.ContainsAny(target, " \t") {
		return fail(400, "Bad Request")
	}
	for i := 0; i < len(target); i++ {
		if target[i] < 0x21 || target[i] == 0x7f {
			return fail(400, "Bad Request")
		}
	}

	major, minor, ok := parseVersion(proto)
	if !ok {
		return fail(400, "Bad Request")
	}
	if major != 1 {
		return fail(505, "HTTP Version Not Supported")
	}

	p.method, p.target, p.proto, p.minor = method, target, proto, minor
	return nil
}

func parseVersion(v string) (major, minor int, ok bool) {
	rest, found := strings.CutPrefix(v, "HTTP/")
	if !found {
		return 0, 0, false
	}
	maj, mi, found := strings.Cut(rest, ".")
	if !found || len(maj) != 1 || len(mi) != 1 {
		return 0, 0, false
	}
	if maj[0] < '0' || maj[0] > '9' || mi[0] < '0' || mi[0] > '9' {
		return 0, 0, false
	}
	return int(maj[0] - '0'), int(mi[0] - '0'), true
}

func (p *parser) parseHeader(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding
		return fail(400, "Bad Request")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return fail(400, "Bad Request")
	}

	key := string(line[:colon])
	value := strings.Trim(string(line[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return fail(400, "Bad Request")
	}
	p.headers.Add(key, value)
	return nil
}

func (p *parser) endHeaders() error {
	if p.minor >= 1 && !p.headers.Has("Host") {
		return fail(400, "Bad Request")
	}
	if p.headers.Has("Transfer-Encoding") {
		return fail(501, "Not Implemented")
	}

	var length int64 = -1
	for _, v := range p.headers.Values("Content-Length") {
		v = strings.TrimSpace(v)
		if !isDigits(v) {
			return fail(400, "Bad Request")
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fail(400, "Bad Request")
		}
		if length >= 0 && n != length {
			return fail(400, "Bad Request")
		}
		length = n
	}
	if length > p.maxBody {
		return fail(413, "Payload Too Large")
	}

	if length > 0 {
		p.bodyLen = length
		p.state = stateBody
		return nil
	}
	p.state = stateDone
	return nil
}

// isDigits reports whether s is 1*DIGIT
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
