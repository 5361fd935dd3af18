package http

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/buffer"
)

var (
	// ErrReplySent is returned by a second reply on the same request
	ErrReplySent = errors.New("http: reply already sent")
	// ErrCancelled is returned when replying to a request whose peer is gone
	ErrCancelled = errors.New("http: request cancelled")
)

// Request is one exchange on an accepted connection. The request side
// (method, target, input headers and body) is read-only; the handler fills
// the output headers and buffer and completes the exchange with exactly one
// of SendReply, SendReplyBody, SendError or Cancel.
//
// A Request belongs to the loop goroutine and must not be used after the
// exchange completes.
type Request struct {
	ex *exchange

	method string
	target string
	proto  string
	minor  int
	uri    *URI

	in     Headers
	out    Headers
	input  *buffer.Buffer
	output *buffer.Buffer

	ctx  context.Context
	code int
	done bool
	gone bool
}

// Method returns the request method ("GET", "POST", ...)
func (r *Request) Method() string { return r.method }

// URIString returns the request target as received
func (r *Request) URIString() string { return r.target }

// URI returns the parsed request target
func (r *Request) URI() *URI { return r.uri }

// Proto returns the protocol version ("HTTP/1.1")
func (r *Request) Proto() string { return r.proto }

// Host returns the host from an absolute target, else from the Host
// header, without any port
func (r *Request) Host() string {
	host := r.uri.Host()
	if host == "" {
		host = r.in.Get("Host")
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// InputHeaders returns the request headers
func (r *Request) InputHeaders() *Headers { return &r.in }

// OutputHeaders returns the response headers the handler may set
func (r *Request) OutputHeaders() *Headers { return &r.out }

// Input returns the request body
func (r *Request) Input() *buffer.Buffer { return r.input }

// Output returns the response body under construction
func (r *Request) Output() *buffer.Buffer { return r.output }

// Context carries the request's trace span
func (r *Request) Context() context.Context { return r.ctx }

// Conn returns the underlying connection
func (r *Request) Conn() *core.Conn { return r.ex.conn }

// RemoteAddr returns the peer address
func (r *Request) RemoteAddr() core.Addr { return r.ex.peer }

// ResponseCode returns the status sent, 0 before a reply
func (r *Request) ResponseCode() int { return r.code }

// Replied reports whether the exchange has been completed
func (r *Request) Replied() bool { return r.done }

func (r *Request) check() error {
	if r.done {
		return ErrReplySent
	}
	if r.gone {
		return ErrCancelled
	}
	return nil
}

// SendReply sends code and reason with the Output buffer as the body
func (r *Request) SendReply(code int, reason string) error {
	if err := r.check(); err != nil {
		return err
	}
	r.ex.reply(code, reason, r.output)
	return nil
}

// SendReplyBody sends code and reason with body appended to the Output
// buffer. body is left empty.
func (r *Request) SendReplyBody(code int, reason string, body *buffer.Buffer) error {
	if err := r.check(); err != nil {
		return err
	}
	if body != nil {
		r.output.AppendBuffer(body)
	}
	r.ex.reply(code, reason, r.output)
	return nil
}

// SendError sends a small HTML error page, discarding the Output buffer
func (r *Request) SendError(code int, reason string) error {
	if err := r.check(); err != nil {
		return err
	}
	r.ex.replyError(code, reason)
	return nil
}

// Cancel drops the connection without replying
func (r *Request) Cancel() error {
	if err := r.check(); err != nil {
		return err
	}
	r.ex.cancel()
	return nil
}
