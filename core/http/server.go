package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sys/unix"

	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/buffer"
	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/router"
)

const (
	DefaultMaxHeaderSize  = 16 << 10
	DefaultMaxBodySize    = 1 << 20
	DefaultReadTimeout    = 30 * time.Second
	DefaultHandlerTimeout = 60 * time.Second
	DefaultContentType    = "text/html; charset=ISO-8859-1"
	DefaultServerName     = "reactor"

	tracerName = "github.com/searchktools/reactor/core/http"
	timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// DefaultMethods are accepted unless WithAllowedMethods says otherwise
var DefaultMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "TRACE", "CONNECT", "PATCH",
}

// HandlerFunc serves one request. It must complete the exchange, now or
// from a later callback on the same loop.
type HandlerFunc func(req *Request)

type serverConfig struct {
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
	maxHeader      int
	maxBody        int64
	readTimeout    time.Duration
	handlerTimeout time.Duration
	compressMin    int
	methods        map[string]struct{}
	serverName     string
	contentType    string
	listenOpts     []core.ListenOption
}

// Option configures a Server
type Option func(*serverConfig)

// WithLogger sets the logger (default: the loop's)
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink (default: the loop's)
func WithMetrics(m *observability.Metrics) Option {
	return func(c *serverConfig) {
		c.metrics = m
	}
}

// WithTracer sets the tracer used for request spans
func WithTracer(t trace.Tracer) Option {
	return func(c *serverConfig) {
		c.tracer = t
	}
}

// WithMaxHeaderSize bounds the request line plus header block
func WithMaxHeaderSize(n int) Option {
	return func(c *serverConfig) {
		c.maxHeader = n
	}
}

// WithMaxBodySize bounds Content-Length
func WithMaxBodySize(n int64) Option {
	return func(c *serverConfig) {
		c.maxBody = n
	}
}

// WithReadTimeout bounds reading the request, and flushing the response.
// Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(c *serverConfig) {
		c.readTimeout = d
	}
}

// WithHandlerTimeout bounds how long a handler may take to reply before
// the server answers 503 for it. Zero disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *serverConfig) {
		c.handlerTimeout = d
	}
}

// WithCompression gzips response bodies of at least minSize bytes for
// clients that accept it. A negative size disables compression.
func WithCompression(minSize int) Option {
	return func(c *serverConfig) {
		c.compressMin = minSize
	}
}

// WithAllowedMethods replaces the accepted method set; others get 405
func WithAllowedMethods(methods ...string) Option {
	return func(c *serverConfig) {
		c.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			c.methods[m] = struct{}{}
		}
	}
}

// WithServerName sets the Server header; "" omits it
func WithServerName(name string) Option {
	return func(c *serverConfig) {
		c.serverName = name
	}
}

// WithContentType sets the Content-Type used when a handler sets none
func WithContentType(ct string) Option {
	return func(c *serverConfig) {
		c.contentType = ct
	}
}

// WithListenOptions passes options to every Bind
func WithListenOptions(opts ...core.ListenOption) Option {
	return func(c *serverConfig) {
		c.listenOpts = append(c.listenOpts, opts...)
	}
}

// Server routes requests arriving on its listeners to handlers. Each
// accepted connection carries one request and is closed once the response
// is flushed. All methods except the route table ones belong to the loop
// goroutine.
type Server struct {
	loop      *core.Loop
	cfg       serverConfig
	routes    *router.Table[HandlerFunc]
	listeners []*core.Listener
	active    map[*exchange]struct{}
	closed    bool
}

// NewServer creates a server on l
func NewServer(l *core.Loop, opts ...Option) (*Server, error) {
	if l == nil {
		return nil, errors.New("http: nil loop")
	}
	cfg := serverConfig{
		logger:         l.Logger(),
		metrics:        l.Metrics(),
		tracer:         otel.Tracer(tracerName),
		maxHeader:      DefaultMaxHeaderSize,
		maxBody:        DefaultMaxBodySize,
		readTimeout:    DefaultReadTimeout,
		handlerTimeout: DefaultHandlerTimeout,
		compressMin:    -1,
		serverName:     DefaultServerName,
		contentType:    DefaultContentType,
	}
	WithAllowedMethods(DefaultMethods...)(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxHeader <= 0 {
		cfg.maxHeader = DefaultMaxHeaderSize
	}
	if cfg.maxBody < 0 {
		cfg.maxBody = 0
	}

	return &Server{
		loop:   l,
		cfg:    cfg,
		routes: router.New[HandlerFunc](),
		active: make(map[*exchange]struct{}),
	}, nil
}

// SetDefaultRoute installs the handler for unmatched paths; nil removes it
func (s *Server) SetDefaultRoute(h HandlerFunc) {
	if h == nil {
		s.routes.ClearDefault()
		return
	}
	s.routes.SetDefault(h)
}

// AddRoute registers h for the exact path. Registering a path twice
// fails with router.ErrRouteExists.
func (s *Server) AddRoute(path string, h HandlerFunc) error {
	if h == nil {
		return errors.New("http: nil handler")
	}
	if err := s.routes.Add(path, h); err != nil {
		s.cfg.logger.Warn("http: route already exists", "path", path)
		return err
	}
	return nil
}

// DeleteRoute removes path and reports whether it existed
func (s *Server) DeleteRoute(path string) bool {
	return s.routes.Delete(path)
}

// Bind listens on address:port. It may be called repeatedly to serve the
// same routes on several addresses.
func (s *Server) Bind(address string, port int) (*core.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", core.ErrParse, port)
	}
	addr, err := core.ParseAddr(address)
	if err != nil {
		return nil, err
	}
	return s.BindAddr(addr.WithPort(uint16(port)))
}

// BindAddr listens on addr
func (s *Server) BindAddr(addr core.Addr) (*core.Listener, error) {
	if s.closed {
		return nil, core.ErrClosed
	}
	ln, err := core.Listen(s.loop, addr, s.accept, s.cfg.listenOpts...)
	if err != nil {
		return nil, err
	}
	s.listeners = append(s.listeners, ln)
	s.cfg.logger.Info("http: listening", "addr", ln.Addr().String())
	return ln, nil
}

// Listeners returns the bound listeners
func (s *Server) Listeners() []*core.Listener {
	return s.listeners
}

// Close stops listening and drops every in-flight exchange
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.listeners = nil
	for ex := range s.active {
		ex.finish()
	}
	return errors.Join(errs...)
}

func (s *Server) allowed(method string) bool {
	_, ok := s.cfg.methods[method]
	return ok
}

func (s *Server) accept(ln *core.Listener, fd int, peer core.Addr) {
	ex := &exchange{
		srv:    s,
		peer:   peer,
		parser: newParser(s.cfg.maxHeader, s.cfg.maxBody),
		start:  time.Now(),
	}

	c, err := core.NewConn(s.loop, fd, ex)
	if err != nil {
		s.cfg.logger.Error("http: wrap connection failed", "peer", peer.String(), "error", err)
		unix.Close(fd)
		return
	}
	c.SetOwned(true)
	c.SetNoDelay()
	ex.conn = c

	timer, err := s.loop.NewOneShotTimer(ex.onTimeout)
	if err != nil {
		c.Close()
		return
	}
	ex.timer = timer
	if s.cfg.readTimeout > 0 {
		timer.StartAfter(s.cfg.readTimeout)
	}

	s.active[ex] = struct{}{}
	c.Enable(core.EvRead)
}

// exchange drives one request/response on one connection
type exchange struct {
	srv    *Server
	conn   *core.Conn
	peer   core.Addr
	parser *parser
	req    *Request
	timer  *core.Event
	span   trace.Span
	start  time.Time

	flushing bool
	finished bool
}

func (ex *exchange) OnConnected(*core.Conn) {}

func (ex *exchange) OnReadable(c *core.Conn) {
	if ex.req != nil || ex.flushing {
		c.Input().Drain(c.Input().Len())
		return
	}

	done, err := ex.parser.feed(c.Input())
	if err != nil {
		code := statusOf(err)
		ex.srv.cfg.metrics.ParseFailure()
		ex.srv.cfg.logger.Debug("http: bad request", "peer", ex.peer.String(), "status", code, "error", err)
		ex.respondError(code, "")
		return
	}
	if done {
		ex.dispatch()
	}
}

func (ex *exchange) OnWritable(c *core.Conn) {
	if ex.flushing && c.Output().Len() == 0 {
		ex.finish()
	}
}

func (ex *exchange) OnClosed(c *core.Conn, events core.StatusEvent, err error) {
	if ex.req != nil && !ex.req.done {
		ex.req.gone = true
		ex.endSpan(0, err)
	}
	ex.srv.cfg.logger.Debug("http: connection closed", "peer", ex.peer.String(), "events", events.String(), "error", err)
	ex.finish()
}

func (ex *exchange) dispatch() {
	s := ex.srv
	p := ex.parser
	ex.conn.Disable(core.EvRead)

	uri, err := ParseURI(p.target, URINonConformant)
	if err != nil {
		s.cfg.metrics.ParseFailure()
		ex.respondError(400, "")
		return
	}

	req := &Request{
		ex:     ex,
		method: p.method,
		target: p.target,
		proto:  p.proto,
		minor:  p.minor,
		uri:    uri,
		in:     p.headers,
		input:  p.body,
		output: buffer.New(),
	}
	ex.req = req

	path := DecodeURI(uri.Path())
	ctx, span := s.cfg.tracer.Start(context.Background(), p.method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", p.method),
			attribute.String("http.target", p.target),
			attribute.String("net.peer.addr", ex.peer.String()),
		),
	)
	req.ctx = ctx
	ex.span = span

	if !s.allowed(p.method) {
		req.SendError(405, "")
		return
	}
	h, ok := s.routes.Lookup(path)
	if !ok {
		req.SendError(404, "")
		return
	}

	ex.timer.Stop()
	if s.cfg.handlerTimeout > 0 {
		ex.timer.StartAfter(s.cfg.handlerTimeout)
	}
	ex.call(h, req)
}

func (ex *exchange) call(h HandlerFunc, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			ex.srv.cfg.logger.Error("http: handler panic", "path", req.uri.Path(), "panic", r)
			if !req.done && !req.gone {
				req.SendError(500, "")
			}
		}
	}()
	h(req)
}

func (ex *exchange) onTimeout(*core.Event, int) {
	switch {
	case ex.flushing:
		ex.srv.cfg.metrics.Timeout("write")
		ex.finish()
	case ex.req == nil:
		ex.srv.cfg.metrics.Timeout("read")
		ex.respondError(408, "")
	case !ex.req.done:
		ex.srv.cfg.metrics.Timeout("handler")
		ex.srv.cfg.logger.Warn("http: handler did not reply", "path", ex.req.uri.Path(), "peer", ex.peer.String())
		ex.req.SendError(503, "")
	}
}

// reply completes the request with body
func (ex *exchange) reply(code int, reason string, body *buffer.Buffer) {
	req := ex.req
	req.done, req.code = true, code

	if ex.srv.cfg.compressMin >= 0 && body.Len() >= ex.srv.cfg.compressMin &&
		hasToken(req.in.Get("Accept-Encoding"), "gzip") && !req.out.Has("Content-Encoding") &&
		bodyAllowed(code) && req.method != "HEAD" {
		if z, err := gzipBody(body); err == nil {
			body = z
			req.out.Set("Content-Encoding", "gzip")
			req.out.Add("Vary", "Accept-Encoding")
		} else {
			ex.srv.cfg.logger.Warn("http: compression failed", "error", err)
		}
	}
	ex.respond(code, reason, &req.out, body)
}

// replyError completes the request with an error page
func (ex *exchange) replyError(code int, reason string) {
	req := ex.req
	req.done, req.code = true, code
	req.output.Reset()
	req.out.Set("Content-Type", "text/html")
	ex.respond(code, reason, &req.out, errorPage(code, reason))
}

// respondError answers before a Request exists
func (ex *exchange) respondError(code int, reason string) {
	hdrs := Headers{}
	hdrs.Set("Content-Type", "text/html")
	ex.respond(code, reason, &hdrs, errorPage(code, reason))
}

func (ex *exchange) cancel() {
	ex.req.done = true
	ex.endSpan(0, ErrCancelled)
	ex.finish()
}

func errorPage(code int, reason string) *buffer.Buffer {
	if reason == "" {
		reason = StatusText(code)
	}
	page := buffer.New()
	page.Printf("<HTML><HEAD>\n<TITLE>%d %s</TITLE>\n</HEAD><BODY>\n<H1>%s</H1>\n</BODY></HTML>\n",
		code, HTMLEscape(reason), HTMLEscape(reason))
	return page
}

// respond queues the status line, headers and body and closes the
// connection once they are flushed
func (ex *exchange) respond(code int, reason string, hdrs *Headers, body *buffer.Buffer) {
	if ex.flushing || ex.finished {
		return
	}
	s := ex.srv
	ex.flushing = true
	ex.conn.Disable(core.EvRead)

	ex.timer.Stop()
	if s.cfg.readTimeout > 0 {
		ex.timer.StartAfter(s.cfg.readTimeout)
	}

	if reason == "" || strings.ContainsAny(reason, "\r\n") {
		reason = StatusText(code)
	}
	proto := "HTTP/1.1"
	if ex.parser.proto == "HTTP/1.0" {
		proto = "HTTP/1.0"
	}

	out := ex.conn.Output()
	out.Printf("%s %03d %s\r\n", proto, code, reason)
	hdrs.Range(func(k, v string) bool {
		switch {
		case strings.EqualFold(k, "Content-Length"), strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, "Transfer-Encoding"):
		case !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v):
			s.cfg.logger.Warn("http: dropping invalid response header", "key", k)
		default:
			out.Printf("%s: %s\r\n", k, v)
		}
		return true
	})
	if !hdrs.Has("Date") {
		out.Printf("Date: %s\r\n", time.Now().UTC().Format(timeFormat))
	}
	if !hdrs.Has("Server") && s.cfg.serverName != "" {
		out.Printf("Server: %s\r\n", s.cfg.serverName)
	}
	if bodyAllowed(code) {
		if !hdrs.Has("Content-Type") && s.cfg.contentType != "" {
			out.Printf("Content-Type: %s\r\n", s.cfg.contentType)
		}
		out.Printf("Content-Length: %d\r\n", body.Len())
	}
	out.AppendString("Connection: close\r\n\r\n")

	if bodyAllowed(code) && ex.parser.method != "HEAD" {
		out.AppendBuffer(body)
	} else {
		body.Reset()
	}

	method := ex.parser.method
	if method == "" {
		method = "UNKNOWN"
	}
	s.cfg.metrics.RecordRequest(method, code, time.Since(ex.start))
	ex.endSpan(code, nil)
}

func (ex *exchange) endSpan(code int, err error) {
	if ex.span == nil {
		return
	}
	span := ex.span
	ex.span = nil
	if code > 0 {
		span.SetAttributes(attribute.Int("http.status_code", code))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case code >= 500:
		span.SetStatus(codes.Error, StatusText(code))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// finish releases the connection and everything tied to it
func (ex *exchange) finish() {
	if ex.finished {
		return
	}
	ex.finished = true
	if ex.req != nil && !ex.req.done {
		ex.req.gone = true
	}
	if ex.timer != nil {
		ex.timer.Free()
	}
	ex.endSpan(0, ErrCancelled)
	delete(ex.srv.active, ex)
	if ex.conn != nil {
		ex.conn.Release()
	}
}

var gzipPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(nil)
	},
}

func gzipBody(body *buffer.Buffer) (*buffer.Buffer, error) {
	zw := gzipPool.Get().(*gzip.Writer)
	defer gzipPool.Put(zw)

	dst := buffer.New()
	zw.Reset(dst)
	if _, err := zw.Write(body.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	body.Reset()
	return dst, nil
}
