package middleware

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/searchktools/reactor/core/http"
)

// Pipeline runs handlers in order before a final handler. A handler that
// replies (or cancels) ends the pipeline: later handlers and the final
// handler are skipped.
type Pipeline struct {
	handlers []http.HandlerFunc
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]http.HandlerFunc, 0, 8),
	}
}

// Use appends handlers
func (p *Pipeline) Use(handlers ...http.HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, handlers...)
	return p
}

// Len returns the number of handlers
func (p *Pipeline) Len() int { return len(p.handlers) }

// Execute runs the pipeline for req
func (p *Pipeline) Execute(req *http.Request, final http.HandlerFunc) {
	for _, h := range p.handlers {
		h(req)
		if req.Replied() {
			return
		}
	}
	if final != nil {
		final(req)
	}
}

// Then returns a route handler running the pipeline in front of final. The
// handler list is copied, so later Use calls do not affect it.
func (p *Pipeline) Then(final http.HandlerFunc) http.HandlerFunc {
	compiled := &Pipeline{handlers: append([]http.HandlerFunc(nil), p.handlers...)}
	return func(req *http.Request) {
		compiled.Execute(req, final)
	}
}

// AccessLog logs each request as it reaches the pipeline
func AccessLog(logger *slog.Logger) http.HandlerFunc {
	return func(req *http.Request) {
		logger.Info("request",
			"method", req.Method(),
			"uri", req.URIString(),
			"peer", req.RemoteAddr().String(),
		)
	}
}

// RequestID numbers requests in the X-Request-ID response header. The
// counter is unsynchronized: share one RequestID only within one loop.
func RequestID() http.HandlerFunc {
	var counter uint64

	return func(req *http.Request) {
		counter++
		req.OutputHeaders().Set("X-Request-ID", strconv.FormatUint(counter, 10))
	}
}

// CORS adds permissive cross-origin headers and answers preflight OPTIONS
// requests with 204
func CORS(methods ...string) http.HandlerFunc {
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	allow := strings.Join(methods, ", ")

	return func(req *http.Request) {
		h := req.OutputHeaders()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", allow)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if req.Method() == "OPTIONS" {
			req.SendReply(204, "")
		}
	}
}

// RateLimiter answers 429 once more than perSecond requests arrive within
// one second
func RateLimiter(perSecond int) http.HandlerFunc {
	return rateLimiter(perSecond, time.Now)
}

func rateLimiter(perSecond int, now func() time.Time) http.HandlerFunc {
	tokens := perSecond
	lastRefill := now()

	return func(req *http.Request) {
		if t := now(); t.Sub(lastRefill) >= time.Second {
			tokens = perSecond
			lastRefill = t
		}
		if tokens > 0 {
			tokens--
			return
		}
		req.OutputHeaders().Set("Retry-After", "1")
		req.SendError(429, "")
	}
}
