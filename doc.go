/*
Package reactor is a single-threaded, callback-driven event loop for Go with
buffered byte-stream connections and a small HTTP/1.x front end.

One Loop runs on one goroutine (locked to its OS thread) and dispatches
readiness from epoll (Linux) or kqueue (BSD/macOS), timers, signals and
user-triggered events. Everything registered on a loop is driven from that
goroutine; only Exit, AddRef/ReleaseRef and Event.Activate may be called
from elsewhere.

Quick Start

	package main

	import (
		"github.com/searchktools/reactor/app"
		"github.com/searchktools/reactor/config"
		"github.com/searchktools/reactor/core/http"
	)

	func main() {
		a, err := app.New(config.Default())
		if err != nil {
			panic(err)
		}
		a.Server().AddRoute("/hello", func(req *http.Request) {
			req.Output().AppendString("Hello World!")
			req.SendReply(200, "OK")
		})
		if err := a.Run(); err != nil {
			panic(err)
		}
	}

Modules

  - core: Loop, Event (timer, signal, user), Conn, Listener, Addr
  - core/buffer: chunked byte queue with high-water mark and change hook
  - core/poller: epoll/kqueue readiness with a wakeup descriptor
  - core/pools: size-tiered byte pool backing buffer chunks
  - core/router: exact-path route table with a default handler
  - core/http: incremental request parser, Request, Headers, URI, Server
  - core/observability: Prometheus metrics
  - config: defaults, JSON file, environment and flag layering
  - app: loop, metrics and HTTP server wired together with exit signals
  - cmd/httpserv, cmd/sockcliserv: sample programs

HTTP exchanges are one request per connection: the server answers and
closes. There is no TLS, keep-alive, pipelining or chunked transfer.
*/
package reactor
