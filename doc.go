/*
Package startline provides a small, single-threaded HTTP/1.x server framework for Go.

Startline drives every connection from one readiness loop (epoll on Linux,
kqueue on macOS). Each connection carries exactly one request: the engine
reads until a full request is framed, dispatches it, writes the response and
closes the socket.

Features

  - Readiness-driven I/O on raw non-blocking sockets
  - Request framing by header terminator and Content-Length
  - Segment router with named parameters; first registration wins
  - Middleware that may answer before routing
  - Handler results as text, JSON, protobuf JSON or a full response
  - Registrable 404 and 500 handlers with JSON defaults
  - Structured logging with zerolog, YAML configuration

Quick Start

	package main

	import (
	    "context"

	    "github.com/searchktools/startline/app"
	    "github.com/searchktools/startline/config"
	    "github.com/searchktools/startline/core/http"
	)

	func main() {
	    a := app.New(config.Default())

	    a.GET("/hello/:name", func(req *http.Request, params http.Params) (http.Result, error) {
	        return http.Text("Hello, " + params.Get("name")), nil
	    })

	    a.GET("/json", func(req *http.Request, params http.Params) (http.Result, error) {
	        return http.JSON(map[string]string{"status": "running"}), nil
	    })

	    if err := a.Run(context.Background()); err != nil {
	        panic(err)
	    }
	}

Modules

  - app: Application lifecycle and route registration
  - config: YAML configuration with environment overrides
  - logging: zerolog logger construction
  - core: Event-loop engine and dispatch pipeline
  - core/http: Request parsing, results and response serialization
  - core/router: Method and path routing
  - core/middleware: Stock middleware
  - core/pools: Read buffer pool
  - core/poller: I/O multiplexing (epoll/kqueue)
  - cmd/startline: Command-line server
*/
package startline
