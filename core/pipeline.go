package core

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/searchktools/startline/core/http"
	"github.com/searchktools/startline/core/router"
)

// Pipeline runs a request through middleware, routing, the matched handler
// and the error handler table, always producing a response.
type Pipeline struct {
	router        *router.Router
	errorHandlers map[int]http.ErrorHandlerFunc
	logger        zerolog.Logger
}

// NewPipeline creates a pipeline dispatching over r
func NewPipeline(r *router.Router, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		router:        r,
		errorHandlers: make(map[int]http.ErrorHandlerFunc),
		logger:        logger,
	}
}

// Router returns the router the pipeline dispatches over
func (p *Pipeline) Router() *router.Router {
	return p.router
}

// HandleError registers fn to build responses for status
func (p *Pipeline) HandleError(status int, fn http.ErrorHandlerFunc) {
	p.errorHandlers[status] = fn
}

// Dispatch produces the response for req and runs the after hooks on it
func (p *Pipeline) Dispatch(req *http.Request) *http.Response {
	resp := p.respond(req)
	for _, fn := range p.router.AfterHooks() {
		p.runAfter(fn, req, resp)
	}
	return resp
}

func (p *Pipeline) respond(req *http.Request) *http.Response {
	resp, err := p.dispatch(req)
	if err != nil {
		fault := &HandlerFault{Method: req.Method, Path: req.Path, Err: err}
		p.logger.Error().
			Str("method", req.Method).
			Str("path", req.Path).
			Err(fault.Err).
			Msg("handler fault")
		return p.errorResponse(req, 500, fault)
	}
	return resp
}

func (p *Pipeline) dispatch(req *http.Request) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	for _, mw := range p.router.Middleware() {
		if resp := mw(req); resp != nil {
			return resp, nil
		}
	}

	m, ok := p.router.Match(req.Method, req.Path)
	if !ok {
		return p.errorResponse(req, 404, nil), nil
	}

	res, err := m.Handler(req, m.Params)
	if err != nil {
		return nil, err
	}
	return http.Coerce(res)
}

func (p *Pipeline) runAfter(fn http.AfterFunc, req *http.Request, resp *http.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("method", req.Method).
				Str("path", req.Path).
				Interface("panic", r).
				Msg("after hook fault")
		}
	}()

	view := *resp
	view.Headers = slices.Clone(resp.Headers)
	view.Body = slices.Clone(resp.Body)
	fn(req, &view)
}

// errorResponse builds the response for an error status, using the
// registered handler when there is one
func (p *Pipeline) errorResponse(req *http.Request, status int, fault error) *http.Response {
	if fn, ok := p.errorHandlers[status]; ok {
		resp, err := p.runErrorHandler(fn, req, status, fault)
		if err == nil {
			return resp
		}
		p.logger.Error().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", status).
			Err(err).
			Msg("error handler fault")
	}
	return defaultErrorResponse(status)
}

func (p *Pipeline) runErrorHandler(fn http.ErrorHandlerFunc, req *http.Request, status int, fault error) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	res, err := fn(req, fault)
	if err != nil {
		return nil, err
	}
	return http.CoerceStatus(res, status)
}

var defaultErrorBodies = map[int]string{
	404: "Not found",
	500: "Internal server error",
}

func defaultErrorResponse(status int) *http.Response {
	msg, ok := defaultErrorBodies[status]
	if !ok {
		msg = http.StatusText(status)
	}
	resp, err := http.Coerce(http.JSON(map[string]string{"error": msg}))
	if err != nil {
		// a map[string]string always encodes
		panic(err)
	}
	resp.Status = status
	return resp
}
