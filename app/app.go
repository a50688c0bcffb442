package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/searchktools/startline/config"
	"github.com/searchktools/startline/core"
	"github.com/searchktools/startline/core/http"
	"github.com/searchktools/startline/core/router"
	"github.com/searchktools/startline/logging"
)

// App ties a router, its dispatch pipeline and the event-loop engine together
type App struct {
	cfg      *config.Config
	logger   zerolog.Logger
	router   *router.Router
	pipeline *core.Pipeline
	engine   *core.Engine
}

// New creates an application instance logging as configured in cfg.Logging
func New(cfg *config.Config) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	return NewWithLogger(cfg, logging.New(cfg.Logging, nil))
}

// NewWithLogger creates an application instance with a pre-configured logger
func NewWithLogger(cfg *config.Config, logger zerolog.Logger) *App {
	if cfg == nil {
		cfg = config.Default()
	}

	r := router.New()
	p := core.NewPipeline(r, logging.WithComponent(logger, "pipeline"))
	e := core.NewEngine(cfg.Server, p, logging.WithComponent(logger, "engine"))

	return &App{
		cfg:      cfg,
		logger:   logger,
		router:   r,
		pipeline: p,
		engine:   e,
	}
}

// Router returns the route table
func (a *App) Router() *router.Router {
	return a.router
}

// Pipeline returns the dispatch pipeline
func (a *App) Pipeline() *core.Pipeline {
	return a.pipeline
}

// Logger returns the application logger
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Engine returns the underlying engine
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Handle registers a route. Registration must finish before Run.
func (a *App) Handle(method, pattern string, handler http.HandlerFunc) error {
	return a.router.Add(method, pattern, handler)
}

func (a *App) GET(pattern string, handler http.HandlerFunc) {
	a.mustHandle("GET", pattern, handler)
}

func (a *App) POST(pattern string, handler http.HandlerFunc) {
	a.mustHandle("POST", pattern, handler)
}

func (a *App) PUT(pattern string, handler http.HandlerFunc) {
	a.mustHandle("PUT", pattern, handler)
}

func (a *App) DELETE(pattern string, handler http.HandlerFunc) {
	a.mustHandle("DELETE", pattern, handler)
}

func (a *App) PATCH(pattern string, handler http.HandlerFunc) {
	a.mustHandle("PATCH", pattern, handler)
}

func (a *App) mustHandle(method, pattern string, handler http.HandlerFunc) {
	if err := a.Handle(method, pattern, handler); err != nil {
		panic(err)
	}
}

// Use appends a middleware
func (a *App) Use(mw http.Middleware) {
	a.router.Use(mw)
}

// After appends a hook that observes every final response
func (a *App) After(fn http.AfterFunc) {
	a.router.After(fn)
}

// HandleError registers the handler for a 404 or 500 outcome
func (a *App) HandleError(status int, fn http.ErrorHandlerFunc) {
	a.pipeline.HandleError(status, fn)
}

// Run serves until ctx is done or the process receives SIGINT/SIGTERM
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, rt := range a.router.Routes() {
		a.logger.Debug().Str("method", rt.Method).Str("pattern", rt.Pattern).Msg("route registered")
	}
	a.logger.Info().
		Str("addr", a.cfg.Server.Addr()).
		Str("env", a.cfg.Server.Env).
		Int("routes", len(a.router.Routes())).
		Msg("starting server")

	if err := a.engine.Run(ctx); err != nil {
		a.logger.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}

// Stop asks a running server to shut down
func (a *App) Stop() {
	a.engine.Stop()
}
