package app

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/searchktools/reactor/config"
	"github.com/searchktools/reactor/core"
	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/pools"
)

// Option configures an App
type Option func(*options)

type options struct {
	logger  *slog.Logger
	signals []os.Signal
}

// WithLogger overrides the logger built from the configuration
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithExitSignals replaces the signals that stop the loop (default SIGINT
// and SIGTERM)
func WithExitSignals(sigs ...os.Signal) Option {
	return func(o *options) {
		o.signals = sigs
	}
}

// App hosts one loop with an HTTP server on it. Routes are registered on
// Server before Run; Run serves until an exit signal or Shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	loop    *core.Loop
	metrics *observability.Metrics
	server  *http.Server

	exitEvents []*core.Event
	shutdown   *core.Event
}

// NewLogger builds the slog logger described by cfg
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New creates the loop, metrics and HTTP server described by cfg
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.Log, os.Stderr)
	}

	a := &App{cfg: cfg, logger: o.logger}

	pools.ApplyGCConfig(pools.GCConfig{
		GOGC:        cfg.Runtime.GCPercent,
		MemoryLimit: cfg.Runtime.MemoryLimit,
	})

	if cfg.Metrics.Enabled {
		mopts := []observability.MetricsOption{observability.WithNamespace(cfg.Metrics.Namespace)}
		if cfg.Metrics.Runtime {
			mopts = append(mopts, observability.WithRuntimeCollectors())
		}
		a.metrics = observability.NewMetrics(mopts...)
		a.metrics.WatchBytePool(pools.GlobalStats)
	}

	loop, err := core.NewLoop(
		core.WithLogger(a.logger),
		core.WithMetrics(a.metrics),
		core.WithDebug(cfg.Loop.Debug),
		core.WithMaxEvents(cfg.Loop.MaxEvents),
	)
	if err != nil {
		return nil, err
	}
	a.loop = loop

	srvOpts := []http.Option{
		http.WithMaxHeaderSize(cfg.HTTP.MaxHeaderSize),
		http.WithMaxBodySize(cfg.HTTP.MaxBodySize),
		http.WithReadTimeout(cfg.HTTP.ReadTimeout),
		http.WithHandlerTimeout(cfg.HTTP.HandlerTimeout),
		http.WithCompression(cfg.HTTP.CompressMin),
		http.WithServerName(cfg.HTTP.ServerName),
		http.WithContentType(cfg.HTTP.ContentType),
		http.WithListenOptions(
			core.WithBacklog(cfg.Listener.Backlog),
			core.WithReusePort(cfg.Listener.ReusePort),
		),
	}
	if len(cfg.HTTP.Methods) > 0 {
		srvOpts = append(srvOpts, http.WithAllowedMethods(cfg.HTTP.Methods...))
	}
	a.server, err = http.NewServer(loop, srvOpts...)
	if err != nil {
		loop.Close()
		return nil, err
	}

	if a.metrics != nil && cfg.Metrics.Path != "" {
		if err := a.server.AddRoute(cfg.Metrics.Path, a.serveMetrics); err != nil {
			loop.Close()
			return nil, err
		}
	}

	if err := a.armExit(o.signals); err != nil {
		loop.Close()
		return nil, err
	}
	return a, nil
}

// armExit installs the signal events and the cross-goroutine shutdown
// trigger
func (a *App) armExit(sigs []os.Signal) error {
	for _, sig := range sigs {
		ev, err := a.loop.NewSignal(func(ev *core.Event, _ int) {
			a.logger.Info("signal received, shutting down", "signal", ev.UserData())
			ev.ExitLoop()
		}, sig)
		if err != nil {
			return err
		}
		ev.SetUserData(sig.String())
		if err := ev.Start(); err != nil {
			return err
		}
		a.exitEvents = append(a.exitEvents, ev)
	}

	ev, err := a.loop.NewUser(func(ev *core.Event, _ int) {
		a.logger.Info("shutdown requested")
		ev.ExitLoop()
	})
	if err != nil {
		return err
	}
	a.shutdown = ev
	return nil
}

func (a *App) serveMetrics(req *http.Request) {
	body, err := a.metrics.TextFormat()
	if err != nil {
		a.logger.Error("render metrics failed", "error", err)
		req.SendError(500, "")
		return
	}
	req.OutputHeaders().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	req.Output().Append(body)
	req.SendReply(200, "OK")
}

// Config returns the configuration the app was built from
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the app logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Loop returns the event loop
func (a *App) Loop() *core.Loop { return a.loop }

// Server returns the HTTP server for route registration
func (a *App) Server() *http.Server { return a.server }

// Metrics returns the metrics sink, nil when disabled
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Listen binds the configured address. Run calls it when nothing is bound
// yet.
func (a *App) Listen() (*core.Listener, error) {
	return a.server.Bind(a.cfg.Listener.Address, a.cfg.Listener.Port)
}

// Run serves until an exit signal arrives or Shutdown is called, then
// closes everything. It must be called from the goroutine that owns the
// loop from then on.
func (a *App) Run() error {
	if len(a.server.Listeners()) == 0 {
		if _, err := a.Listen(); err != nil {
			a.Close()
			return err
		}
	}

	for _, ln := range a.server.Listeners() {
		a.logger.Info("reactor serving", "addr", ln.Addr().String())
	}

	err := a.loop.Run(core.RunDefault)
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

// Shutdown asks a running Run to return. It is safe from any goroutine.
func (a *App) Shutdown() error {
	return a.shutdown.Activate(0)
}

// Close releases the server, the signal registrations and the loop
func (a *App) Close() error {
	var errs []error
	if err := a.server.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, ev := range a.exitEvents {
		ev.Free()
	}
	a.exitEvents = nil
	if err := a.loop.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
