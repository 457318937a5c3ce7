// ABOUTME: Relay orchestrator that owns storage, migrations, readiness and the background bus
// ABOUTME: Serves the websocket transport, health, readiness and metrics over HTTP

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/catalog"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/options"
	"github.com/2389/coven-relay/internal/ready"
	"github.com/2389/coven-relay/internal/storage"
	"github.com/2389/coven-relay/internal/transport"
	"github.com/2389/coven-relay/internal/transport/wsnet"
	"github.com/2389/coven-relay/internal/versioned"
)

// Relay is the background context. It migrates the stored options, marks
// the extension ready and answers the background catalog for every peer.
type Relay struct {
	config     *config.Config
	storage    *storage.Set
	ready      *ready.Coordinator
	options    *versioned.Store[options.Options]
	hub        *transport.Hub
	background *transport.Endpoint
	server     *bus.Server
	router     *bus.Router
	content    *bus.AddressedClient
	ws         *wsnet.Server
	registry   *prometheus.Registry
	httpServer *http.Server
	logger     *slog.Logger

	// startMu serializes Start; started is read without it by handlers
	startMu   sync.Mutex
	started   atomic.Bool
	listening bool

	// stopWatch removes the options change listener
	stopWatch func()

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Relay from cfg. Nothing is migrated or served until Start
// or Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	set, err := storage.OpenSet(storage.SetConfig{
		Backend:      cfg.Storage.Backend,
		Path:         cfg.Storage.Path,
		PollInterval: cfg.Storage.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	r, err := assemble(cfg, set, logger)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	return r, nil
}

func assemble(cfg *config.Config, set *storage.Set, logger *slog.Logger) (*Relay, error) {
	readyArea, err := set.Area(cfg.Storage.ReadyArea)
	if err != nil {
		return nil, fmt.Errorf("ready area: %w", err)
	}
	optionsArea, err := set.Area(cfg.Storage.OptionsArea)
	if err != nil {
		return nil, fmt.Errorf("options area: %w", err)
	}

	coord, err := ready.New(context.Background(), readyArea, cfg.Extension.Version,
		ready.WithRole(ready.RoleOwner),
		ready.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating readiness coordinator: %w", err)
	}

	store := options.NewStore(optionsArea,
		versioned.WithGate(coord),
		versioned.WithLogger(logger),
	)

	hub := transport.NewHub(logger)
	bg, err := hub.Connect(transport.Background())
	if err != nil {
		return nil, fmt.Errorf("connecting background endpoint: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bus.NewMetrics(registry)

	server := bus.NewServer(bus.ServerConfig{
		Name:          "background",
		Logger:        logger,
		SilentMethods: cfg.RPC.SilentMethods,
		Metrics:       metrics,
	})
	router := bus.NewRouter(logger)

	var verifier *wsnet.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = wsnet.NewTokenVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			bg.Close()
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
	}

	r := &Relay{
		config:     cfg,
		storage:    set,
		ready:      coord,
		options:    store,
		hub:        hub,
		background: bg,
		server:     server,
		router:     router,
		content: bus.NewAddressedClient(bus.AddressedConfig{
			Transport:  bg,
			Enumerator: hub,
			Timeout:    cfg.RPC.Timeout,
			Logger:     logger,
			Metrics:    metrics,
		}),
		ws: wsnet.NewServer(wsnet.ServerConfig{
			Hub:      hub,
			Verifier: verifier,
			Logger:   logger,
			Timeout:  cfg.RPC.PeerTimeout,
		}),
		registry: registry,
		logger:   logger.With("component", "relay"),
	}

	catalog.RegisterBackground(server, &service{relay: r})
	router.Mount(server)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/ready", r.handleReady)
	mux.Handle(cfg.Server.WSPath, r.ws)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r, nil
}

// Handler returns the HTTP handler serving health, readiness, metrics and
// the websocket endpoint.
func (r *Relay) Handler() http.Handler { return r.httpServer.Handler }

// Hub returns the in-process hub. Endpoints connected to it reach the
// background exactly as websocket peers do.
func (r *Relay) Hub() *transport.Hub { return r.hub }

// Options returns the options store.
func (r *Relay) Options() *versioned.Store[options.Options] { return r.options }

// Registry returns the registry the metrics endpoint serves.
func (r *Relay) Registry() *prometheus.Registry { return r.registry }

// Ready reports whether Start has finished.
func (r *Relay) Ready() bool { return r.started.Load() }

// Start migrates the stored options, starts answering the background
// catalog and writes the readiness stamp. Once it succeeds later calls
// return nil; a failed Start may be retried.
func (r *Relay) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started.Load() {
		return nil
	}

	uctx := versioned.UpgradeContext{"extensionVersion": r.config.Extension.Version}
	if err := r.options.Upgrade(ctx, uctx); err != nil {
		return fmt.Errorf("migrating options: %w", err)
	}

	current, err := r.options.Get(ctx)
	if err != nil {
		return fmt.Errorf("reading options: %w", err)
	}
	r.server.SetBaseContext(providerContext(current.ActiveProvider))
	if r.stopWatch == nil {
		// keeps the provider current when another process edits the options
		r.stopWatch = r.options.OnChange(func(o options.Options) {
			r.server.SetBaseContext(providerContext(o.ActiveProvider))
		})
	}

	if !r.listening {
		r.router.Listen(r.background)
		r.listening = true
	}

	if err := r.ready.SetReady(ctx); err != nil {
		return err
	}
	r.started.Store(true)

	r.logger.Info("=== RELAY READY ===",
		"version", r.config.Extension.Version,
		"options_version", r.options.Latest(),
		"methods", len(r.server.Methods()),
	)
	return nil
}

func providerContext(provider string) bus.Context {
	if provider == "" {
		return bus.Context{}
	}
	return bus.Context{catalog.ContextProvider: provider}
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (r *Relay) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"ws_path", r.config.Server.WSPath,
		)
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (r *Relay) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the relay and serves until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		_ = r.gracefulShutdown()
		return err
	}

	ln, err := net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		_ = r.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := r.startServer(ln)
	serverErr := r.waitForShutdownSignal(ctx, errCh)

	shutdownErr := r.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving and releases storage. Later calls return the
// first call's result.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.logger.Info("shutting down relay")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", r.httpServer.Shutdown(ctx))

		r.ws.Close()
		r.router.Unlisten()
		r.background.Close()
		r.startMu.Lock()
		if r.stopWatch != nil {
			r.stopWatch()
		}
		r.startMu.Unlock()
		r.ready.Close()
		r.options.Destroy()

		errs = appendCloseError(errs, "storage close", r.storage.Close())

		if len(errs) > 0 {
			r.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return r.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once migrations ran and the stamp is written.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.started.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("migrations pending"))
		return
	}
	peers, err := r.peers(req.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready %s (%d peers)", r.config.Extension.Version, len(peers))
}

// peers lists every connected destination except the background.
func (r *Relay) peers(ctx context.Context) ([]string, error) {
	candidates, err := r.hub.Candidates(ctx, transport.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(candidates))
	for _, d := range candidates {
		if d.Kind == transport.KindBackground {
			continue
		}
		out = append(out, d.String())
	}
	return out, nil
}
