// ABOUTME: Gateway orchestrator that assembles routing, approvals, spawning and transports.
// ABOUTME: Owns the HTTP and gRPC listeners and the shutdown order of every component.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/codeboltai/codebolt-router/internal/approval"
	"github.com/codeboltai/codebolt-router/internal/auth"
	"github.com/codeboltai/codebolt-router/internal/builtins"
	"github.com/codeboltai/codebolt-router/internal/config"
	"github.com/codeboltai/codebolt-router/internal/dedupe"
	"github.com/codeboltai/codebolt-router/internal/dispatch"
	"github.com/codeboltai/codebolt-router/internal/mcp"
	"github.com/codeboltai/codebolt-router/internal/metrics"
	"github.com/codeboltai/codebolt-router/internal/registry"
	"github.com/codeboltai/codebolt-router/internal/remote"
	"github.com/codeboltai/codebolt-router/internal/router"
	"github.com/codeboltai/codebolt-router/internal/spawn"
	"github.com/codeboltai/codebolt-router/internal/store"
	"github.com/codeboltai/codebolt-router/internal/telemetry"
	"github.com/codeboltai/codebolt-router/internal/tools"
	"github.com/codeboltai/codebolt-router/internal/transport"
)

// Tailscale ports used when listening on a tsnet node.
const (
	tailscaleHTTPAddr = ":80"
	tailscaleGRPCAddr = ":50051"
)

// Gateway is one running router instance.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	root    *slog.Logger // unannotated; components add their own attributes
	version string

	telemetry *telemetry.Provider
	store     *store.SQLiteStore // nil when auditing is disabled
	registry  *registry.Registry
	tools     *tools.Dispatcher
	approvals []*approval.Handler
	spawner   *spawn.Manager
	forwarder *remote.Forwarder
	wsProxy   *remote.WebSocketProxy // set when the remote proxy needs a run loop
	replays   *dedupe.Window

	clients *router.Clients
	agents  *router.Agents
	remote  *router.Remote

	authn      *auth.Authenticator
	hub        *transport.Hub
	grpcServer *transport.GRPCServer
	httpServer *http.Server
	mcpServer  *mcp.Server

	tsnetServer *tsnet.Server

	// baseCtx parents every HTTP request so hijacked WebSocket connections
	// end when the gateway stops.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	startedAt    time.Time
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway at construction.
type Option func(*options)

type options struct {
	launcher spawn.Launcher
	version  string
}

// WithLauncher replaces the exec launcher used to start agents.
func WithLauncher(l spawn.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithVersion sets the version reported by MCP and telemetry.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		root:      logger,
		version:   o.version,
		startedAt: time.Now(),
	}
	g.baseCtx, g.baseCancel = context.WithCancel(context.Background())

	if err := g.build(o); err != nil {
		g.closeComponents(context.Background())
		return nil, err
	}
	return g, nil
}

func (g *Gateway) build(o options) error {
	cfg := g.config
	logger := g.root

	tp, err := telemetry.Setup(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     g.version,
		Output:      cfg.Telemetry.Output,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	g.telemetry = tp

	// Nil interfaces, not typed nil pointers, when auditing is off.
	var audit store.AuditStore
	var notes store.NoteStore
	if cfg.Database.Path != "" {
		s, err := initStore(cfg.Database.Path, logger)
		if err != nil {
			return err
		}
		g.store = s
		audit, notes = s, s
	}

	g.registry = registry.New(logger.With("component", "registry"))
	g.replays = dedupe.NewWindow(cfg.Transport.DedupeTTL, cfg.Transport.DedupeSize)

	if g.tools, err = newToolDispatcher(cfg, notes, logger); err != nil {
		return err
	}

	proxy, wsProxy, err := newProxy(cfg.Remote, logger)
	if err != nil {
		return err
	}
	g.wsProxy = wsProxy
	g.forwarder = remote.NewForwarder(proxy, g.registry, logger.With("component", "remote"))

	root, err := workspaceRoot(cfg.Approvals.WorkspaceRoot)
	if err != nil {
		return err
	}
	ops := []approval.Operation{
		approval.NewReadFile(root),
		approval.NewWriteFile(root),
		approval.NewDeleteFile(root),
		approval.NewToolCall(g.tools),
	}
	handlers := make([]router.ApprovalHandler, 0, len(ops))
	for _, op := range ops {
		h := approval.NewHandler(approval.Config{
			Operation: op,
			Registry:  g.registry,
			Mirror:    g.forwarder,
			Recorder:  audit,
			Logger:    logger.With("component", "approval"),
			Timeout:   cfg.Approvals.Timeout,
		})
		g.approvals = append(g.approvals, h)
		handlers = append(handlers, h)
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = newExecLauncher(cfg)
	}
	g.spawner = spawn.NewManager(spawn.Config{
		Launcher:  launcher,
		Recorder:  audit,
		Logger:    logger,
		StopGrace: cfg.Agents.StopGrace,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Registry:     g.registry,
		Spawner:      g.spawner,
		Forwarder:    g.forwarder,
		Logger:       logger.With("component", "dispatch"),
		ReadyTimeout: cfg.Agents.ReadyTimeout,
		AgentType:    cfg.Agents.DefaultType,
	})

	g.clients = router.NewClients(router.ClientsConfig{
		Registry:  g.registry,
		Approvals: handlers,
		Dispatch:  dispatcher,
		Mirror:    g.forwarder,
		Replays:   g.replays,
		Logger:    logger,
	})
	g.agents = router.NewAgents(router.AgentsConfig{
		Registry:  g.registry,
		Approvals: handlers,
		Tools:     g.tools,
		Ready:     g.spawner,
		Mirror:    g.forwarder,
		Replays:   g.replays,
		Logger:    logger,
	})
	g.remote = router.NewRemote(handlers, dispatcher, g.replays, logger)
	if err := g.forwarder.Subscribe(g.remote.Handle); err != nil {
		return fmt.Errorf("subscribing to remote proxy: %w", err)
	}

	g.authn = newAuthenticator(cfg.Auth, logger)
	g.hub = transport.NewHub(transport.Config{
		Registry:        g.registry,
		Clients:         g.clients,
		Agents:          g.agents,
		Authenticator:   g.authn,
		Logger:          logger,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		RateLimit:       cfg.Transport.RateLimit,
		RateBurst:       cfg.Transport.RateBurst,
		PingInterval:    cfg.Transport.PingInterval,
		WriteTimeout:    cfg.Transport.WriteTimeout,
	})
	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		var grpcAuth *auth.Authenticator
		if g.authn.Verifier != nil {
			grpcAuth = g.authn
		}
		g.grpcServer = transport.NewGRPCServer(g.hub, grpcAuth)
	}

	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Dispatcher:    g.tools,
		Authenticator: g.authn,
		Logger:        logger,
		Version:       g.version,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return g.baseCtx },
	}
	return nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		path := g.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, metrics.Handler())
	}

	transport.NewWebSocketServer(g.hub).RegisterRoutes(mux)
	g.mcpServer.RegisterRoutes(mux)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/connections", g.handleConnections)
	api.HandleFunc("GET /api/approvals", g.handlePendingApprovals)
	api.HandleFunc("GET /api/approvals/history", g.handleApprovalHistory)
	api.HandleFunc("GET /api/tools", g.handleTools)
	api.HandleFunc("GET /api/agents", g.handleAgents)
	mux.Handle("/api/", g.authn.Middleware(api))

	return mux
}

func initStore(path string, logger *slog.Logger) (*store.SQLiteStore, error) {
	if envPath := os.Getenv("CODEBOLT_DB_PATH"); envPath != "" {
		path = envPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(path, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func workspaceRoot(configured string) (string, error) {
	if configured == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving workspace root: %w", err)
		}
		return wd, nil
	}
	root, err := filepath.Abs(configured)
	if err != nil {
		return "", fmt.Errorf("resolving workspace root: %w", err)
	}
	return root, nil
}

func newToolDispatcher(cfg *config.Config, notes store.NoteStore, logger *slog.Logger) (*tools.Dispatcher, error) {
	root, err := workspaceRoot(cfg.Tools.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	boxes, err := builtins.Toolboxes(builtins.Config{
		WorkspaceRoot: root,
		Notes:         notes,
		HTTPClient:    &http.Client{Timeout: cfg.Tools.FetchTimeout},
		MaxReadBytes:  cfg.Tools.MaxReadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("building toolboxes: %w", err)
	}
	reg, err := tools.NewRegistry(boxes, cfg.Tools.Enabled, logger.With("component", "tools"))
	if err != nil {
		return nil, fmt.Errorf("building tool catalog: %w", err)
	}
	return tools.NewDispatcher(tools.DispatcherConfig{
		Registry: reg,
		Logger:   logger.With("component", "tools"),
		Timeout:  cfg.Tools.Timeout,
	}), nil
}

// newProxy builds the configured remote proxy. The Proxy result is an
// untyped nil when no proxy is configured.
func newProxy(cfg config.RemoteConfig, logger *slog.Logger) (remote.Proxy, *remote.WebSocketProxy, error) {
	logger = logger.With("component", "remote")
	switch cfg.Kind {
	case config.RemoteNone:
		return nil, nil, nil
	case config.RemoteWebSocket:
		p := remote.NewWebSocketProxy(remote.WebSocketConfig{
			URL:        cfg.URL,
			Token:      cfg.Token,
			MinBackoff: cfg.MinBackoff,
			MaxBackoff: cfg.MaxBackoff,
		}, logger)
		return p, p, nil
	case config.RemoteNATS:
		p, err := remote.NewNATSProxy(remote.NATSConfig{
			URL:           cfg.URL,
			Token:         cfg.Token,
			SubjectPrefix: cfg.SubjectPrefix,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting remote proxy: %w", err)
		}
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote proxy kind %q", cfg.Kind)
	}
}

func newExecLauncher(cfg *config.Config) *spawn.ExecLauncher {
	commands := make(map[string]spawn.Command, len(cfg.Agents.Commands))
	for name, c := range cfg.Agents.Commands {
		commands[name] = spawn.Command{Path: c.Path, Args: c.Args, Dir: c.Dir, Env: c.Env}
	}
	routerURL := cfg.Agents.RouterURL
	if routerURL == "" {
		routerURL = "ws://" + cfg.Server.HTTPAddr + "/ws/agent"
	}
	return &spawn.ExecLauncher{
		Commands:  commands,
		RouterURL: routerURL,
		Stdout:    os.Stderr,
		Stderr:    os.Stderr,
	}
}

func newAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *auth.Authenticator {
	a := &auth.Authenticator{Required: cfg.Required, Logger: logger.With("component", "auth")}
	if cfg.JWTSecret != "" {
		a.Verifier = auth.NewJWTVerifier([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return a
}

// Run starts the listeners and blocks until ctx is cancelled or a server
// fails. It returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.logger.Info("=== ROUTER STARTED ===",
		"http_addr", httpLn.Addr().String(),
		"grpc", grpcLn != nil,
		"remote", g.config.Remote.Kind,
		"tools", len(g.tools.Registry().GetAll()),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	if g.wsProxy != nil {
		eg.Go(func() error { return g.wsProxy.Run(egCtx) })
	}
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})
	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "codebolt-router", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Shutdown stops the listeners, waits for in-flight routing, stops spawned
// agents and releases every component. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("=== ROUTER SHUTTING DOWN ===")
		var errs []error

		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		if g.grpcServer != nil {
			g.grpcServer.Stop(ctx)
		}
		g.baseCancel()

		waitOrDone(ctx, func() {
			g.clients.Wait()
			g.agents.Wait()
		})

		errs = append(errs, g.closeComponents(ctx)...)
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// closeComponents releases everything New may have created. Components
// that were never built are skipped.
func (g *Gateway) closeComponents(ctx context.Context) []error {
	var errs []error
	add := func(label string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	if g.spawner != nil {
		add("agent shutdown", g.spawner.Shutdown(ctx))
	}
	for _, h := range g.approvals {
		h.Close()
	}
	if g.forwarder != nil {
		add("remote proxy close", g.forwarder.Close())
	}
	if g.replays != nil {
		g.replays.Close()
	}
	if g.store != nil {
		add("store close", g.store.Close())
	}
	if g.tsnetServer != nil {
		add("tailscale shutdown", g.tsnetServer.Close())
	}
	if g.telemetry != nil {
		add("telemetry shutdown", g.telemetry.Shutdown(ctx))
	}
	g.baseCancel()
	return errs
}

func waitOrDone(ctx context.Context, fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
