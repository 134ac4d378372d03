package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/toolgate/gateway/internal/adapter/inbound/controlplane"
	"github.com/toolgate/gateway/internal/adapter/inbound/edge"
	"github.com/toolgate/gateway/internal/adapter/outbound/cel"
	"github.com/toolgate/gateway/internal/adapter/outbound/changestream"
	"github.com/toolgate/gateway/internal/adapter/outbound/jwtclaims"
	"github.com/toolgate/gateway/internal/adapter/outbound/mcpbackend"
	"github.com/toolgate/gateway/internal/adapter/outbound/statestore"
	"github.com/toolgate/gateway/internal/config"
	"github.com/toolgate/gateway/internal/service"
	"github.com/toolgate/gateway/internal/telemetry"
)

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "seed a permissive dev admin/gateway token pair")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the toolgate gateway: the edge listener agents talk to, the
control-plane listener admins use to manage policy and governance, and the
background bundle-builder and garbage-collection loops that keep them fed.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	adminToken, gatewayToken := cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled: relaxed bootstrap, do not use in production")
		if adminToken != "" {
			logger.Warn("seeded dev tokens", "admin_token", adminToken, "gateway_token", gatewayToken)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

// run wires every component together and blocks serving both listeners
// until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	provider, err := telemetry.NewProvider(ctx, cfg.Tracing.Enabled, "toolgate")
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "error", err)
		}
	}()

	db, err := statestore.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() { _ = db.Close() }()

	stream := changestream.New()
	store := service.NewPolicyStore(db, stream)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policy state: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := service.NewMetrics(registry)

	bundles := service.NewBundleBuilder(store, stream,
		service.WithEvaluatorURL(cfg.Governance.EvaluatorURL),
		service.WithRebuildHook(func(revision uint64) {
			metrics.BundleRevision.Set(float64(revision))
			metrics.BundleRebuildsTotal.Inc()
		}),
	)
	go bundles.Start(ctx)
	if err := telemetry.RegisterBundleRevisionGauge(func() int64 {
		if snap := bundles.CurrentBundle(); snap != nil {
			return int64(snap.Revision)
		}
		return 0
	}); err != nil {
		logger.Warn("failed to register bundle revision gauge", "error", err)
	}

	governance := service.NewGovernanceRegistry(cfg.Governance.EvaluatorURL,
		service.WithEvaluatorToken(cfg.Governance.EvaluatorToken))

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to build claims evaluator: %w", err)
	}
	claims := jwtclaims.NewDecoder()
	decisions := service.NewDecisionService(evaluator, bundles, governance, claims)

	initTimeout, toolCallTimeout, err := backendTimeouts(cfg)
	if err != nil {
		return fmt.Errorf("invalid backend timeouts: %w", err)
	}
	backendClient := mcpbackend.New(mcpbackend.WithTimeouts(initTimeout, toolCallTimeout))
	aggregator := service.NewAggregatorService(backendClient, cfg.BackendMap())

	audit := service.NewAuditLog(1000, metrics.AuditDropsTotal.Inc)

	edgeCfg, err := buildEdgeConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid edge config: %w", err)
	}
	edgeHandler := edge.NewHandler(decisions, aggregator, metrics, audit, logger, edgeCfg)
	controlHandler := controlplane.NewHandler(store, governance, decisions, audit, cfg.ControlPlane.Tokens, logger)
	controlHandler.SetMetrics(metrics)

	servers := []*http.Server{
		{Addr: cfg.Edge.ListenAddr, Handler: edgeHandler.Routes()},
		{Addr: cfg.ControlPlane.ListenAddr, Handler: controlHandler.Routes()},
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		}()
	}

	gcInterval, err := time.ParseDuration(cfg.Governance.GCInterval)
	if err != nil {
		gcInterval = 10 * time.Minute
	}
	retentionTTL, err := time.ParseDuration(cfg.Governance.RetentionTTL)
	if err != nil {
		retentionTTL = time.Hour
	}
	go runGC(ctx, controlHandler, gcInterval, retentionTTL, logger)

	logger.Info("toolgate started",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"edge_addr", cfg.Edge.ListenAddr,
		"control_plane_addr", cfg.ControlPlane.ListenAddr,
		"backends", len(cfg.Backends),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	return nil
}

// runGC periodically sweeps resolved governance requests older than
// retentionTTL, bounding the registry's memory use under sustained traffic.
func runGC(ctx context.Context, h *controlplane.Handler, interval, retentionTTL time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := h.GC(ctx, retentionTTL)
			if n > 0 {
				logger.Debug("governance gc swept requests", "count", n)
			}
		}
	}
}

func buildEdgeConfig(cfg *config.Config) (edge.Config, error) {
	sseKeepAlive, err := time.ParseDuration(cfg.Edge.SSEKeepAlive)
	if err != nil {
		return edge.Config{}, fmt.Errorf("edge.sse_keepalive: %w", err)
	}
	return edge.Config{
		MaxRequestBodyBytes:  cfg.Edge.MaxRequestBodyBytes,
		SSEKeepAlive:         sseKeepAlive,
		ProtectedResourceURL: cfg.OIDC.ProtectedResourceURL,
		IssuerURL:            cfg.OIDC.IssuerURL,
		ServiceName:          "toolgate",
	}, nil
}

func backendTimeouts(cfg *config.Config) (initialize, toolCall time.Duration, err error) {
	initialize, err = time.ParseDuration(cfg.Edge.InitializeTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("edge.initialize_timeout: %w", err)
	}
	toolCall, err = time.ParseDuration(cfg.Edge.ToolCallTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("edge.tool_call_timeout: %w", err)
	}
	return initialize, toolCall, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
