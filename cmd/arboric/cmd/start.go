package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/arboric/arboric/internal/adapter/inbound/admin"
	inhttp "github.com/arboric/arboric/internal/adapter/inbound/http"
	"github.com/arboric/arboric/internal/adapter/inbound/httpgw"
	auditadapter "github.com/arboric/arboric/internal/adapter/outbound/audit"
	"github.com/arboric/arboric/internal/adapter/outbound/cel"
	"github.com/arboric/arboric/internal/adapter/outbound/memory"
	"github.com/arboric/arboric/internal/adapter/outbound/policyfile"
	"github.com/arboric/arboric/internal/config"
	"github.com/arboric/arboric/internal/domain/token"
	"github.com/arboric/arboric/internal/service"
	"github.com/arboric/arboric/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the arboric proxy server.

Requests to every path except /admin/, /health and /metrics are checked
against the configured policies and forwarded to proxy.upstream.

Send SIGHUP (or run "arboric reload") to reload policies without a restart.

Examples:
  # Start with config file settings
  arboric start

  # Start with a specific config file
  arboric --config /path/to/arboric.yaml start

  # Development mode: debug logs, allow-any policy when none is configured
  arboric start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, allow-any default policy)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if devMode {
		loader.Set("dev_mode", true)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser, err := newLogger(cfg.Server, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logCloser.Close()

	if configFile := loader.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled: do not use in production")
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	a, err := newApp(ctx, cfg, loader, logger)
	if err != nil {
		return err
	}
	if err := a.run(ctx); err != nil {
		return err
	}

	logger.Info("arboric stopped")
	return nil
}

// app holds the wired components of a running server.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	policies  *service.PolicyService
	audit     *service.AuditService
	store     *auditadapter.MultiStore
	ring      *memory.AuditStore
	metrics   *inhttp.Metrics
	transport *inhttp.HTTPTransport
	telemetry telemetry.ShutdownFunc
}

// newApp wires every component from cfg. Policies are read through
// configs, which is consulted again on each reload.
func newApp(ctx context.Context, cfg *config.Config, configs policyfile.ConfigLoader, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.telemetry, err = telemetry.Setup(telemetry.Config{
		Tracing:        cfg.Telemetry.Tracing,
		Metrics:        cfg.Telemetry.Metrics,
		ServiceName:    "arboric",
		ServiceVersion: Version,
	})
	if err != nil {
		return a, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	key, err := cfg.JWT.SigningKey.Resolve()
	if err != nil {
		return a, err
	}
	verifier, err := token.NewVerifier(key, token.WithLeeway(cfg.JWT.Leeway))
	if err != nil {
		return a, fmt.Errorf("failed to create token verifier: %w", err)
	}

	exprs, err := cel.NewEvaluator()
	if err != nil {
		return a, fmt.Errorf("failed to create expression compiler: %w", err)
	}
	a.policies, err = service.NewPolicyService(ctx, policyfile.NewSource(configs, logger), exprs, logger)
	if err != nil {
		return a, fmt.Errorf("failed to load policies: %w", err)
	}

	a.ring = memory.NewAuditStore(cfg.Audit.BufferSize)
	sink, err := auditadapter.Open(ctx, auditadapter.Config{
		Output: cfg.Audit.Output,
		File: auditadapter.FileConfig{
			RetentionDays: cfg.Audit.File.RetentionDays,
			MaxFileSizeMB: cfg.Audit.File.MaxFileSizeMB,
		},
		Influx: auditadapter.InfluxConfig{
			URI:      cfg.Audit.InfluxDB.URI,
			Database: cfg.Audit.InfluxDB.Database,
			Org:      cfg.Audit.InfluxDB.Org,
			Token:    cfg.Audit.InfluxDB.Token,
		},
	}, logger)
	if err != nil {
		return a, fmt.Errorf("failed to open audit output: %w", err)
	}
	a.store = auditadapter.NewMultiStore(a.ring, sink)
	a.audit = service.NewAuditService(a.store, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushInterval),
		service.WithSendTimeout(cfg.Audit.SendTimeout),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)

	registry := inhttp.NewRegistry()
	a.metrics = inhttp.NewMetrics(registry)
	inhttp.RegisterAuditMetrics(registry, a.audit)
	inhttp.RegisterPolicyMetrics(registry, a.policies)

	pipeline := service.NewPipeline(verifier, a.policies, a.audit, logger,
		service.WithTokenRequired(cfg.JWT.Required),
		service.WithOutcomeObserver(a.metrics),
	)

	upstream, err := url.Parse(cfg.Proxy.Upstream)
	if err != nil {
		return a, fmt.Errorf("invalid proxy.upstream: %w", err)
	}
	gateway := httpgw.NewHandler(pipeline,
		httpgw.NewReverseProxy(upstream, cfg.Proxy.Timeout, logger),
		logger,
		httpgw.WithMaxBodyBytes(cfg.Proxy.MaxBodyBytes),
	)

	opts := []inhttp.Option{
		inhttp.WithAddr(cfg.Server.HTTPAddr),
		inhttp.WithLogger(logger),
		inhttp.WithHealthChecker(inhttp.NewHealthChecker(a.audit, a.policies, Version)),
		inhttp.WithMetrics(registry, a.metrics),
		inhttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, inhttp.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if cfg.Admin.Enabled {
		opts = append(opts, inhttp.WithAdminHandler(a.adminHandler()))
		logger.Info("admin API enabled", "path", "/admin/api/", "key_configured", cfg.Admin.APIKeyHash != "")
	}
	a.transport = inhttp.NewHTTPTransport(gateway, opts...)

	return a, nil
}

// reload rebuilds the policy set and records the result.
func (a *app) reload(ctx context.Context) (service.ReloadResult, error) {
	res, err := a.policies.Reload(ctx)
	a.metrics.ObserveReload(res, err)
	if err != nil {
		a.logger.Error("policy reload failed, keeping current policies", "error", err)
		return res, err
	}
	a.logger.Info("policies reloaded", "changed", res.Changed, "version", res.Version, "policies", res.Policies)
	return res, nil
}

func (a *app) adminHandler() http.Handler {
	return admin.NewAdminAPIHandler(
		admin.WithPolicyService(a.policies),
		admin.WithReload(func(r *http.Request) (service.ReloadResult, error) {
			return a.reload(r.Context())
		}),
		admin.WithAuditService(a.audit),
		admin.WithAuditReader(a.ring),
		admin.WithAPIKeyHash(a.cfg.Admin.APIKeyHash),
		admin.WithAPILogger(a.logger),
		admin.WithBuildInfo(&admin.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}),
	).Routes()
}

// run serves until ctx is done, then drains the audit queue.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	a.audit.Start(ctx)
	watchReload(ctx, func(ctx context.Context) { _, _ = a.reload(ctx) }, a.logger)

	set := a.policies.Current()
	a.logger.Info("arboric starting",
		"version", Version,
		"dev_mode", a.cfg.DevMode,
		"http_addr", a.cfg.Server.HTTPAddr,
		"upstream", a.cfg.Proxy.Upstream,
		"policies", set.Len(),
		"policy_version", set.Version(),
		"token_required", a.cfg.JWT.Required,
		"audit_output", a.cfg.Audit.Output,
	)

	return a.transport.Start(ctx)
}

// close stops the audit worker and releases the sinks. Safe on a partly
// built app.
func (a *app) close() {
	if a.audit != nil {
		a.audit.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close audit output", "error", err)
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("failed to flush telemetry", "error", err)
		}
	}
}
