// gohdcp daemon -- emulated HDCP 1.x link with a ConnectRPC control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gohdcp/internal/config"
	"github.com/dantte-lp/gohdcp/internal/hdcp"
	"github.com/dantte-lp/gohdcp/internal/link"
	hdcpmetrics "github.com/dantte-lp/gohdcp/internal/metrics"
	"github.com/dantte-lp/gohdcp/internal/revocation"
	"github.com/dantte-lp/gohdcp/internal/server"
	"github.com/dantte-lp/gohdcp/internal/sim"
	appversion "github.com/dantte-lp/gohdcp/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// stateChangeBuffer is the capacity of the state change log channel.
const stateChangeBuffer = 64

// flightRecorderMinAge is the minimum window age for the flight recorder.
// A full authentication with a repeater takes a few seconds of wall time.
const flightRecorderMinAge = 5 * time.Second

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 4 * 1024 * 1024 // 4 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gohdcp starting",
		slog.String("version", appversion.Version),
		slog.String("hdcp_revision", appversion.HDCPRevision),
		slog.String("api_addr", cfg.API.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("protocol", cfg.Link.Protocol),
	)

	// 4. Start flight recorder for post-mortem debugging of link failures.
	fr := startFlightRecorder(logger)

	// 5. Load the revocation list.
	revoked, err := loadRevocation(cfg.Revocation)
	if err != nil {
		logger.Error("failed to load revocation list", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("revocation list loaded", slog.Int("ksvs", revoked.Len()))

	// 6. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := hdcpmetrics.NewCollector(reg)

	// 7. Build the link with metrics and state change logging wired in.
	linkCfg, err := linkConfig(cfg)
	if err != nil {
		logger.Error("invalid link configuration", slog.String("error", err.Error()))
		return 1
	}

	changes := make(chan hdcp.StateChange, stateChangeBuffer)
	lnk, err := link.New(linkCfg, revoked, logger,
		hdcp.WithMetrics(collector),
		hdcp.WithNotify(changes),
	)
	if err != nil {
		logger.Error("failed to create link", slog.String("error", err.Error()))
		return 1
	}

	// 8. Run servers.
	if err := runServers(cfg, lnk, revoked, changes, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("gohdcp exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gohdcp stopped")
	return 0
}

// runServers starts the link and runs the API and metrics HTTP servers
// using an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	lnk *link.Link,
	revoked *revocation.List,
	changes <-chan hdcp.StateChange,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	apiSrv := newAPIServer(cfg.API, lnk, logger)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if err := lnk.Start(); err != nil {
		return fmt.Errorf("start link: %w", err)
	}

	g.Go(func() error {
		return lnk.Run(gCtx)
	})
	g.Go(func() error {
		logStateChanges(gCtx, changes, logger)
		return nil
	})

	startHTTPServers(gCtx, g, cfg, apiSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, lnk, revoked, logger)

	sdNotify(logger, daemon.SdNotifyReady)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, lnk, logger, fr, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	apiSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("API server listening", slog.String("addr", cfg.API.Addr))
		return listenAndServe(ctx, &lc, apiSrv, cfg.API.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	lnk *link.Link,
	revoked *revocation.List,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, lnk, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, revoked, logger)
		return nil
	})
}

// logStateChanges logs engine transitions until ctx is cancelled.
func logStateChanges(ctx context.Context, changes <-chan hdcp.StateChange, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-changes:
			logger.Info("hdcp state changed",
				slog.String("direction", sc.Direction.String()),
				slog.String("from", sc.OldState),
				slog.String("to", sc.NewState),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// sdNotify sends state to systemd. Outside a systemd unit it is a no-op.
func sdNotify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to notify systemd",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return
	}
	if sent && state != daemon.SdNotifyWatchdog {
		logger.Info("notified systemd", slog.String("state", state))
	}
}

// runWatchdog sends a keepalive every WatchdogSec/2 while the link poll
// loop is making progress. A wedged loop stops the keepalives and systemd
// restarts the daemon. Returns at once when no watchdog is configured.
func runWatchdog(ctx context.Context, lnk *link.Link, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tick := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tick),
	)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastPolls := lnk.Polls()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			polls := lnk.Polls()
			if polls == lastPolls {
				logger.Error("link poll loop stalled, withholding watchdog keepalive",
					slog.Uint64("polls", polls),
				)
				continue
			}
			lastPolls = polls
			sdNotify(logger, daemon.SdNotifyWatchdog)
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level + revocation list
// -------------------------------------------------------------------------

// handleSIGHUP reloads configuration on every SIGHUP until ctx is
// cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	revoked *revocation.List,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, revoked, logger)
		}
	}
}

// reloadConfig updates the log level and the revocation list. Link
// parameters are fixed for the life of the process. Errors are logged
// and the previous settings stay in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	revoked *revocation.List,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	if err := revoked.Reload(newCfg.Revocation.Sources()); err != nil {
		logger.Error("failed to reload revocation list, keeping current list",
			slog.String("error", err.Error()),
		)
	}

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("revoked_ksvs", revoked.Len()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown: disable engines + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, disables both engines so encryption
// is off before exit, stops the flight recorder, then shuts down the HTTP
// servers. ctx is already cancelled; the drain uses a detached timeout.
func gracefulShutdown(
	ctx context.Context,
	lnk *link.Link,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	sdNotify(logger, daemon.SdNotifyStopping)

	lnk.Close()

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder: Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling execution trace window for
// post-mortem debugging of authentication failures.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAPIServer creates an h2c HTTP server for the ConnectRPC link service
// and the grpc.health.v1 checker, so plaintext gRPC clients can connect.
func newAPIServer(cfg config.APIConfig, lnk *link.Link, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	path, handler := server.New(lnk, logger,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	mux.Handle(path, handler)

	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		server.ServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config conversion
// -------------------------------------------------------------------------

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// loadRevocation builds the revocation list from the configured sources.
func loadRevocation(rc config.RevocationConfig) (*revocation.List, error) {
	ksvs, err := revocation.Load(rc.Sources())
	if err != nil {
		return nil, fmt.Errorf("load revocation list: %w", err)
	}
	return revocation.New(ksvs...), nil
}

// linkConfig converts the file configuration into a link.Config.
func linkConfig(cfg *config.Config) (link.Config, error) {
	protocol, err := cfg.Link.ParsedProtocol()
	if err != nil {
		return link.Config{}, err
	}
	txKsv, err := cfg.Transmitter.ParsedKsv()
	if err != nil {
		return link.Config{}, err
	}
	rxKsv, err := cfg.Receiver.ParsedKsv()
	if err != nil {
		return link.Config{}, err
	}

	lc := link.Config{
		Protocol:         protocol,
		TxKsv:            txKsv,
		RxKsv:            rxKsv,
		LaneCount:        cfg.Link.LaneCount,
		KeySelect:        cfg.Link.KeySelect,
		EncryptionMap:    cfg.Link.EncryptionMap,
		AutoAuthenticate: cfg.Link.AutoAuthenticate,
		PollInterval:     cfg.Link.PollInterval,
		RekeyInterval:    cfg.Link.RekeyInterval,
		CipherLatency:    cfg.Link.CipherLatency,
	}

	if rep := cfg.Receiver.Repeater; rep.Enabled {
		ksvs, err := rep.ParsedKsvs()
		if err != nil {
			return link.Config{}, err
		}
		lc.Repeater = &sim.RepeaterConfig{
			Ksvs:        ksvs,
			Depth:       rep.Depth,
			ReadyFrames: rep.ReadyFrames,
		}
	}

	return lc, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
