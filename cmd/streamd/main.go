package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"streamchain/config"
	"streamchain/core/events"
	"streamchain/core/state"
	"streamchain/native/stream"
	"streamchain/observability"
	"streamchain/observability/logging"
	telemetry "streamchain/observability/otel"
	"streamchain/rpc"
	"streamchain/storage"
)

const envVar = "STREAM_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "streamd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithOptions("streamd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "streamd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	allocations, err := cfg.GenesisAllocations()
	if err != nil {
		return err
	}
	applied, err := manager.ApplyGenesis(allocations)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis allocations applied", slog.Int("accounts", len(allocations)))
	}

	params, err := cfg.StreamParams()
	if err != nil {
		return err
	}
	capability, err := manager.IssueVaultCapability(state.ModuleStream)
	if err != nil {
		return fmt.Errorf("issue vault capability: %w", err)
	}
	ledger, err := manager.StreamLedger(capability)
	if err != nil {
		return err
	}

	eventLog := events.NewLog(0)
	sinks, err := openSinks(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	engine := stream.NewEngine()
	if err := engine.SetParams(params); err != nil {
		return fmt.Errorf("stream params: %w", err)
	}
	engine.SetLedger(ledger)
	engine.SetEmitter(append(events.Fanout{eventLog, observability.Events()}, sinks.emitters...))

	signatures := rpc.NewSignatureAuthenticator(
		cfg.Auth.TimestampSkew(),
		cfg.Auth.NonceTTL(),
		cfg.Auth.NonceCapacity,
		rpc.NewStoredNoncePersistence(db),
	)
	if err := signatures.HydrateNonces(context.Background()); err != nil {
		return fmt.Errorf("hydrate nonces: %w", err)
	}
	keeper := rpc.NewKeeperAuthenticator(rpc.KeeperAuthConfig{
		Secret:   cfg.KeeperJWTSecret(),
		Issuer:   cfg.Auth.KeeperJWTIssuer,
		Audience: cfg.Auth.KeeperJWTAudience,
	})
	if !keeper.Enabled() {
		logger.Warn("keeper JWT secret not configured; ticks require signed requests")
	}

	server, err := rpc.NewServer(rpc.Config{
		Engine:      engine,
		Accounts:    manager,
		Events:      eventLog,
		Signatures:  signatures,
		Keeper:      keeper,
		RateLimiter: rpc.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, observability.API()),
		Logger:      logger,
		ServiceName: "streamd",
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := listen(cfg.ListenAddress, cfg.MaxConnections)
	if err != nil {
		return err
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("streamd listening",
			slog.String("addr", listener.Addr().String()),
			slog.String("network", cfg.NetworkName),
			slog.Int("maxConnections", cfg.MaxConnections))
		errs <- httpServer.Serve(listener)
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}
