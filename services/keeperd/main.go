package keeperd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"streamchain/observability/logging"
	telemetry "streamchain/observability/otel"
	"streamchain/rpc"
	"streamchain/sdk/streams"
)

// Main initialises and runs the tick keeper daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/keeperd/config.yaml", "path to keeperd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STREAM_ENV"))
	logger := logging.Setup("keeperd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "keeperd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := NewAttemptStore(cfg.AttemptLog)
	if err != nil {
		return fmt.Errorf("open attempt log: %w", err)
	}
	defer store.Close()

	api := &tokenClient{endpoint: cfg.Endpoint, subject: cfg.KeeperAddress, auth: cfg.Token, now: time.Now, logger: logger}
	processor := NewProcessor(api,
		WithStore(store),
		WithRateLimit(cfg.TicksPerSecond, cfg.Burst),
		WithBatchSize(cfg.BatchSize),
		WithLogger(logger),
	)
	if cfg.PauseOnStart {
		processor.Pause()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewAdminServer(processor),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("keeperd admin listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- processor.Run(stopCtx, cfg.PollInterval.Duration)
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			stop()
			_ = httpServer.Close()
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}

// tokenClient re-mints the keeper bearer token shortly before it expires.
type tokenClient struct {
	endpoint string
	subject  string
	auth     AuthConfig
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	client  *streams.Client
	expires time.Time
}

func (c *tokenClient) current() (*streams.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.client != nil && now.Before(c.expires.Add(-time.Minute)) {
		return c.client, nil
	}
	token, err := streams.MintKeeperToken(c.auth.ResolveSecret(), streams.KeeperClaims{
		Subject:  c.subject,
		Issuer:   c.auth.Issuer,
		Audience: c.auth.Audience,
		TTL:      c.auth.TTL.Duration,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	client, err := streams.New(c.endpoint, streams.WithKeeperToken(token))
	if err != nil {
		return nil, err
	}
	c.client = client
	c.expires = now.Add(c.auth.TTL.Duration)
	if c.logger != nil {
		c.logger.Info("keeper token minted",
			slog.String("token", logging.MaskToken(token)),
			slog.Time("expires", c.expires))
	}
	return client, nil
}

func (c *tokenClient) ListActive(ctx context.Context, after string, limit int) ([]rpc.StreamView, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.ListActive(ctx, after, limit)
}

func (c *tokenClient) Tick(ctx context.Context, id string) (*rpc.StreamView, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return client.Tick(ctx, id)
}
