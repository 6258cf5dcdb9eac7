package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamchain/config"
	"streamchain/core/events"
	"streamchain/integrations/journal"
	"streamchain/integrations/natsbus"
	"streamchain/integrations/webhooks"
)

// sinks holds the optional downstream event consumers configured for the node.
type sinks struct {
	emitters []events.Emitter
	closers  []func()
}

func (s *sinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sinks, error) {
	out := &sinks{}
	fail := func(err error) (*sinks, error) {
		out.Close()
		return nil, err
	}

	if dsn := strings.TrimSpace(cfg.Journal.DSN); dsn != "" {
		db, err := journal.Open(dsn)
		if err != nil {
			return fail(err)
		}
		j, err := journal.New(db, logger.With(slog.String("component", "journal")))
		if err != nil {
			return fail(err)
		}
		if sqlDB, err := db.DB(); err == nil {
			out.closers = append(out.closers, func() { _ = sqlDB.Close() })
		}
		seq, _ := j.Head()
		logger.Info("event journal enabled", slog.Uint64("head", seq))
		out.emitters = append(out.emitters, j)
	}

	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pub, err := natsbus.Connect(connectCtx, natsbus.Config{
			URL:     url,
			Subject: cfg.NATS.Subject,
			Stream:  cfg.NATS.Stream,
			Name:    "streamd",
		}, natsbus.WithLogger(logger.With(slog.String("component", "natsbus"))))
		cancel()
		if err != nil {
			return fail(fmt.Errorf("nats: %w", err))
		}
		out.closers = append(out.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pub.Close(closeCtx)
		})
		out.emitters = append(out.emitters, pub)
	}

	if endpoint := strings.TrimSpace(cfg.Webhook.URL); endpoint != "" {
		opts := []webhooks.Option{
			webhooks.WithEventTypes(cfg.Webhook.EventTypes...),
			webhooks.WithLogger(logger.With(slog.String("component", "webhooks"))),
		}
		if path := strings.TrimSpace(cfg.Webhook.OutboxPath); path != "" {
			outbox, err := webhooks.OpenOutbox(path, nil)
			if err != nil {
				return fail(fmt.Errorf("webhook outbox: %w", err))
			}
			out.closers = append(out.closers, func() { _ = outbox.Close() })
			opts = append(opts, webhooks.WithOutbox(outbox))
		}
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.WebhookSecret()), opts...)
		if err != nil {
			return fail(err)
		}
		out.closers = append(out.closers, dispatcher.Close)
		out.emitters = append(out.emitters, dispatcher)
	}
	return out, nil
}
