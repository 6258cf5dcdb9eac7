package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"streamchain/config"
	"streamchain/integrations/journal"
	"streamchain/integrations/webhooks"
)

func TestOpenSinksDisabledByDefault(t *testing.T) {
	s, err := openSinks(context.Background(), &config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()
	require.Empty(t, s.emitters)
}

func TestOpenSinksWiresJournalAndWebhook(t *testing.T) {
	cfg := &config.Config{
		Journal: config.Journal{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())},
		Webhook: config.Webhook{URL: "http://127.0.0.1:1/hooks", Secret: "s", OutboxPath: filepath.Join(t.TempDir(), "outbox.db")},
	}
	s, err := openSinks(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.emitters, 2)
	require.IsType(t, &journal.Journal{}, s.emitters[0])
	require.IsType(t, &webhooks.Dispatcher{}, s.emitters[1])
}

func TestOpenSinksRejectsBadNATS(t *testing.T) {
	cfg := &config.Config{NATS: config.NATS{URL: "nats://127.0.0.1:1", Subject: "streams"}}
	_, err := openSinks(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}
