package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsCanonicalKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "streamd", "test", slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("stream ticked", slog.String("stream", "abc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "stream ticked", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "streamd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
}

func TestSetupWithFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamd.log")
	logger := SetupWithOptions("streamd", "", Options{File: path, Level: "warn"})
	logger.Info("dropped")
	logger.Warn("kept")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "kept")
	require.NotContains(t, string(data), "dropped")
}

func TestMasking(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signature", "0xdeadbeef").Value.String())
	require.Equal(t, "abc", MaskField("stream", "abc").Value.String())
	require.Equal(t, "", MaskToken(" "))
	require.Equal(t, RedactedValue, MaskToken("short"))
	require.Contains(t, MaskToken("eyJhbGciOiJIUzI1NiJ9.payload"), "eyJhbG")
	require.Contains(t, RedactionAllowlist(), "caller")
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
