package config

import (
	"fmt"
	"strings"
)

// MaxTimestampSkewSeconds caps how far signed request clocks may drift.
var MaxTimestampSkewSeconds = int64(3600)

// Validate enforces the bounds that Load cannot default away.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, err := cfg.StreamParams(); err != nil {
		return err
	}
	if cfg.Auth.TimestampSkewSeconds <= 0 || cfg.Auth.TimestampSkewSeconds > MaxTimestampSkewSeconds {
		return fmt.Errorf("auth: TimestampSkewSeconds must be within (0, %d]", MaxTimestampSkewSeconds)
	}
	if cfg.Auth.NonceTTLSeconds < cfg.Auth.TimestampSkewSeconds {
		return fmt.Errorf("auth: NonceTTLSeconds must cover the timestamp skew window")
	}
	if cfg.Auth.NonceCapacity <= 0 {
		return fmt.Errorf("auth: NonceCapacity must be positive")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("MaxConnections must be non-negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0, 1]")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: values must be non-negative")
	}
	if cfg.NATS.URL != "" && strings.TrimSpace(cfg.NATS.Subject) == "" {
		return fmt.Errorf("nats: Subject required when URL is set")
	}
	if strings.TrimSpace(cfg.Webhook.URL) != "" && cfg.WebhookSecret() == "" {
		return fmt.Errorf("webhook: Secret or SecretEnv required when URL is set")
	}
	if _, err := cfg.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}
