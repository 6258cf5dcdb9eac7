package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"streamchain/core/state"
	"streamchain/crypto"
	"streamchain/native/stream"
)

type Config struct {
	ListenAddress        string              `toml:"ListenAddress"`
	MaxConnections       int                 `toml:"MaxConnections"`
	DataDir              string              `toml:"DataDir"`
	NetworkName          string              `toml:"NetworkName"`
	Environment          string              `toml:"Environment"`
	OperatorKeystorePath string              `toml:"OperatorKeystorePath"`
	Stream               Stream              `toml:"Stream"`
	Auth                 Auth                `toml:"Auth"`
	RateLimit            RateLimit           `toml:"RateLimit"`
	Journal              Journal             `toml:"Journal"`
	NATS                 NATS                `toml:"NATS"`
	Webhook              Webhook             `toml:"Webhook"`
	Telemetry            Telemetry           `toml:"Telemetry"`
	Logging              Logging             `toml:"Logging"`
	Genesis              []GenesisAllocation `toml:"Genesis"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration together with a fresh operator
// keystore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./stream-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "streamchain-local"
	}
	if cfg.Stream.MinDurationSeconds == 0 {
		cfg.Stream.MinDurationSeconds = stream.DefaultMinDuration
	}
	if cfg.Stream.MaxDurationSeconds == 0 {
		cfg.Stream.MaxDurationSeconds = stream.DefaultMaxDuration
	}
	if cfg.Stream.MaxGracePeriodSeconds == 0 {
		cfg.Stream.MaxGracePeriodSeconds = stream.DefaultMaxGracePeriod
	}
	if cfg.Auth.TimestampSkewSeconds == 0 {
		cfg.Auth.TimestampSkewSeconds = 120
	}
	if cfg.Auth.NonceTTLSeconds == 0 {
		cfg.Auth.NonceTTLSeconds = 600
	}
	if cfg.Auth.NonceCapacity == 0 {
		cfg.Auth.NonceCapacity = 100_000
	}
	if cfg.Auth.KeeperJWTIssuer == "" {
		cfg.Auth.KeeperJWTIssuer = "streamchain"
	}
	if cfg.Auth.KeeperJWTAudience == "" {
		cfg.Auth.KeeperJWTAudience = "streamd"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "streams.events"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file. The fresh
// operator key doubles as the dispute authority so a local node is usable
// end to end.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		OperatorKeystorePath: keystorePath,
		Genesis:              []GenesisAllocation{},
	}
	applyDefaults(cfg)
	cfg.Stream.DisputeAuthority = key.PubKey().Address().String()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

// StreamParams converts the [Stream] section into engine parameters.
func (c *Config) StreamParams() (stream.Params, error) {
	params := stream.Params{
		MinDuration:    c.Stream.MinDurationSeconds,
		MaxDuration:    c.Stream.MaxDurationSeconds,
		MaxGracePeriod: c.Stream.MaxGracePeriodSeconds,
	}
	var err error
	if params.TaskMarket, err = optionalAddress(c.Stream.TaskMarket); err != nil {
		return params, fmt.Errorf("stream.TaskMarket: %w", err)
	}
	if params.DisputeAuthority, err = optionalAddress(c.Stream.DisputeAuthority); err != nil {
		return params, fmt.Errorf("stream.DisputeAuthority: %w", err)
	}
	return params, params.Validate()
}

// GenesisAllocations decodes the [[Genesis]] entries.
func (c *Config) GenesisAllocations() ([]state.Allocation, error) {
	allocs := make([]state.Allocation, 0, len(c.Genesis))
	for i, entry := range c.Genesis {
		addr, err := crypto.ParseAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		allocs = append(allocs, state.Allocation{Address: addr, Balance: entry.Balance})
	}
	return allocs, nil
}

// KeeperJWTSecret resolves the keeper signing secret, preferring the
// environment variable when configured.
func (c *Config) KeeperJWTSecret() string {
	if env := strings.TrimSpace(c.Auth.KeeperJWTSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.Auth.KeeperJWTSecret)
}

// WebhookSecret resolves the webhook signing secret, preferring the
// environment variable named by SecretEnv.
func (c *Config) WebhookSecret() string {
	if env := strings.TrimSpace(c.Webhook.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(c.Webhook.Secret)
}

func (a Auth) TimestampSkew() time.Duration {
	return time.Duration(a.TimestampSkewSeconds) * time.Second
}

func (a Auth) NonceTTL() time.Duration {
	return time.Duration(a.NonceTTLSeconds) * time.Second
}

func optionalAddress(value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, nil
	}
	return crypto.ParseAddress(value)
}
