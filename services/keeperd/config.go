package keeperd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"streamchain/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for keeperd.
type Config struct {
	ListenAddress  string     `yaml:"listen"`
	Endpoint       string     `yaml:"endpoint"`
	KeeperAddress  string     `yaml:"keeper_address"`
	PauseOnStart   bool       `yaml:"pause"`
	PollInterval   Duration   `yaml:"poll_interval"`
	TicksPerSecond float64    `yaml:"ticks_per_second"`
	Burst          int        `yaml:"burst"`
	BatchSize      int        `yaml:"batch_size"`
	AttemptLog     string     `yaml:"attempt_log"`
	Token          AuthConfig `yaml:"token"`
}

// AuthConfig describes how keeper bearer tokens are minted.
type AuthConfig struct {
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	TTL       Duration `yaml:"ttl"`
}

// ResolveSecret prefers the environment variable named by SecretEnv.
func (a AuthConfig) ResolveSecret() string {
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.Secret)
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:8080"
	}
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = 10 * time.Second
	}
	if cfg.TicksPerSecond <= 0 {
		cfg.TicksPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.AttemptLog == "" {
		cfg.AttemptLog = "keeperd.db"
	}
	if cfg.Token.Issuer == "" {
		cfg.Token.Issuer = "streamchain"
	}
	if cfg.Token.Audience == "" {
		cfg.Token.Audience = "streamd"
	}
	if cfg.Token.TTL.Duration <= 0 {
		cfg.Token.TTL.Duration = 15 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	if _, err := crypto.ParseAddress(cfg.KeeperAddress); err != nil {
		return fmt.Errorf("keeper_address: %w", err)
	}
	if cfg.Token.ResolveSecret() == "" {
		return fmt.Errorf("token: secret or secret_env required")
	}
	if cfg.Token.TTL.Duration < time.Minute {
		return fmt.Errorf("token: ttl must be at least 1m")
	}
	if cfg.BatchSize > 1000 {
		return fmt.Errorf("batch_size must not exceed 1000")
	}
	return nil
}
