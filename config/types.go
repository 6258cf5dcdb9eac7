package config

// Stream captures the policy bounds enforced by the stream engine and the
// collaborator addresses allowed to link tasks and resolve disputes.
type Stream struct {
	MinDurationSeconds    int64  `toml:"MinDurationSeconds"`
	MaxDurationSeconds    int64  `toml:"MaxDurationSeconds"`
	MaxGracePeriodSeconds int64  `toml:"MaxGracePeriodSeconds"`
	TaskMarket            string `toml:"TaskMarket"`
	DisputeAuthority      string `toml:"DisputeAuthority"`
}

// Auth configures signed-request replay protection and keeper bearer tokens.
type Auth struct {
	TimestampSkewSeconds int64  `toml:"TimestampSkewSeconds"`
	NonceTTLSeconds      int64  `toml:"NonceTTLSeconds"`
	NonceCapacity        int    `toml:"NonceCapacity"`
	KeeperJWTSecret      string `toml:"KeeperJWTSecret"`
	KeeperJWTSecretEnv   string `toml:"KeeperJWTSecretEnv"`
	KeeperJWTIssuer      string `toml:"KeeperJWTIssuer"`
	KeeperJWTAudience    string `toml:"KeeperJWTAudience"`
}

// RateLimit bounds request throughput per caller identity.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Journal selects the SQL event journal. An empty DSN disables it; DSNs
// starting with postgres:// use Postgres, anything else is a sqlite path.
type Journal struct {
	DSN string `toml:"DSN"`
}

// NATS configures the optional event bus publisher.
type NATS struct {
	URL     string `toml:"URL"`
	Subject string `toml:"Subject"`
	Stream  string `toml:"Stream"`
}

// Webhook configures signed event deliveries to an external endpoint. An
// empty URL disables it. EventTypes narrows the delivered events and
// OutboxPath, when set, keeps undelivered events across restarts.
type Webhook struct {
	URL        string   `toml:"URL"`
	Secret     string   `toml:"Secret"`
	SecretEnv  string   `toml:"SecretEnv"`
	EventTypes []string `toml:"EventTypes"`
	OutboxPath string   `toml:"OutboxPath"`
}

// Telemetry wires the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`

	// SampleRatio is the fraction of root traces kept; zero keeps all.
	SampleRatio float64 `toml:"SampleRatio"`
}

// Logging mirrors logging.Options.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// GenesisAllocation seeds a balance on first start.
type GenesisAllocation struct {
	Address string `toml:"Address"`
	Balance uint64 `toml:"Balance"`
}
