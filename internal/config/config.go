// Package config provides configuration loading for the dalcore daemon.
// Sources, in priority order: environment variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address for the HTTP API (default ":8470").
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the audit ledger database (default "/var/lib/dalcore").
	DataDir string `yaml:"data_dir"`
	// StoreRoot is the root of the per-project configuration store
	// (default "<data_dir>/store").
	StoreRoot string `yaml:"store_root"`

	// GovernanceNodes are tried in order, round-robin on transient failure.
	GovernanceNodes []string `yaml:"governance_nodes"`
	// ObjectStoreGateways: the first is used for writes, all are probed when
	// verifying reachability of a published bundle.
	ObjectStoreGateways []string `yaml:"object_store_gateways"`
	// MLServiceURL is the local ML execution service endpoint.
	MLServiceURL string `yaml:"ml_service_url"`
	// MLOutputsDir is where voting-result artifacts are written for the ML
	// service to pick up (default "<data_dir>/ml-outputs").
	MLOutputsDir string `yaml:"ml_outputs_dir"`

	// Timeouts per iteration phase.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Identity is the on-chain identity governance writes are signed as.
	Identity string `yaml:"identity"`
	// SigningKeyPath points at the hex-encoded transaction signing key
	// (default "<data_dir>/signing.key").
	SigningKeyPath string `yaml:"signing_key_path"`

	// VotingContract and StorageContract are linked as auxiliary contracts
	// on active-learning deploys when set.
	VotingContract  string `yaml:"voting_contract,omitempty"`
	StorageContract string `yaml:"storage_contract,omitempty"`

	// ExportSweep is the cron spec for the voting-export sweeper
	// (default "@every 5m"; empty disables the sweeper).
	ExportSweep string `yaml:"export_sweep"`

	// EventBufferSize is the per-subscriber event queue depth (default 1024).
	EventBufferSize int `yaml:"event_buffer_size"`

	// AuthEnabled requires a bearer token on mutating API calls.
	AuthEnabled bool `yaml:"auth_enabled"`
	// TokensPath is the API token file (default "<data_dir>/tokens.json").
	TokensPath string `yaml:"tokens_path"`

	// OTLPEndpoint enables tracing when set (host:port, gRPC).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// LogLevel (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Duration wraps time.Duration so YAML configs can use "30s", "2h" strings.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TimeoutConfig carries the per-phase budgets of the iteration engine.
type TimeoutConfig struct {
	Training Duration `yaml:"training"`
	Querying Duration `yaml:"querying"`
	// Voting is the default batch timeout; the per-project quorum settings
	// may override it at deploy time.
	Voting Duration `yaml:"voting"`
	Deploy Duration `yaml:"deploy"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:          ":8470",
		DataDir:             "/var/lib/dalcore",
		GovernanceNodes:     []string{"http://127.0.0.1:8545"},
		ObjectStoreGateways: []string{"http://127.0.0.1:5001"},
		MLServiceURL:        "http://127.0.0.1:5110",
		Timeouts: TimeoutConfig{
			Training: Duration(30 * time.Minute),
			Querying: Duration(60 * time.Second),
			Voting:   Duration(2 * time.Hour),
			Deploy:   Duration(10 * time.Minute),
		},
		Identity:        "dalcore",
		ExportSweep:     "@every 5m",
		EventBufferSize: 1024,
		LogLevel:        "info",
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DALCORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DALCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DALCORE_STORE_ROOT"); v != "" {
		cfg.StoreRoot = v
	}
	if v := os.Getenv("DALCORE_GOVERNANCE_NODES"); v != "" {
		cfg.GovernanceNodes = splitList(v)
	}
	if v := os.Getenv("DALCORE_OBJECT_STORE_GATEWAYS"); v != "" {
		cfg.ObjectStoreGateways = splitList(v)
	}
	if v := os.Getenv("DALCORE_ML_SERVICE_URL"); v != "" {
		cfg.MLServiceURL = v
	}
	if v := os.Getenv("DALCORE_ML_OUTPUTS_DIR"); v != "" {
		cfg.MLOutputsDir = v
	}
	if v := os.Getenv("DALCORE_IDENTITY"); v != "" {
		cfg.Identity = v
	}
	if v := os.Getenv("DALCORE_SIGNING_KEY"); v != "" {
		cfg.SigningKeyPath = v
	}
	if v := os.Getenv("DALCORE_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DALCORE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("DALCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DALCORE_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventBufferSize = n
		}
	}
	if v := os.Getenv("DALCORE_VOTING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Timeouts.Voting = Duration(d)
		}
	}
}

func (c *Config) applyDerived() {
	if c.StoreRoot == "" {
		c.StoreRoot = filepath.Join(c.DataDir, "store")
	}
	if c.MLOutputsDir == "" {
		c.MLOutputsDir = filepath.Join(c.DataDir, "ml-outputs")
	}
	if c.SigningKeyPath == "" {
		c.SigningKeyPath = filepath.Join(c.DataDir, "signing.key")
	}
	if c.TokensPath == "" {
		c.TokensPath = filepath.Join(c.DataDir, "tokens.json")
	}
}

// Validate checks the loaded configuration for structural problems.
func (c Config) Validate() error {
	if len(c.GovernanceNodes) == 0 {
		return fmt.Errorf("config: at least one governance node is required")
	}
	if len(c.ObjectStoreGateways) == 0 {
		return fmt.Errorf("config: at least one object-store gateway is required")
	}
	if c.MLServiceURL == "" {
		return fmt.Errorf("config: ml_service_url is required")
	}
	for _, d := range []Duration{c.Timeouts.Training, c.Timeouts.Querying, c.Timeouts.Voting, c.Timeouts.Deploy} {
		if d <= 0 {
			return fmt.Errorf("config: all phase timeouts must be positive")
		}
	}
	return nil
}

// Save writes configuration to a YAML file with restrictive permissions.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
