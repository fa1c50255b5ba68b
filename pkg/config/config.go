package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/canopy-network/relayx/pkg/utils"
)

// Defaults and floors for the tunable knobs. The registry poll floor exists so
// a misconfigured deployment cannot hammer a community-run registry.
const (
	DefaultPort                   = 3000
	DefaultHealthCheckInterval    = 30 * time.Second
	DefaultRegistryUpdateInterval = 10 * time.Minute
	MinRegistryUpdateInterval     = time.Minute
	DefaultSyncThresholdBlocks    = 50
	DefaultRequestTimeout         = 10 * time.Second
	DefaultHealthCheckTimeout     = 5 * time.Second
	DefaultRegistryTimeout        = 10 * time.Second
	DefaultRetryAttempts          = 3
	DefaultRetryDelay             = time.Second
	DefaultRegistryMaxRetries     = 3
)

// ChainConfig describes a single proxied chain.
type ChainConfig struct {
	Name          string `json:"name"`           // internal key, e.g. "canopy"
	DisplayName   string `json:"display_name"`   // human-readable, e.g. "Canopy Mainnet"
	RegistryURL   string `json:"registry_url"`   // remote JSON array of endpoint descriptors
	BasePrefix    string `json:"base_prefix"`    // e.g. "/canopy"
	ArchivePrefix string `json:"archive_prefix"` // e.g. "/canopy/archive"
}

// Config is the process-wide configuration, resolved once at startup from the
// environment.
type Config struct {
	Port int

	HealthCheckInterval    time.Duration
	RegistryUpdateInterval time.Duration
	SyncThresholdBlocks    int64
	RequestTimeout         time.Duration
	HealthCheckTimeout     time.Duration
	RegistryTimeout        time.Duration
	RetryAttempts          int
	RetryDelay             time.Duration
	RegistryMaxRetries     int

	// EndpointRPS caps outbound requests per endpoint; 0 disables the limiter.
	EndpointRPS float64

	Chains []ChainConfig
}

// Load resolves the configuration from environment variables. The chain set
// comes from CHAINS (inline JSON array) or CHAINS_FILE (path to a JSON file);
// at least one chain is required.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   utils.EnvInt("PORT", DefaultPort),
		HealthCheckInterval:    envMillis("HEALTH_CHECK_INTERVAL_MS", DefaultHealthCheckInterval),
		RegistryUpdateInterval: envMillis("REGISTRY_UPDATE_INTERVAL_MS", DefaultRegistryUpdateInterval),
		SyncThresholdBlocks:    int64(utils.EnvInt("SYNC_THRESHOLD_BLOCKS", DefaultSyncThresholdBlocks)),
		RequestTimeout:         envMillis("REQUEST_TIMEOUT_MS", DefaultRequestTimeout),
		HealthCheckTimeout:     envMillis("HEALTH_CHECK_TIMEOUT_MS", DefaultHealthCheckTimeout),
		RegistryTimeout:        envMillis("REGISTRY_TIMEOUT_MS", DefaultRegistryTimeout),
		RetryAttempts:          utils.EnvInt("RETRY_ATTEMPTS", DefaultRetryAttempts),
		RetryDelay:             envMillis("RETRY_DELAY_MS", DefaultRetryDelay),
		RegistryMaxRetries:     utils.EnvInt("REGISTRY_MAX_RETRIES", DefaultRegistryMaxRetries),
		EndpointRPS:            utils.EnvFloat("ENDPOINT_RPS", 0),
	}

	if cfg.RegistryUpdateInterval < MinRegistryUpdateInterval {
		cfg.RegistryUpdateInterval = MinRegistryUpdateInterval
	}

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	return cfg, nil
}

// Validate checks the chain set for completeness and prefix consistency.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured; set CHAINS or CHAINS_FILE")
	}
	seen := map[string]bool{}
	for _, ch := range c.Chains {
		if ch.Name == "" {
			return fmt.Errorf("chain with empty name")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate chain name %q", ch.Name)
		}
		seen[ch.Name] = true
		if ch.RegistryURL == "" {
			return fmt.Errorf("chain %s: registry_url is required", ch.Name)
		}
		if ch.BasePrefix == "" || ch.BasePrefix[0] != '/' {
			return fmt.Errorf("chain %s: base_prefix must start with /", ch.Name)
		}
		if ch.ArchivePrefix == "" || ch.ArchivePrefix[0] != '/' {
			return fmt.Errorf("chain %s: archive_prefix must start with /", ch.Name)
		}
	}
	return nil
}

func loadChains() ([]ChainConfig, error) {
	raw := utils.Env("CHAINS", "")
	if raw == "" {
		if path := utils.Env("CHAINS_FILE", ""); path != "" {
			bz, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read CHAINS_FILE: %w", err)
			}
			raw = string(bz)
		}
	}
	if raw == "" {
		return nil, nil
	}
	var chains []ChainConfig
	if err := json.Unmarshal([]byte(raw), &chains); err != nil {
		return nil, fmt.Errorf("parse chains config: %w", err)
	}
	return chains, nil
}

func envMillis(key string, def time.Duration) time.Duration {
	ms := utils.EnvInt(key, 0)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
