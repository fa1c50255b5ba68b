package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainsJSON = `[
	{"name":"canopy","display_name":"Canopy Mainnet","registry_url":"https://registry.example/mainnet.json","base_prefix":"/canopy","archive_prefix":"/canopy/archive"},
	{"name":"canary","display_name":"Canopy Testnet","registry_url":"https://registry.example/testnet.json","base_prefix":"/canary","archive_prefix":"/canary/archive"}
]`

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHAINS", chainsJSON)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.RegistryUpdateInterval)
	assert.Equal(t, int64(50), cfg.SyncThresholdBlocks)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.HealthCheckTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, float64(0), cfg.EndpointRPS)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "canopy", cfg.Chains[0].Name)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAINS", chainsJSON)
	t.Setenv("PORT", "8080")
	t.Setenv("HEALTH_CHECK_INTERVAL_MS", "5000")
	t.Setenv("SYNC_THRESHOLD_BLOCKS", "10")
	t.Setenv("RETRY_ATTEMPTS", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, int64(10), cfg.SyncThresholdBlocks)
	assert.Equal(t, 5, cfg.RetryAttempts)
}

// TestLoad_RegistryIntervalFloor: the poll interval cannot go below a
// minute, whatever the env says.
func TestLoad_RegistryIntervalFloor(t *testing.T) {
	t.Setenv("CHAINS", chainsJSON)
	t.Setenv("REGISTRY_UPDATE_INTERVAL_MS", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, MinRegistryUpdateInterval, cfg.RegistryUpdateInterval)
}

func TestLoad_ChainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.json")
	require.NoError(t, os.WriteFile(path, []byte(chainsJSON), 0o600))
	t.Setenv("CHAINS", "")
	t.Setenv("CHAINS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Chains, 2)
}

func TestLoad_MalformedChains(t *testing.T) {
	t.Setenv("CHAINS", `{"not":"an array"}`)
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := ChainConfig{
		Name:          "canopy",
		RegistryURL:   "https://registry.example/mainnet.json",
		BasePrefix:    "/canopy",
		ArchivePrefix: "/canopy/archive",
	}

	tests := []struct {
		name    string
		mutate  func(*ChainConfig)
		chains  []ChainConfig
		wantErr string
	}{
		{name: "no chains", chains: nil, wantErr: "no chains configured"},
		{name: "empty name", mutate: func(c *ChainConfig) { c.Name = "" }, wantErr: "empty name"},
		{name: "missing registry", mutate: func(c *ChainConfig) { c.RegistryURL = "" }, wantErr: "registry_url"},
		{name: "bad base prefix", mutate: func(c *ChainConfig) { c.BasePrefix = "canopy" }, wantErr: "base_prefix"},
		{name: "bad archive prefix", mutate: func(c *ChainConfig) { c.ArchivePrefix = "" }, wantErr: "archive_prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chains := tt.chains
			if tt.mutate != nil {
				cc := base
				tt.mutate(&cc)
				chains = []ChainConfig{cc}
			}
			cfg := &Config{Chains: chains}
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("duplicate names", func(t *testing.T) {
		cfg := &Config{Chains: []ChainConfig{base, base}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("valid", func(t *testing.T) {
		cfg := &Config{Chains: []ChainConfig{base}}
		assert.NoError(t, cfg.Validate())
	})
}
