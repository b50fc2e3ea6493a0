package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testMasterKey  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testContract   = "0x1111111111111111111111111111111111111111"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "PRIVATE_KEY", testPrivateKey)
	setEnv(t, "USAGE_CONTRACT", testContract)
	setEnv(t, "VAULT_MASTER_KEY", testMasterKey)
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultNonceTTL, cfg.NonceTTL)
	assert.Equal(t, DefaultSubmitDelay, cfg.SubmitDelay)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.UpstreamTimeout)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	setRequired(t)
	setEnv(t, "PRIVATE_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setRequired(t)
	setEnv(t, "PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_DurationOverrides(t *testing.T) {
	setRequired(t)
	setEnv(t, "NONCE_TTL", "10s")
	setEnv(t, "SUBMIT_DELAY", "250ms")
	setEnv(t, "UPSTREAM_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.NonceTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.SubmitDelay)
	assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	setRequired(t)
	setEnv(t, "NONCE_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultNonceTTL, cfg.NonceTTL)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		PrivateKey:     testPrivateKey,
		RPCURL:         DefaultRPCURL,
		UsageContract:  testContract,
		VaultMasterKey: testMasterKey,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing private key",
			mutate:  func(c *Config) { c.PrivateKey = "" },
			wantErr: "PRIVATE_KEY is required",
		},
		{
			name:    "private key with 0x prefix accepted",
			mutate:  func(c *Config) { c.PrivateKey = "0x" + testPrivateKey },
			wantErr: "",
		},
		{
			name:    "missing RPC URL",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "missing usage contract",
			mutate:  func(c *Config) { c.UsageContract = "" },
			wantErr: "USAGE_CONTRACT is required",
		},
		{
			name:    "missing vault master key",
			mutate:  func(c *Config) { c.VaultMasterKey = "" },
			wantErr: "VAULT_MASTER_KEY is required",
		},
		{
			name:    "vault master key wrong length",
			mutate:  func(c *Config) { c.VaultMasterKey = "abcd" },
			wantErr: "32 bytes",
		},
		{
			name:    "vault master key not hex",
			mutate:  func(c *Config) { c.VaultMasterKey = "zz" + testMasterKey[2:] },
			wantErr: "32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
