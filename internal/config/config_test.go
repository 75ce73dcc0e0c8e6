package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_JSONDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"rpcUrl": "http://127.0.0.1:8545"}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.GetRequestTimeoutDuration())
	assert.Equal(t, DefaultRetryMaxAttempts, cfg.RetryMaxAttempts)
	assert.Equal(t, BatchModeAuto, cfg.Batch.Mode)
	assert.Equal(t, 30*time.Second, cfg.Adapters.GetBalanceTTLDuration())
	assert.Equal(t, 45*time.Second, cfg.Adapters.GetPoolListTTLDuration())
	assert.Equal(t, 45*time.Second, cfg.Adapters.GetAnalyticsTTLDuration())
	assert.Equal(t, 120*time.Second, cfg.Adapters.GetPortfolioTTLDuration())
	assert.Equal(t, DefaultDegradedThreshold, cfg.Health.DegradedThreshold)
	assert.Equal(t, DefaultDownThreshold, cfg.Health.DownThreshold)
	assert.False(t, cfg.HasStreaming())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
rpcUrl: http://127.0.0.1:8545
wsUrl: ws://127.0.0.1:8546
logLevel: debug
batch:
  mode: multicall
  multicallAddress: "0xcA11bde05977b3631167028862bE2a173976CA11"
  maxSize: 20
adapters:
  balanceTtl: 10000
  tokens:
    - "0x1111111111111111111111111111111111111111"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.HasStreaming())
	assert.Equal(t, BatchModeMulticall, cfg.Batch.Mode)
	assert.Equal(t, 20, cfg.Batch.MaxSize)
	assert.Equal(t, 10*time.Second, cfg.Adapters.GetBalanceTTLDuration())
	assert.Len(t, cfg.Adapters.Tokens, 1)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing rpc url", `{}`},
		{"bad log level", `{"rpcUrl": "http://x:1", "logLevel": "trace"}`},
		{"multicall without address", `{"rpcUrl": "http://x:1", "batch": {"mode": "multicall"}}`},
		{"unknown batch mode", `{"rpcUrl": "http://x:1", "batch": {"mode": "magic"}}`},
		{"bad token", `{"rpcUrl": "http://x:1", "adapters": {"tokens": ["0x12"]}}`},
		{"thresholds inverted", `{"rpcUrl": "http://x:1", "health": {"degradedThreshold": 4, "downThreshold": 3}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.json", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHAINREADER_RPC_URL", "http://override:8545")
	t.Setenv("CHAINREADER_PORT", "9090")
	t.Setenv("CHAINREADER_TOKENS", "0x1111111111111111111111111111111111111111, 0x2222222222222222222222222222222222222222")

	cfg, err := Load(writeFile(t, "config.json", `{"rpcUrl": "http://file:8545"}`))
	require.NoError(t, err)

	assert.Equal(t, "http://override:8545", cfg.RPCURL)
	assert.Equal(t, 9090, cfg.Port)
	assert.Len(t, cfg.Adapters.Tokens, 2)
}

func TestLoad_EnvOverrideNotANumber(t *testing.T) {
	t.Setenv("CHAINREADER_PORT", "eighty")

	_, err := Load(writeFile(t, "config.json", `{"rpcUrl": "http://file:8545"}`))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "CHAINREADER_RPC_URL=http://dotenv:8545\nCHAINREADER_LOG_LEVEL=warn\n")
	t.Cleanup(func() {
		os.Unsetenv("CHAINREADER_RPC_URL")
		os.Unsetenv("CHAINREADER_LOG_LEVEL")
	})

	require.NoError(t, LoadEnvFile(path))

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://dotenv:8545", cfg.RPCURL)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestWithDefaults(t *testing.T) {
	cfg, err := WithDefaults(&Config{RPCURL: "http://127.0.0.1:8545", RetryMaxAttempts: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, DefaultCacheSize, cfg.Cache.Size)
	assert.Equal(t, BatchModeAuto, cfg.Batch.Mode)

	_, err = WithDefaults(&Config{})
	assert.Error(t, err)
}
