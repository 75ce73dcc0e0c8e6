package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "CHAINREADER_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(cfg)
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment.
// Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// FromEnv builds a configuration purely from CHAINREADER_* variables
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

// WithDefaults fills every unset field of cfg with its default and validates the result.
// Environment overrides are not applied.
func WithDefaults(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := check(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	applyDefaults(cfg)

	if err := check(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with CHAINREADER_* variables
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"HOST":              &cfg.Host,
		"LOG_LEVEL":         &cfg.LogLevel,
		"RPC_URL":           &cfg.RPCURL,
		"WS_URL":            &cfg.WSURL,
		"BATCH_MODE":        (*string)(&cfg.Batch.Mode),
		"MULTICALL_ADDRESS": &cfg.Batch.MulticallAddress,
		"FACTORY_ADDRESS":   &cfg.Adapters.FactoryAddress,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":               &cfg.Port,
		"REQUEST_TIMEOUT":    &cfg.RequestTimeout,
		"RETRY_MAX_ATTEMPTS": &cfg.RetryMaxAttempts,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "CHAIN_ID"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", EnvPrefix, err)
		}
		cfg.ChainID = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "TOKENS"); ok {
		cfg.Adapters.Tokens = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Adapters.Tokens = append(cfg.Adapters.Tokens, t)
			}
		}
	}

	return nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.RateLimitBackoffFactor == 0 {
		cfg.RateLimitBackoffFactor = DefaultRateLimitBackoffFactor
	}
	if cfg.UpstreamMessageTimeout == 0 {
		cfg.UpstreamMessageTimeout = DefaultUpstreamMessageTimeout
	}
	if cfg.UpstreamReconnectInterval == 0 {
		cfg.UpstreamReconnectInterval = DefaultUpstreamReconnectInterval
	}

	if cfg.Health.DegradedThreshold == 0 {
		cfg.Health.DegradedThreshold = DefaultDegradedThreshold
	}
	if cfg.Health.DownThreshold == 0 {
		cfg.Health.DownThreshold = DefaultDownThreshold
	}
	if cfg.Health.RecoveryTimeout == 0 {
		cfg.Health.RecoveryTimeout = DefaultRecoveryTimeout
	}

	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}
	if cfg.Cache.BlockNumberTTL == 0 {
		cfg.Cache.BlockNumberTTL = DefaultBlockNumberTTL
	}

	if cfg.Batch.Mode == "" {
		cfg.Batch.Mode = DefaultBatchMode
	}
	if cfg.Batch.MaxSize == 0 {
		cfg.Batch.MaxSize = DefaultBatchMaxSize
	}
	if cfg.Batch.FallbackConcurrency == 0 {
		cfg.Batch.FallbackConcurrency = DefaultFallbackConcurrency
	}

	a := &cfg.Adapters
	if a.BalanceTTL == 0 {
		a.BalanceTTL = DefaultBalanceTTL
	}
	if a.PoolListTTL == 0 {
		a.PoolListTTL = DefaultPoolListTTL
	}
	if a.ReservesTTL == 0 {
		a.ReservesTTL = DefaultReservesTTL
	}
	if a.AnalyticsTTL == 0 {
		a.AnalyticsTTL = DefaultAnalyticsTTL
	}
	if a.PortfolioTTL == 0 {
		a.PortfolioTTL = DefaultPortfolioTTL
	}
	if a.SettleDelay == 0 {
		a.SettleDelay = DefaultSettleDelay
	}
	if a.MaxPools == 0 {
		a.MaxPools = DefaultMaxPools
	}
}

// check runs tag validation and then the cross-field rules
func check(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed '%s' validation", fe.Namespace(), fe.Tag())
		}
		return err
	}

	switch cfg.Batch.Mode {
	case BatchModeAuto, BatchModeNative:
	case BatchModeMulticall:
		if cfg.Batch.MulticallAddress == "" {
			return errors.New("batch.multicallAddress is required when batch.mode is 'multicall'")
		}
	default:
		return fmt.Errorf("batch.mode must be one of: auto, multicall, native")
	}

	if cfg.Health.DownThreshold < cfg.Health.DegradedThreshold {
		return fmt.Errorf("health.downThreshold (%d) must not be lower than health.degradedThreshold (%d)",
			cfg.Health.DownThreshold, cfg.Health.DegradedThreshold)
	}

	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("retryMaxDelay must not be lower than retryBaseDelay")
	}

	return nil
}
