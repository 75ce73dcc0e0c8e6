package config

import "time"

// BatchMode selects the batch transport
type BatchMode string

const (
	BatchModeAuto      BatchMode = "auto"
	BatchModeMulticall BatchMode = "multicall"
	BatchModeNative    BatchMode = "native"
)

// Config represents the main configuration structure
type Config struct {
	Host                      string         `json:"host" yaml:"host"`
	Port                      int            `json:"port" yaml:"port" validate:"min=1,max=65535"`
	LogLevel                  string         `json:"logLevel" yaml:"logLevel" validate:"oneof=debug info warn error"`
	RPCURL                    string         `json:"rpcUrl" yaml:"rpcUrl" validate:"required,url"`
	WSURL                     string         `json:"wsUrl" yaml:"wsUrl" validate:"omitempty,url"`
	ChainID                   uint64         `json:"chainId" yaml:"chainId"`
	RequestTimeout            int            `json:"requestTimeout" yaml:"requestTimeout" validate:"gte=0"` // ms
	RetryMaxAttempts          int            `json:"retryMaxAttempts" yaml:"retryMaxAttempts" validate:"gte=0"`
	RetryBaseDelay            int            `json:"retryBaseDelay" yaml:"retryBaseDelay" validate:"gte=0"` // ms
	RetryMaxDelay             int            `json:"retryMaxDelay" yaml:"retryMaxDelay" validate:"gte=0"`   // ms
	RateLimitBackoffFactor    float64        `json:"rateLimitBackoffFactor" yaml:"rateLimitBackoffFactor" validate:"gte=0"`
	MaxRequestsPerSecond      float64        `json:"maxRequestsPerSecond" yaml:"maxRequestsPerSecond" validate:"gte=0"`           // 0 disables client-side limiting
	UpstreamMessageTimeout    int            `json:"upstreamMessageTimeout" yaml:"upstreamMessageTimeout" validate:"gte=0"`       // ms - streaming read deadline
	UpstreamReconnectInterval int            `json:"upstreamReconnectInterval" yaml:"upstreamReconnectInterval" validate:"gte=0"` // ms
	Health                    HealthConfig   `json:"health" yaml:"health"`
	Cache                     CacheConfig    `json:"cache" yaml:"cache"`
	Batch                     BatchConfig    `json:"batch" yaml:"batch"`
	Adapters                  AdaptersConfig `json:"adapters" yaml:"adapters"`
}

// HealthConfig holds the endpoint health thresholds
type HealthConfig struct {
	DegradedThreshold int `json:"degradedThreshold" yaml:"degradedThreshold" validate:"gte=0"`
	DownThreshold     int `json:"downThreshold" yaml:"downThreshold" validate:"gte=0"`
	RecoveryTimeout   int `json:"recoveryTimeout" yaml:"recoveryTimeout" validate:"gte=0"` // ms
}

// CacheConfig represents the generic result cache configuration
type CacheConfig struct {
	Size           int `json:"size" yaml:"size" validate:"gte=0"`                     // number of entries
	BlockNumberTTL int `json:"blockNumberTtl" yaml:"blockNumberTtl" validate:"gte=0"` // ms
}

// BatchConfig represents batch aggregator configuration
type BatchConfig struct {
	Mode                BatchMode `json:"mode" yaml:"mode"`
	MulticallAddress    string    `json:"multicallAddress" yaml:"multicallAddress" validate:"omitempty,eth_addr"`
	MaxSize             int       `json:"maxSize" yaml:"maxSize" validate:"gte=0"`
	FallbackConcurrency int       `json:"fallbackConcurrency" yaml:"fallbackConcurrency" validate:"gte=0"`
}

// AdaptersConfig holds consumer cache policy
type AdaptersConfig struct {
	BalanceTTL     int      `json:"balanceTtl" yaml:"balanceTtl" validate:"gte=0"`     // ms
	PoolListTTL    int      `json:"poolListTtl" yaml:"poolListTtl" validate:"gte=0"`   // ms
	ReservesTTL    int      `json:"reservesTtl" yaml:"reservesTtl" validate:"gte=0"`   // ms
	AnalyticsTTL   int      `json:"analyticsTtl" yaml:"analyticsTtl" validate:"gte=0"` // ms
	PortfolioTTL   int      `json:"portfolioTtl" yaml:"portfolioTtl" validate:"gte=0"` // ms
	SettleDelay    int      `json:"settleDelay" yaml:"settleDelay" validate:"gte=0"`   // ms
	FactoryAddress string   `json:"factoryAddress" yaml:"factoryAddress" validate:"omitempty,eth_addr"`
	Tokens         []string `json:"tokens" yaml:"tokens" validate:"dive,eth_addr"`
	MaxPools       int      `json:"maxPools" yaml:"maxPools" validate:"gte=0"`
}

// Default values
const (
	DefaultHost                      = "localhost"
	DefaultPort                      = 8080
	DefaultLogLevel                  = "info"
	DefaultRequestTimeout            = 15000 // ms
	DefaultRetryMaxAttempts          = 3
	DefaultRetryBaseDelay            = 500  // ms
	DefaultRetryMaxDelay             = 8000 // ms
	DefaultRateLimitBackoffFactor    = 2.0
	DefaultUpstreamMessageTimeout    = 60000 // ms
	DefaultUpstreamReconnectInterval = 5000  // ms
	DefaultDegradedThreshold         = 2
	DefaultDownThreshold             = 5
	DefaultRecoveryTimeout           = 30000 // ms
	DefaultCacheSize                 = 10000
	DefaultBlockNumberTTL            = 4000 // ms
	DefaultBatchMode                 = BatchModeAuto
	DefaultBatchMaxSize              = 100
	DefaultFallbackConcurrency       = 8
	DefaultBalanceTTL                = 30000  // ms
	DefaultPoolListTTL               = 45000  // ms
	DefaultReservesTTL               = 30000  // ms
	DefaultAnalyticsTTL              = 45000  // ms
	DefaultPortfolioTTL              = 120000 // ms
	DefaultSettleDelay               = 2000   // ms
	DefaultMaxPools                  = 50
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return ms(c.RequestTimeout)
}

// GetRetryBaseDelayDuration returns the first backoff step as time.Duration
func (c *Config) GetRetryBaseDelayDuration() time.Duration {
	return ms(c.RetryBaseDelay)
}

// GetRetryMaxDelayDuration returns the backoff cap as time.Duration
func (c *Config) GetRetryMaxDelayDuration() time.Duration {
	return ms(c.RetryMaxDelay)
}

// GetUpstreamMessageTimeoutDuration returns upstream message timeout as time.Duration
func (c *Config) GetUpstreamMessageTimeoutDuration() time.Duration {
	return ms(c.UpstreamMessageTimeout)
}

// GetUpstreamReconnectIntervalDuration returns upstream reconnect interval as time.Duration
func (c *Config) GetUpstreamReconnectIntervalDuration() time.Duration {
	return ms(c.UpstreamReconnectInterval)
}

// HasStreaming returns true if a WebSocket endpoint is configured
func (c *Config) HasStreaming() bool {
	return c.WSURL != ""
}

// GetRecoveryTimeoutDuration returns the down-state recovery window
func (h *HealthConfig) GetRecoveryTimeoutDuration() time.Duration {
	return ms(h.RecoveryTimeout)
}

// GetBlockNumberTTLDuration returns the block number TTL
func (c *CacheConfig) GetBlockNumberTTLDuration() time.Duration {
	return ms(c.BlockNumberTTL)
}

func (a *AdaptersConfig) GetBalanceTTLDuration() time.Duration   { return ms(a.BalanceTTL) }
func (a *AdaptersConfig) GetPoolListTTLDuration() time.Duration  { return ms(a.PoolListTTL) }
func (a *AdaptersConfig) GetReservesTTLDuration() time.Duration  { return ms(a.ReservesTTL) }
func (a *AdaptersConfig) GetAnalyticsTTLDuration() time.Duration { return ms(a.AnalyticsTTL) }
func (a *AdaptersConfig) GetPortfolioTTLDuration() time.Duration { return ms(a.PortfolioTTL) }
func (a *AdaptersConfig) GetSettleDelayDuration() time.Duration  { return ms(a.SettleDelay) }
