package types

import (
	"time"
)

// RetryConfig bounds the exponential backoff used to recover gateway proxies.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval" json:"initialInterval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"maxInterval" json:"maxInterval" validate:"gtefield=InitialInterval"`
	MaxAttempts     int           `yaml:"maxAttempts" json:"maxAttempts" validate:"gte=1"`
}

// Config contains global configuration for the payment core
type Config struct {
	ChainID int64 `yaml:"chainId" json:"chainId"`

	// HypertokenAddress is the token stakes are posted in.
	HypertokenAddress EthereumAddress `yaml:"hypertokenAddress" json:"hypertokenAddress" validate:"required,eth_addr"`

	// DefaultPaymentExpiryLength is how long an insurance transfer stays open.
	DefaultPaymentExpiryLength time.Duration `yaml:"defaultPaymentExpiryLength" json:"defaultPaymentExpiryLength" validate:"gt=0"`

	Definitions TransferDefinitions `yaml:"definitions" json:"definitions"`

	GatewayRetry RetryConfig `yaml:"gatewayRetry" json:"gatewayRetry"`

	RequestTimeout   time.Duration `yaml:"requestTimeout" json:"requestTimeout" validate:"gt=0"`
	StakeConcurrency int           `yaml:"stakeConcurrency" json:"stakeConcurrency" validate:"gte=1"`
	EventBufferSize  int           `yaml:"eventBufferSize" json:"eventBufferSize" validate:"gte=0"`
	DatabasePath     string        `yaml:"databasePath" json:"databasePath,omitempty"`
	LogLevel         string        `yaml:"logLevel" json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics    bool          `yaml:"enableMetrics" json:"enableMetrics,omitempty"`
	Extra            ExtraData     `yaml:"extra" json:"extra,omitempty"`
}

// DefaultConfig returns a configuration with every optional field filled in.
// Token and definition addresses still have to be supplied.
func DefaultConfig() *Config {
	return &Config{
		DefaultPaymentExpiryLength: 5 * time.Minute,
		GatewayRetry: RetryConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			MaxAttempts:     5,
		},
		RequestTimeout:   30 * time.Second,
		StakeConcurrency: 4,
		EventBufferSize:  16,
		LogLevel:         "info",
	}
}
