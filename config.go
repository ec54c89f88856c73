package hypernet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// EnvPrefix prefixes every environment override of the configuration.
const EnvPrefix = "HYPERNET_"

// LoadConfig reads the configuration at path (YAML, or JSON for a .json
// file), applies HYPERNET_* environment overrides and validates the result.
// A .env file next to the configuration is loaded first; it never replaces
// variables that are already set.
func LoadConfig(path string) (*types.Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, types.NewError(types.CodeConfig, fmt.Sprintf("failed to load %s", envFile), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.CodeConfig, fmt.Sprintf("failed to read config %s", path), err)
	}

	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	config, err := utils.DecodeConfig(data, unmarshal)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	if err := utils.ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides config with the HYPERNET_* variables that are set.
func ApplyEnv(config *types.Config) error {
	if v, ok := lookupEnv("HYPERTOKEN_ADDRESS"); ok {
		config.HypertokenAddress = types.EthereumAddress(v)
	}
	if v, ok := lookupEnv("MESSAGE_DEFINITION"); ok {
		config.Definitions.Message = types.EthereumAddress(v)
	}
	if v, ok := lookupEnv("INSURANCE_DEFINITION"); ok {
		config.Definitions.Insurance = types.EthereumAddress(v)
	}
	if v, ok := lookupEnv("PARAMETERIZED_DEFINITION"); ok {
		config.Definitions.Parameterized = types.EthereumAddress(v)
	}
	if v, ok := lookupEnv("DATABASE_PATH"); ok {
		config.DatabasePath = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		config.LogLevel = strings.ToLower(v)
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT":               &config.RequestTimeout,
		"DEFAULT_PAYMENT_EXPIRY_LENGTH": &config.DefaultPaymentExpiryLength,
		"GATEWAY_RETRY_INITIAL":         &config.GatewayRetry.InitialInterval,
		"GATEWAY_RETRY_MAX":             &config.GatewayRetry.MaxInterval,
	}
	for name, dst := range durations {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.NewError(types.CodeConfig, fmt.Sprintf("invalid %s%s %q", EnvPrefix, name, v), err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"GATEWAY_RETRY_ATTEMPTS": &config.GatewayRetry.MaxAttempts,
		"STAKE_CONCURRENCY":      &config.StakeConcurrency,
		"EVENT_BUFFER_SIZE":      &config.EventBufferSize,
	}
	for name, dst := range ints {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.NewError(types.CodeConfig, fmt.Sprintf("invalid %s%s %q", EnvPrefix, name, v), err)
		}
		*dst = n
	}

	if v, ok := lookupEnv("ENABLE_METRICS"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return types.NewError(types.CodeConfig, fmt.Sprintf("invalid %sENABLE_METRICS %q", EnvPrefix, v), err)
		}
		config.EnableMetrics = enabled
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}
