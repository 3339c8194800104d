// Package config provides configuration loading and validation for the
// Job Declarator Client.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete process configuration.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	JDC     JDCConfig     `yaml:"jdc"`
	Node    NodeConfig    `yaml:"node"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PoolConfig holds the Job Declaration pool endpoint.
type PoolConfig struct {
	Address string `yaml:"address"`
}

// CoinbaseOutputConfig is one recommended coinbase output as read from
// configuration: a value in satoshis and a hex-encoded output script.
type CoinbaseOutputConfig struct {
	Value        uint64 `yaml:"value"`
	ScriptPubKey string `yaml:"script_pubkey"`
}

// Bytes decodes the hex-encoded script.
func (o CoinbaseOutputConfig) Bytes() ([]byte, error) {
	return hex.DecodeString(o.ScriptPubKey)
}

// JDCConfig holds Job Declarator-specific settings.
type JDCConfig struct {
	CoinbaseOutputs []CoinbaseOutputConfig `yaml:"coinbase_outputs"`
	MinFeeRate      float64                `yaml:"min_fee_rate"`
	MaxTemplateSize int64                  `yaml:"max_template_size"`
}

// NodeConfig holds Bitcoin full node RPC settings.
type NodeConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	RPCUser      string        `yaml:"rpc_user"`
	RPCPassword  string        `yaml:"rpc_password"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	if cfg.Node.PollInterval == 0 {
		cfg.Node.PollInterval = time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Pool.Address == "" {
		return fmt.Errorf("pool.address is required")
	}

	for i, out := range cfg.JDC.CoinbaseOutputs {
		if _, err := out.Bytes(); err != nil {
			return fmt.Errorf("jdc.coinbase_outputs[%d]: invalid script_pubkey: %w", i, err)
		}
	}

	if cfg.Node.RPCURL == "" {
		return fmt.Errorf("node.rpc_url is required")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}
