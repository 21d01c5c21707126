// Package config loads gominer configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config holds the configuration of the cpuminer service
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Node connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinNetwork     string
	BitcoinZMQAddr     string

	// Mining
	MiningAddress        string
	MinerThreads         int
	MinerThrottle        time.Duration
	TemplatePollInterval time.Duration
	SyncPollInterval     time.Duration
	StatsInterval        time.Duration

	// Optional sinks. Empty values disable the sink.
	KafkaBrokers []string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the environment, applies defaults and validates the result
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "cpuminer"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		BitcoinRPCHost:     getEnv("BITCOIN_RPC_HOST", "localhost"),
		BitcoinRPCPort:     getEnvInt("BITCOIN_RPC_PORT", 8332),
		BitcoinRPCUser:     getEnv("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: getEnv("BITCOIN_RPC_PASSWORD", ""),
		BitcoinNetwork:     getEnv("BITCOIN_NETWORK", "mainnet"),
		BitcoinZMQAddr:     getEnv("BITCOIN_ZMQ_ADDR", ""),

		MiningAddress:        getEnv("MINING_ADDRESS", ""),
		MinerThreads:         getEnvInt("MINER_THREADS", runtime.NumCPU()),
		MinerThrottle:        getEnvDuration("MINER_THROTTLE", 0),
		TemplatePollInterval: getEnvDuration("TEMPLATE_POLL_INTERVAL", 50*time.Millisecond),
		SyncPollInterval:     getEnvDuration("SYNC_POLL_INTERVAL", 2*time.Second),
		StatsInterval:        getEnvDuration("STATS_INTERVAL", 10*time.Second),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "gominer"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ChainParams returns the btcd parameters for BitcoinNetwork
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.BitcoinNetwork) {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown BITCOIN_NETWORK %q", c.BitcoinNetwork)
	}
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	params, err := c.ChainParams()
	if err != nil {
		return err
	}

	if c.MiningAddress == "" {
		return fmt.Errorf("MINING_ADDRESS is required")
	}
	addr, err := btcutil.DecodeAddress(c.MiningAddress, params)
	if err != nil {
		return fmt.Errorf("MINING_ADDRESS is not a valid address: %w", err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("MINING_ADDRESS is not a %s address", params.Name)
	}

	if c.MinerThreads < 1 {
		return fmt.Errorf("MINER_THREADS must be at least 1")
	}

	if c.MinerThrottle < 0 {
		return fmt.Errorf("MINER_THROTTLE cannot be negative")
	}

	if c.TemplatePollInterval <= 0 {
		return fmt.Errorf("TEMPLATE_POLL_INTERVAL must be positive")
	}

	if c.SyncPollInterval <= 0 || c.StatsInterval <= 0 {
		return fmt.Errorf("SYNC_POLL_INTERVAL and STATS_INTERVAL must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
