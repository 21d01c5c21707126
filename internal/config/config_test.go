package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	mainnetAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	testnetAddr = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
)

func regtestAddr(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("build regtest address: %v", err)
	}
	return addr.EncodeAddress()
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "missing mining address",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name:    "mainnet defaults",
			envVars: map[string]string{"MINING_ADDRESS": mainnetAddr},
		},
		{
			name: "testnet with overrides",
			envVars: map[string]string{
				"MINING_ADDRESS":         testnetAddr,
				"BITCOIN_NETWORK":        "testnet3",
				"BITCOIN_RPC_PORT":       "18332",
				"MINER_THREADS":          "3",
				"MINER_THROTTLE":         "2ms",
				"TEMPLATE_POLL_INTERVAL": "100ms",
			},
		},
		{
			name: "address for wrong network",
			envVars: map[string]string{
				"MINING_ADDRESS":  mainnetAddr,
				"BITCOIN_NETWORK": "testnet3",
			},
			wantErr: true,
		},
		{
			name: "unknown network",
			envVars: map[string]string{
				"MINING_ADDRESS":  mainnetAddr,
				"BITCOIN_NETWORK": "dogecoin",
			},
			wantErr: true,
		},
		{
			name: "invalid port",
			envVars: map[string]string{
				"MINING_ADDRESS":   mainnetAddr,
				"BITCOIN_RPC_PORT": "99999",
			},
			wantErr: true,
		},
		{
			name: "zero threads",
			envVars: map[string]string{
				"MINING_ADDRESS": mainnetAddr,
				"MINER_THREADS":  "0",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MINING_ADDRESS", "")
			t.Setenv("BITCOIN_NETWORK", "")
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			if cfg.ServiceName != "cpuminer" {
				t.Errorf("ServiceName = %q", cfg.ServiceName)
			}
			if cfg.MinerThreads < 1 {
				t.Errorf("MinerThreads = %d", cfg.MinerThreads)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MINING_ADDRESS", regtestAddr(t))
	t.Setenv("BITCOIN_NETWORK", "regtest")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.TemplatePollInterval != 50*time.Millisecond {
		t.Errorf("TemplatePollInterval = %v, want 50ms", cfg.TemplatePollInterval)
	}
	if cfg.SyncPollInterval != 2*time.Second {
		t.Errorf("SyncPollInterval = %v, want 2s", cfg.SyncPollInterval)
	}
	if cfg.MinerThreads != runtime.NumCPU() {
		t.Errorf("MinerThreads = %d, want %d", cfg.MinerThreads, runtime.NumCPU())
	}
	if cfg.MinerThrottle != 0 {
		t.Errorf("MinerThrottle = %v, want 0", cfg.MinerThrottle)
	}
	if len(cfg.KafkaBrokers) != 0 || cfg.RedisURL != "" || cfg.InfluxURL != "" || cfg.BitcoinZMQAddr != "" {
		t.Error("optional sinks should be disabled by default")
	}
}

func TestChainParams(t *testing.T) {
	tests := map[string]string{
		"mainnet":  chaincfg.MainNetParams.Name,
		"testnet":  chaincfg.TestNet3Params.Name,
		"REGTEST":  chaincfg.RegressionNetParams.Name,
		"signet":   chaincfg.SigNetParams.Name,
		"simnet":   chaincfg.SimNetParams.Name,
		"testnet3": chaincfg.TestNet3Params.Name,
	}

	for network, want := range tests {
		params, err := (&Config{BitcoinNetwork: network}).ChainParams()
		if err != nil {
			t.Errorf("ChainParams(%s) error: %v", network, err)
			continue
		}
		if params.Name != want {
			t.Errorf("ChainParams(%s) = %s, want %s", network, params.Name, want)
		}
	}

	if _, err := (&Config{BitcoinNetwork: "litecoin"}).ChainParams(); err == nil {
		t.Error("expected error for unknown network")
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_BROKERS", "kafka-1:9092, kafka-2:9092,,")

	got := getEnvSlice("TEST_BROKERS", nil)
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("getEnvSlice() = %v", got)
	}

	if got := getEnvSlice("TEST_UNSET_BROKERS", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("default not applied: %v", got)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_DURATION", "250ms")

	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %d", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with bad value = %d, want default", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration() = %v", got)
	}
	if got := getEnv("TEST_UNSET_STRING", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %q", got)
	}
}
