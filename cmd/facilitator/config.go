package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the facilitator server configuration, loaded from the
// environment (and a .env file when present).
type Config struct {
	Port string

	// EVM signing. Exactly one of PrivateKey or Mnemonic is required when
	// EVMNetworks is non-empty.
	EVMPrivateKey   string
	EVMMnemonic     string
	EVMAccountIndex uint32
	EVMNetworks     []string

	// SVM signing.
	SVMPrivateKey string
	SVMNetworks   []string

	// Starknet settlement is delegated to an external paymaster service.
	StarknetNetworks        []string
	StarknetPaymasterURL    string
	StarknetPaymasterAPIKey string
	StarknetAccounts        []string

	SweepInterval time.Duration
}

// defaultEvmRPCURLs maps network aliases to public RPC endpoints, used when
// no EVM_RPC_URL_<NETWORK> override is set.
var defaultEvmRPCURLs = map[string]string{
	"base":           "https://mainnet.base.org",
	"base-sepolia":   "https://sepolia.base.org",
	"avalanche":      "https://api.avax.network/ext/bc/C/rpc",
	"avalanche-fuji": "https://api.avax-test.network/ext/bc/C/rpc",
	"polygon":        "https://polygon-rpc.com",
	"polygon-amoy":   "https://rpc-amoy.polygon.technology",
	"sei":            "https://evm-rpc.sei-apis.com",
	"sei-testnet":    "https://evm-rpc-testnet.sei-apis.com",
}

// defaultSvmRPCURLs maps network aliases to public RPC endpoints.
var defaultSvmRPCURLs = map[string]string{
	"solana":        "https://api.mainnet-beta.solana.com",
	"solana-devnet": "https://api.devnet.solana.com",
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:          envOr("PORT", "8090"),
		EVMPrivateKey: os.Getenv("EVM_PRIVATE_KEY"),
		EVMMnemonic:   os.Getenv("EVM_MNEMONIC"),
		SVMPrivateKey: os.Getenv("SVM_PRIVATE_KEY"),
		SweepInterval: 30 * time.Second,
	}

	if raw := os.Getenv("EVM_ACCOUNT_INDEX"); raw != "" {
		index, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid EVM_ACCOUNT_INDEX %q: %w", raw, err)
		}
		cfg.EVMAccountIndex = uint32(index)
	}

	if raw := os.Getenv("SWEEP_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %q", raw)
		}
		cfg.SweepInterval = time.Duration(seconds) * time.Second
	}

	cfg.EVMNetworks = splitList(os.Getenv("EVM_NETWORKS"))
	cfg.SVMNetworks = splitList(os.Getenv("SVM_NETWORKS"))
	cfg.StarknetNetworks = splitList(os.Getenv("STARKNET_NETWORKS"))
	cfg.StarknetPaymasterURL = os.Getenv("STARKNET_PAYMASTER_URL")
	cfg.StarknetPaymasterAPIKey = os.Getenv("STARKNET_PAYMASTER_API_KEY")
	cfg.StarknetAccounts = splitList(os.Getenv("STARKNET_ACCOUNTS"))

	// Default to the testnets when nothing is configured but keys are.
	if len(cfg.EVMNetworks) == 0 && (cfg.EVMPrivateKey != "" || cfg.EVMMnemonic != "") {
		cfg.EVMNetworks = []string{"base-sepolia"}
	}
	if len(cfg.SVMNetworks) == 0 && cfg.SVMPrivateKey != "" {
		cfg.SVMNetworks = []string{"solana-devnet"}
	}

	if len(cfg.EVMNetworks) == 0 && len(cfg.SVMNetworks) == 0 && len(cfg.StarknetNetworks) == 0 {
		return nil, fmt.Errorf("no networks configured: set EVM_PRIVATE_KEY (or EVM_MNEMONIC) or SVM_PRIVATE_KEY")
	}
	if len(cfg.EVMNetworks) > 0 && cfg.EVMPrivateKey == "" && cfg.EVMMnemonic == "" {
		return nil, fmt.Errorf("EVM networks configured but neither EVM_PRIVATE_KEY nor EVM_MNEMONIC is set")
	}
	if len(cfg.SVMNetworks) > 0 && cfg.SVMPrivateKey == "" {
		return nil, fmt.Errorf("SVM networks configured but SVM_PRIVATE_KEY is not set")
	}
	if len(cfg.StarknetNetworks) > 0 && cfg.StarknetPaymasterURL == "" {
		return nil, fmt.Errorf("Starknet networks configured but STARKNET_PAYMASTER_URL is not set")
	}

	return cfg, nil
}

// EvmRPCURL resolves the RPC endpoint for a network alias:
// EVM_RPC_URL_<NETWORK> override, then EVM_RPC_URL, then the public default.
func (c *Config) EvmRPCURL(network string) (string, error) {
	if url := os.Getenv("EVM_RPC_URL_" + envKey(network)); url != "" {
		return url, nil
	}
	if url := os.Getenv("EVM_RPC_URL"); url != "" {
		return url, nil
	}
	if url, ok := defaultEvmRPCURLs[network]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no RPC URL for network %q: set EVM_RPC_URL_%s", network, envKey(network))
}

// SvmRPCURL resolves the RPC endpoint for a Solana network alias.
func (c *Config) SvmRPCURL(network string) (string, error) {
	if url := os.Getenv("SVM_RPC_URL_" + envKey(network)); url != "" {
		return url, nil
	}
	if url := os.Getenv("SVM_RPC_URL"); url != "" {
		return url, nil
	}
	if url, ok := defaultSvmRPCURLs[network]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no RPC URL for network %q: set SVM_RPC_URL_%s", network, envKey(network))
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envKey converts a network alias to its env var suffix: "base-sepolia"
// becomes "BASE_SEPOLIA".
func envKey(network string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ":", "_").Replace(network))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
