package svm

import (
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// CAIP-2 family served by this package
	CaipFamily = "solana:*"

	// CAIP-2 network identifiers (genesis hash prefixes)
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"

	// USDC mint addresses
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// MaxComputeUnitPrice caps the priority fee a payment transaction may
	// set, in lamports per compute unit.
	MaxComputeUnitPrice = 5

	// Confirmation polling
	MaxConfirmAttempts = 30
	ConfirmRetryDelay  = time.Second
)

// DefaultCommitment is the commitment level used for simulation and
// confirmation.
var DefaultCommitment = rpc.CommitmentConfirmed

// NetworkConfigs maps CAIP-2 identifiers to chain configuration.
var NetworkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2: SolanaMainnetCAIP2,
		DefaultAsset: AssetInfo{
			Address:  USDCMainnetAddress,
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
		},
	},
	SolanaDevnetCAIP2: {
		CAIP2: SolanaDevnetCAIP2,
		DefaultAsset: AssetInfo{
			Address:  USDCDevnetAddress,
			Symbol:   "USDC",
			Decimals: DefaultDecimals,
		},
	},
}

// NetworkNameAliases maps human network names to CAIP-2 identifiers.
var NetworkNameAliases = map[string]string{
	"solana":        SolanaMainnetCAIP2,
	"solana-devnet": SolanaDevnetCAIP2,
}
