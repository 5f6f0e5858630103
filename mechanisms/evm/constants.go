package evm

import (
	"math/big"
)

const (
	// Scheme identifiers
	SchemeExact = "exact"
	SchemeUpto  = "upto"

	// CAIP-2 family served by this package
	CaipFamily = "eip155:*"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// ERC-20 / ERC-2612 function names
	FunctionPermit       = "permit"
	FunctionTransferFrom = "transferFrom"
	FunctionAllowance    = "allowance"
	FunctionBalanceOf    = "balanceOf"
	FunctionNonces       = "nonces"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DeadlineBuffer is the margin (in seconds) required between now and an
	// authorization's expiry so the transaction can still land in a block.
	DeadlineBuffer = 6

	// ERC-6492 magic value (last 32 bytes of a wrapped signature).
	// bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1)
	ERC6492MagicValue = "0x6492649264926492649264926492649264926492649264926492649264926492"

	// EIP-1271 magic value (returned by isValidSignature on success)
	EIP1271MagicValue = "0x1626ba7e"

	// UniversalSigValidatorAddress validates EOA, EIP-1271 and ERC-6492
	// signatures in one eth_call. Same address on all EVM chains via CREATE2.
	UniversalSigValidatorAddress = "0x164af34fAF9879394370C7f09064127C043A35E9"
)

var (
	// Network chain IDs
	ChainIDBase            = big.NewInt(8453)
	ChainIDBaseSepolia     = big.NewInt(84532)
	ChainIDAvalanche       = big.NewInt(43114)
	ChainIDAvalancheFuji   = big.NewInt(43113)
	ChainIDPolygon         = big.NewInt(137)
	ChainIDPolygonAmoy     = big.NewInt(80002)
	ChainIDSei             = big.NewInt(1329)
	ChainIDSeiTestnet      = big.NewInt(1328)
	ChainIDEthereum        = big.NewInt(1)
	ChainIDEthereumSepolia = big.NewInt(11155111)

	// NetworkConfigs maps CAIP-2 network identifiers to chain configuration.
	// Each entry's default asset is the chain's endorsed EIP-3009 stablecoin.
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:43114": {
			ChainID: ChainIDAvalanche,
			DefaultAsset: AssetInfo{
				Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", // USDC on Avalanche
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:43113": {
			ChainID: ChainIDAvalancheFuji,
			DefaultAsset: AssetInfo{
				Address:  "0x5425890298aed601595a70AB815c96711a31Bc65", // USDC on Fuji
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:137": {
			ChainID: ChainIDPolygon,
			DefaultAsset: AssetInfo{
				Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", // USDC on Polygon PoS
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:80002": {
			ChainID: ChainIDPolygonAmoy,
			DefaultAsset: AssetInfo{
				Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", // USDC on Amoy
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:1329": {
			ChainID: ChainIDSei,
			DefaultAsset: AssetInfo{
				Address:  "0xe15fC38F6D8c56aF07bbCBe3BAf5708A2Bf42392", // USDC on Sei
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:1328": {
			ChainID: ChainIDSeiTestnet,
			DefaultAsset: AssetInfo{
				Address:  "0x4fCF1784B31630811181f670Aea7A7bEF803eaED", // USDC on Sei Testnet
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// NetworkNameAliases maps human network names to CAIP-2 identifiers for
	// configuration convenience.
	NetworkNameAliases = map[string]string{
		"base":           "eip155:8453",
		"base-sepolia":   "eip155:84532",
		"avalanche":      "eip155:43114",
		"avalanche-fuji": "eip155:43113",
		"polygon":        "eip155:137",
		"polygon-amoy":   "eip155:80002",
		"sei":            "eip155:1329",
		"sei-testnet":    "eip155:1328",
	}

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// EIP-3009 ABI for transferWithAuthorization with bytes signature (smart wallets)
	TransferWithAuthorizationBytesABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC-2612 permit ABI
	PermitABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "permit",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20TransferFromABI for pulling the settled amount
	ERC20TransferFromABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transferFrom",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI for the permit preflight and the fallback probe
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20NoncesABI for reading ERC-2612 permit nonces
	ERC20NoncesABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"}
			],
			"name": "nonces",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// UniversalSigValidatorABI for isValidSig (EOA / EIP-1271 / ERC-6492)
	UniversalSigValidatorABI = []byte(`[
		{
			"inputs": [
				{"name": "_signer", "type": "address"},
				{"name": "_hash", "type": "bytes32"},
				{"name": "_signature", "type": "bytes"}
			],
			"name": "isValidSig",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
