package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// ExactAuthorization is the EIP-3009 TransferWithAuthorization message.
type ExactAuthorization struct {
	From        string `json:"from"`        // payer address (hex)
	To          string `json:"to"`          // recipient address (hex)
	Value       string `json:"value"`       // amount in smallest unit, decimal string
	ValidAfter  string `json:"validAfter"`  // unix timestamp, decimal string
	ValidBefore string `json:"validBefore"` // unix timestamp, decimal string
	Nonce       string `json:"nonce"`       // 32-byte random nonce, hex string
}

// ExactPayload is the exact scheme payment payload for EVM networks.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// PermitAuthorization is the ERC-2612 Permit message carried by the upto
// scheme. From is the token owner; To is the spender and must be one of the
// facilitator's signer addresses. Value is the session cap, not a per-request
// amount.
type PermitAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidBefore string `json:"validBefore"` // permit deadline, unix seconds
	Nonce       string `json:"nonce"`       // ERC-2612 sequential nonce, decimal string
}

// UptoPayload is the upto scheme payment payload for EVM networks.
type UptoPayload struct {
	Signature     string              `json:"signature"`
	Authorization PermitAuthorization `json:"authorization"`
}

// ToMap converts an ExactPayload to the generic payload map.
func (p *ExactPayload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// ExactPayloadFromMap parses the generic payload map into an ExactPayload.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	payload := &ExactPayload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, ok := auth[f.name].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.name)
		}
		*f.dst = v
	}

	return payload, nil
}

// ToMap converts an UptoPayload to the generic payload map.
func (p *UptoPayload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// UptoPayloadFromMap parses the generic payload map into an UptoPayload.
func UptoPayloadFromMap(data map[string]interface{}) (*UptoPayload, error) {
	payload := &UptoPayload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	if payload.Signature == "" {
		return nil, fmt.Errorf("missing signature field")
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, ok := auth[f.name].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.name)
		}
		*f.dst = v
	}

	return payload, nil
}

// EvmSigner is the capability surface the EVM schemes need from a chain
// client. Implementations live under signers/evm; tests substitute mocks.
// Multiple addresses support key rotation and load balancing.
type EvmSigner interface {
	// Addresses returns all addresses this signer can settle from.
	Addresses() []string

	// ReadContract executes an eth_call and returns the decoded first output.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a state-changing transaction and returns its hash.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// SendTransaction sends a raw transaction with pre-encoded calldata.
	SendTransaction(ctx context.Context, to string, data []byte) (string, error)

	// WaitForReceipt blocks until the transaction is mined or ctx expires.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// VerifyTypedData verifies an EIP-712 signature against an address.
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)

	// GetBalance returns the ERC-20 balance of address for tokenAddress.
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the chain id of the connected network.
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetCode returns the bytecode at address; empty for EOAs.
	GetCode(ctx context.Context, address string) ([]byte, error)
}

// TypedDataDomain represents the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Receipt represents the receipt of a mined transaction.
type Receipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC-20 token.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// GetNetworkConfig resolves a CAIP-2 identifier or a known alias.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if caip, ok := NetworkNameAliases[network]; ok {
		network = caip
	}
	config, ok := NetworkConfigs[network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", network)
	}
	return &config, nil
}

// GetAssetInfo returns token metadata for the asset on the network. A known
// default asset carries its registered name and version; other tokens get
// placeholder metadata that the requirements' extra fields must override.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		info := config.DefaultAsset
		return &info, nil
	}
	return &AssetInfo{
		Address:  asset,
		Decimals: DefaultDecimals,
	}, nil
}

// HexToBytes decodes a hex string with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
