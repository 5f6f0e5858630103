package svm

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ExactSvmPayload is the exact scheme payment payload for SVM networks: a
// partially signed transaction, base64-encoded, missing only the fee payer's
// signature.
type ExactSvmPayload struct {
	Transaction string `json:"transaction"`
}

// ToMap converts the payload to the generic payload map.
func (p *ExactSvmPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"transaction": p.Transaction,
	}
}

// PayloadFromMap parses the generic payload map into an ExactSvmPayload.
func PayloadFromMap(data map[string]interface{}) (*ExactSvmPayload, error) {
	tx, ok := data["transaction"].(string)
	if !ok || tx == "" {
		return nil, fmt.Errorf("missing or invalid transaction field")
	}
	return &ExactSvmPayload{Transaction: tx}, nil
}

// DecodeTransaction decodes a base64-encoded Solana transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	return tx, nil
}

// SvmSigner is the capability surface the SVM scheme needs from a chain
// client: the fee payer key plus RPC access for simulation, submission and
// confirmation.
type SvmSigner interface {
	// Address returns the fee payer public key.
	Address() solana.PublicKey

	// SignTransaction adds the fee payer's signature to the transaction.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error

	// SendTransaction submits the fully signed transaction.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// RPC returns the underlying RPC client.
	RPC() *rpc.Client
}

// AssetInfo contains information about an SPL token.
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig contains network-specific configuration.
type NetworkConfig struct {
	CAIP2        string
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
