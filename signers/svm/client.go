// Package svm provides an SvmSigner backed by solana-go's RPC client.
package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402svm "github.com/x402-foundation/x402-facilitator/mechanisms/svm"
)

// Signer implements x402svm.SvmSigner with an Ed25519 key as the fee payer.
type Signer struct {
	privateKey solana.PrivateKey
	client     *rpc.Client
}

// NewSignerFromPrivateKey creates a signer from a base58-encoded private key.
func NewSignerFromPrivateKey(rpcURL, privateKeyBase58 string) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		client:     rpc.New(rpcURL),
	}, nil
}

func (s *Signer) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction adds the fee payer's signature at its account index.
// The client's partial signatures are preserved.
func (s *Signer) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := s.privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(s.privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("fee payer not present in transaction: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}

func (s *Signer) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: x402svm.DefaultCommitment,
	})
}

func (s *Signer) RPC() *rpc.Client {
	return s.client
}
