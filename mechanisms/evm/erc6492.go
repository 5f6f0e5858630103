package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC6492Signature is the parsed form of an ERC-6492 wrapped signature.
// ERC-6492 lets undeployed smart contract accounts sign by bundling the
// wallet's CREATE2 deployment data with the inner signature.
type ERC6492Signature struct {
	Factory         common.Address
	FactoryCalldata []byte
	InnerSignature  []byte
}

// IsERC6492Signature reports whether the signature carries the ERC-6492
// magic suffix.
func IsERC6492Signature(signature []byte) bool {
	magic, _ := HexToBytes(ERC6492MagicValue)
	return len(signature) >= 32 && bytes.Equal(signature[len(signature)-32:], magic)
}

// ParseERC6492Signature unwraps an ERC-6492 signature into its factory,
// deployment calldata and inner signature. The wrapper is
// abi.encode(factory, factoryCalldata, innerSignature) || magic.
func ParseERC6492Signature(signature []byte) (*ERC6492Signature, error) {
	if !IsERC6492Signature(signature) {
		return nil, fmt.Errorf("not an ERC-6492 signature")
	}

	addressType, _ := abi.NewType("address", "", nil)
	bytesType, _ := abi.NewType("bytes", "", nil)
	args := abi.Arguments{
		{Type: addressType},
		{Type: bytesType},
		{Type: bytesType},
	}

	decoded, err := args.Unpack(signature[:len(signature)-32])
	if err != nil {
		return nil, fmt.Errorf("failed to decode ERC-6492 wrapper: %w", err)
	}
	if len(decoded) != 3 {
		return nil, fmt.Errorf("unexpected ERC-6492 wrapper arity: %d", len(decoded))
	}

	factory, ok := decoded[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid factory address in ERC-6492 wrapper")
	}
	calldata, ok := decoded[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid factory calldata in ERC-6492 wrapper")
	}
	inner, ok := decoded[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid inner signature in ERC-6492 wrapper")
	}

	return &ERC6492Signature{
		Factory:         factory,
		FactoryCalldata: calldata,
		InnerSignature:  inner,
	}, nil
}

// VerifyWithUniversalValidator checks any signature format (EOA ECDSA,
// EIP-1271, ERC-6492) against the UniversalSigValidator contract. The
// validator simulates wallet deployment for 6492 wrappers, so undeployed
// counterfactual wallets validate too.
func VerifyWithUniversalValidator(ctx context.Context, signer EvmSigner, signerAddress string, hash [32]byte, signature []byte) (bool, error) {
	result, err := signer.ReadContract(ctx, UniversalSigValidatorAddress, UniversalSigValidatorABI, "isValidSig",
		common.HexToAddress(signerAddress), hash, signature)
	if err != nil {
		return false, fmt.Errorf("universal signature validation failed: %w", err)
	}
	valid, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected validator result type %T", result)
	}
	return valid, nil
}
