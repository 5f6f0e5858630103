// Package evm implements the exact (EIP-3009) and upto (ERC-2612) payment
// schemes for EVM networks.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// Verify failure reasons specific to the exact EVM scheme.
const (
	ReasonInvalidExactEvmPayload = "invalid_exact_evm_payload"
	ReasonRecipientMismatch      = "recipient_mismatch"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonNotYetValid            = "authorization_not_yet_valid"
	ReasonNonceAlreadyUsed       = "nonce_already_used"
	ReasonInsufficientBalance    = "insufficient_balance"
	ReasonUndeployedSmartWallet  = "undeployed_smart_wallet"
	ReasonWalletDeploymentFailed = "smart_wallet_deployment_failed"
)

// ExactEvmSchemeConfig tunes the exact scheme.
type ExactEvmSchemeConfig struct {
	// DeployERC4337WithEIP6492 deploys undeployed smart wallets from the
	// factory data in their ERC-6492 signature wrapper before settlement.
	// Off by default: the facilitator pays the deployment gas.
	DeployERC4337WithEIP6492 bool
}

// ExactEvmScheme verifies and settles exact payments carried as EIP-3009
// TransferWithAuthorization messages. One settlement per payment: the signed
// value moves in full, or not at all.
type ExactEvmScheme struct {
	signer EvmSigner
	config ExactEvmSchemeConfig

	// Now is overridable for tests.
	Now func() time.Time
}

// NewExactEvmScheme creates an exact scheme over the given signer with the
// default configuration.
func NewExactEvmScheme(signer EvmSigner) *ExactEvmScheme {
	return NewExactEvmSchemeWithConfig(signer, ExactEvmSchemeConfig{})
}

// NewExactEvmSchemeWithConfig creates an exact scheme with explicit
// configuration.
func NewExactEvmSchemeWithConfig(signer EvmSigner, config ExactEvmSchemeConfig) *ExactEvmScheme {
	return &ExactEvmScheme{
		signer: signer,
		config: config,
		Now:    time.Now,
	}
}

func (s *ExactEvmScheme) Scheme() string {
	return SchemeExact
}

func (s *ExactEvmScheme) CaipFamily() string {
	return CaipFamily
}

func (s *ExactEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

func (s *ExactEvmScheme) GetSigners(_ x402.Network) []string {
	return s.signer.Addresses()
}

// Verify checks an exact payment payload against requirements: recipient,
// exact amount, validity window, unused nonce, payer balance, and the
// EIP-712 signature.
func (s *ExactEvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != requirements.Scheme {
		return invalid(x402.ReasonSchemeMismatch), nil
	}
	if !payload.Accepted.Network.Match(requirements.Network) {
		return invalid(x402.ReasonNetworkMismatch), nil
	}

	evmPayload, err := ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ReasonInvalidExactEvmPayload), nil
	}
	if evmPayload.Signature == "" {
		return invalid(ReasonInvalidExactEvmPayload), nil
	}

	networkStr := string(requirements.Network)
	config, err := GetNetworkConfig(networkStr)
	if err != nil {
		return invalid(x402.ReasonUnsupportedNetwork), nil
	}
	if err := checkChainID(requirements.Network, config); err != nil {
		return invalid(x402.ReasonInvalidChainID), nil
	}

	assetInfo, err := GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return invalid(x402.ReasonUnsupportedNetwork), nil
	}

	if !strings.EqualFold(evmPayload.Authorization.To, requirements.PayTo) {
		return invalid(ReasonRecipientMismatch), nil
	}

	authValue, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return invalid(ReasonInvalidExactEvmPayload), nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return invalid(ReasonInvalidExactEvmPayload), nil
	}
	// exact scheme: the signed value must equal the required amount
	if authValue.Cmp(requiredValue) != 0 {
		return invalid(ReasonAmountMismatch), nil
	}

	validAfter, okAfter := new(big.Int).SetString(evmPayload.Authorization.ValidAfter, 10)
	validBefore, okBefore := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)
	if !okAfter || !okBefore {
		return invalid(ReasonInvalidExactEvmPayload), nil
	}
	now := s.Now().Unix()
	if validAfter.Int64() > now {
		return invalid(ReasonNotYetValid), nil
	}
	// validBefore == now+buffer still leaves exactly enough room to land
	if validBefore.Int64() < now+DeadlineBuffer {
		return invalid(x402.ReasonAuthorizationExpired), nil
	}

	tokenName, tokenVersion := domainFromExtra(requirements.Extra, assetInfo)
	if tokenName == "" || tokenVersion == "" {
		return invalid(x402.ReasonMissingEIP712Domain), nil
	}

	nonceUsed, err := s.checkNonceUsed(ctx, evmPayload.Authorization.From, evmPayload.Authorization.Nonce, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to check nonce: %w", err)
	}
	if nonceUsed {
		return invalid(ReasonNonceAlreadyUsed), nil
	}

	balance, err := s.signer.GetBalance(ctx, evmPayload.Authorization.From, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return invalid(ReasonInsufficientBalance), nil
	}

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	valid, err := s.verifySignature(ctx, evmPayload.Authorization, signatureBytes,
		config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	return &x402.VerifyResponse{
		IsValid: true,
		Payer:   evmPayload.Authorization.From,
	}, nil
}

// Settle re-verifies the payment and submits transferWithAuthorization.
// EOA signatures use the v,r,s overload; longer signatures (EIP-1271 smart
// wallets) use the bytes overload.
func (s *ExactEvmScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	verifyResp, err := s.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verifyResp.IsValid {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Network:     requirements.Network,
		}, nil
	}

	evmPayload, _ := ExactPayloadFromMap(payload.Payload)
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}

	value, _ := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(evmPayload.Authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)
	nonceBytes, err := HexToBytes(evmPayload.Authorization.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ReasonInvalidExactEvmPayload,
			Network:     requirements.Network,
		}, nil
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	signatureBytes, _ := HexToBytes(evmPayload.Signature)

	if IsERC6492Signature(signatureBytes) {
		if resp := s.ensureWalletDeployed(ctx, evmPayload.Authorization.From, signatureBytes, requirements.Network); resp != nil {
			return resp, nil
		}
	}

	from := common.HexToAddress(evmPayload.Authorization.From)
	to := common.HexToAddress(evmPayload.Authorization.To)

	var txHash string
	switch {
	case len(signatureBytes) == 65:
		r := [32]byte(signatureBytes[0:32])
		sComp := [32]byte(signatureBytes[32:64])
		v := signatureBytes[64]
		if v < 27 {
			v += 27
		}
		txHash, err = s.signer.WriteContract(ctx, assetInfo.Address,
			TransferWithAuthorizationABI, FunctionTransferWithAuthorization,
			from, to, value, validAfter, validBefore, nonce, v, r, sComp)
	case len(signatureBytes) > 65:
		txHash, err = s.signer.WriteContract(ctx, assetInfo.Address,
			TransferWithAuthorizationBytesABI, FunctionTransferWithAuthorization,
			from, to, value, validAfter, validBefore, nonce, signatureBytes)
	default:
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonUnsupportedSignatureType,
			Network:     requirements.Network,
		}, nil
	}
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       evmPayload.Authorization.From,
		}, nil
	}

	receipt, err := s.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       evmPayload.Authorization.From,
			Transaction: txHash,
		}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidTransactionState,
			Network:     requirements.Network,
			Payer:       evmPayload.Authorization.From,
			Transaction: receipt.TxHash,
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Network:     requirements.Network,
		Payer:       evmPayload.Authorization.From,
		Transaction: receipt.TxHash,
	}, nil
}

// ensureWalletDeployed handles a payer signing through an undeployed
// counterfactual smart wallet. The token contract cannot call into a wallet
// with no code, so the wallet must exist before transferWithAuthorization.
// Returns nil when settlement may proceed, or the failure response.
func (s *ExactEvmScheme) ensureWalletDeployed(ctx context.Context, owner string, signature []byte, network x402.Network) *x402.SettleResponse {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidSignature,
			Network:     network,
			Payer:       owner,
		}
	}
	if sigData.Factory == (common.Address{}) || len(sigData.FactoryCalldata) == 0 {
		return nil
	}

	code, err := s.signer.GetCode(ctx, owner)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     network,
			Payer:       owner,
		}
	}
	if len(code) > 0 {
		return nil
	}

	if !s.config.DeployERC4337WithEIP6492 {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ReasonUndeployedSmartWallet,
			Network:     network,
			Payer:       owner,
		}
	}

	txHash, err := s.signer.SendTransaction(ctx, sigData.Factory.Hex(), sigData.FactoryCalldata)
	if err == nil {
		var receipt *Receipt
		receipt, err = s.signer.WaitForReceipt(ctx, txHash)
		if err == nil && receipt.Status != TxStatusSuccess {
			err = fmt.Errorf("deployment transaction reverted")
		}
	}
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ReasonWalletDeploymentFailed,
			Network:     network,
			Payer:       owner,
		}
	}
	return nil
}

func (s *ExactEvmScheme) checkNonceUsed(ctx context.Context, authorizer, nonce, tokenAddress string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("invalid nonce format: %s", nonce)
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	result, err := s.signer.ReadContract(ctx, tokenAddress, AuthorizationStateABI,
		FunctionAuthorizationState, common.HexToAddress(authorizer), nonce32)
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result type %T", result)
	}
	return used, nil
}

// verifySignature checks the EIP-712 signature over the authorization.
// 65-byte signatures go through the signer's ECDSA recovery; anything else is
// treated as a smart wallet signature and checked via the universal
// validator, which handles EIP-1271 and ERC-6492 wrappers.
func (s *ExactEvmScheme) verifySignature(
	ctx context.Context,
	authorization ExactAuthorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	if len(signature) == 65 {
		message, err := TransferWithAuthorizationMessage(authorization)
		if err != nil {
			return false, err
		}
		domain := TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainID:           chainID,
			VerifyingContract: verifyingContract,
		}
		return s.signer.VerifyTypedData(ctx, authorization.From, domain,
			TransferWithAuthorizationTypes(), "TransferWithAuthorization", message, signature)
	}

	hash, err := HashTransferWithAuthorization(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return false, err
	}
	var hash32 [32]byte
	copy(hash32[:], hash)
	return VerifyWithUniversalValidator(ctx, s.signer, authorization.From, hash32, signature)
}

// domainFromExtra resolves the token's EIP-712 domain name and version,
// preferring the requirements' extra fields over the built-in asset metadata.
func domainFromExtra(extra map[string]interface{}, assetInfo *AssetInfo) (string, string) {
	name := assetInfo.Name
	version := assetInfo.Version
	if extra != nil {
		if n, ok := extra["name"].(string); ok && n != "" {
			name = n
		}
		if v, ok := extra["version"].(string); ok && v != "" {
			version = v
		}
	}
	return name, version
}

// checkChainID ensures the CAIP-2 reference agrees with the configured chain.
func checkChainID(network x402.Network, config *NetworkConfig) error {
	_, reference, err := network.Parse()
	if err != nil {
		return err
	}
	ref, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return fmt.Errorf("non-numeric chain reference: %s", reference)
	}
	if ref.Cmp(config.ChainID) != 0 {
		return fmt.Errorf("chain id mismatch: %s vs %s", ref, config.ChainID)
	}
	return nil
}

func invalid(reason string) *x402.VerifyResponse {
	return &x402.VerifyResponse{
		IsValid:       false,
		InvalidReason: reason,
	}
}
