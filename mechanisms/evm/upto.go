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

// UptoEvmScheme verifies and settles upto payments carried as ERC-2612
// Permit messages. The signed value is a spending cap; settlement pulls the
// accumulated session amount with transferFrom, redeeming the permit on first
// use and relying on the standing allowance afterwards.
type UptoEvmScheme struct {
	signer EvmSigner

	// Now is overridable for tests.
	Now func() time.Time
}

// NewUptoEvmScheme creates an upto scheme over the given signer.
func NewUptoEvmScheme(signer EvmSigner) *UptoEvmScheme {
	return &UptoEvmScheme{
		signer: signer,
		Now:    time.Now,
	}
}

func (s *UptoEvmScheme) Scheme() string {
	return SchemeUpto
}

func (s *UptoEvmScheme) CaipFamily() string {
	return CaipFamily
}

func (s *UptoEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

func (s *UptoEvmScheme) GetSigners(_ x402.Network) []string {
	return s.signer.Addresses()
}

// Verify checks an upto payment payload: the permit's spender must be one of
// the facilitator's signer addresses, the cap must cover this request's
// amount (and the advertised per-request maximum, if any), the deadline must
// leave room to settle, and the permit signature must validate.
func (s *UptoEvmScheme) Verify(
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

	evmPayload, err := UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(x402.ReasonInvalidUptoEvmPayload), nil
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

	if !s.isFacilitatorAddress(evmPayload.Authorization.To) {
		return invalid(x402.ReasonSpenderNotFacilitator), nil
	}

	cap, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return invalid(x402.ReasonInvalidUptoEvmPayload), nil
	}
	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return invalid(x402.ReasonInvalidUptoEvmPayload), nil
	}
	if cap.Cmp(amount) < 0 {
		return invalid(x402.ReasonCapTooLow), nil
	}

	// a resource server may advertise the ceiling it will ever charge per
	// request; a cap below it would strand the session mid-stream
	if requirements.Extra != nil {
		if maxStr, ok := requirements.Extra["maxAmountRequired"].(string); ok && maxStr != "" {
			maxRequired, ok := new(big.Int).SetString(maxStr, 10)
			if !ok {
				return invalid(x402.ReasonInvalidUptoEvmPayload), nil
			}
			if cap.Cmp(maxRequired) < 0 {
				return invalid(x402.ReasonCapBelowRequiredMax), nil
			}
		}
	}

	deadline, err := parseUnix(evmPayload.Authorization.ValidBefore)
	if err != nil {
		return invalid(x402.ReasonInvalidUptoEvmPayload), nil
	}
	if deadline <= s.Now().Unix()+DeadlineBuffer {
		return invalid(x402.ReasonAuthorizationExpired), nil
	}

	tokenName, tokenVersion := domainFromExtra(requirements.Extra, assetInfo)
	if tokenName == "" || tokenVersion == "" {
		return invalid(x402.ReasonMissingEIP712Domain), nil
	}

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return invalid(x402.ReasonInvalidPermitSignature), nil
	}

	valid, err := s.verifyPermitSignature(ctx, evmPayload.Authorization, signatureBytes,
		config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to verify permit signature: %w", err)
	}
	if !valid {
		return invalid(x402.ReasonInvalidPermitSignature), nil
	}

	return &x402.VerifyResponse{
		IsValid: true,
		Payer:   evmPayload.Authorization.From,
	}, nil
}

// Settle re-verifies the payment, then pulls requirements.Amount from the
// permit owner to the payee. The amount is whatever the caller accumulated,
// not the signed cap. If the standing allowance already covers the amount the
// permit is skipped; a reverted permit (typically already redeemed by an
// earlier settlement) falls back to the allowance before giving up.
func (s *UptoEvmScheme) Settle(
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

	evmPayload, _ := UptoPayloadFromMap(payload.Payload)
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidUptoEvmPayload,
			Network:     requirements.Network,
		}, nil
	}

	owner := evmPayload.Authorization.From
	spender := evmPayload.Authorization.To

	allowance, err := s.readAllowance(ctx, assetInfo.Address, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}

	if allowance.Cmp(amount) < 0 {
		if resp := s.submitPermit(ctx, evmPayload, assetInfo, amount, requirements.Network); resp != nil {
			return resp, nil
		}
	}

	txHash, err := s.signer.WriteContract(ctx, assetInfo.Address,
		ERC20TransferFromABI, FunctionTransferFrom,
		common.HexToAddress(owner), common.HexToAddress(requirements.PayTo), amount)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       owner,
		}, nil
	}

	receipt, err := s.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       owner,
			Transaction: txHash,
		}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInvalidTransactionState,
			Network:     requirements.Network,
			Payer:       owner,
			Transaction: receipt.TxHash,
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Network:     requirements.Network,
		Payer:       owner,
		Transaction: receipt.TxHash,
	}, nil
}

// submitPermit redeems the payload's permit on-chain. Returns nil when the
// allowance is in place and settlement should proceed, or a failure response
// to return as-is.
func (s *UptoEvmScheme) submitPermit(
	ctx context.Context,
	evmPayload *UptoPayload,
	assetInfo *AssetInfo,
	amount *big.Int,
	network x402.Network,
) *x402.SettleResponse {
	owner := evmPayload.Authorization.From
	spender := evmPayload.Authorization.To

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signatureBytes) != 65 {
		// permit(v,r,s) cannot carry smart wallet signatures
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonUnsupportedSignatureType,
			Network:     network,
			Payer:       owner,
		}
	}

	value, _ := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	deadline, _ := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)

	r := [32]byte(signatureBytes[0:32])
	sComp := [32]byte(signatureBytes[32:64])
	v := signatureBytes[64]
	if v < 27 {
		v += 27
	}

	permitOK := false
	txHash, err := s.signer.WriteContract(ctx, assetInfo.Address, PermitABI, FunctionPermit,
		common.HexToAddress(owner), common.HexToAddress(spender), value, deadline, v, r, sComp)
	if err == nil {
		receipt, waitErr := s.signer.WaitForReceipt(ctx, txHash)
		permitOK = waitErr == nil && receipt.Status == TxStatusSuccess
	}

	if permitOK {
		return nil
	}

	// The permit may have reverted because an earlier settlement already
	// redeemed it (ERC-2612 nonces are sequential). The standing allowance
	// decides whether settlement can still proceed.
	allowance, readErr := s.readAllowance(ctx, assetInfo.Address, owner, spender)
	if readErr != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonPermitFailed,
			Network:     network,
			Payer:       owner,
		}
	}
	if allowance.Cmp(amount) < 0 {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonInsufficientAllowance,
			Network:     network,
			Payer:       owner,
		}
	}
	return nil
}

func (s *UptoEvmScheme) readAllowance(ctx context.Context, tokenAddress, owner, spender string) (*big.Int, error) {
	result, err := s.signer.ReadContract(ctx, tokenAddress, ERC20AllowanceABI, FunctionAllowance,
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance result type %T", result)
	}
	return allowance, nil
}

func (s *UptoEvmScheme) verifyPermitSignature(
	ctx context.Context,
	authorization PermitAuthorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) (bool, error) {
	if len(signature) == 65 {
		message, err := PermitMessage(authorization)
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
			PermitTypes(), "Permit", message, signature)
	}

	hash, err := HashPermit(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return false, err
	}
	var hash32 [32]byte
	copy(hash32[:], hash)
	return VerifyWithUniversalValidator(ctx, s.signer, authorization.From, hash32, signature)
}

func (s *UptoEvmScheme) isFacilitatorAddress(address string) bool {
	for _, a := range s.signer.Addresses() {
		if strings.EqualFold(a, address) {
			return true
		}
	}
	return false
}

func parseUnix(s string) (int64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !v.IsInt64() {
		return 0, fmt.Errorf("not a unix timestamp: %q", s)
	}
	return v.Int64(), nil
}
