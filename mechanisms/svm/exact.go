// Package svm implements the exact payment scheme for SVM (Solana) networks
// using SPL Token TransferChecked instructions.
package svm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// Verify failure reasons specific to the exact SVM scheme.
const (
	ReasonInvalidSvmPayload          = "invalid_exact_svm_payload"
	ReasonInvalidInstructions        = "invalid_exact_svm_payload_instructions"
	ReasonMissingFeePayer            = "invalid_exact_svm_payload_missing_fee_payer"
	ReasonFeePayerTransferringFunds  = "invalid_exact_svm_payload_fee_payer_transferring_funds"
	ReasonMintMismatch               = "invalid_exact_svm_payload_mint_mismatch"
	ReasonRecipientMismatch          = "invalid_exact_svm_payload_recipient_mismatch"
	ReasonAmountInsufficient         = "invalid_exact_svm_payload_amount_insufficient"
	ReasonComputePriceTooHigh        = "invalid_exact_svm_payload_compute_price_too_high"
	ReasonSimulationFailed           = "transaction_simulation_failed"
	ReasonConfirmationFailed         = "transaction_confirmation_failed"
)

// ExactSvmScheme verifies and settles exact payments on Solana. The client
// submits a partially signed transaction; the facilitator validates its
// instruction layout, co-signs as fee payer, simulates, and submits.
type ExactSvmScheme struct {
	signer SvmSigner
}

// NewExactSvmScheme creates an exact scheme over the given signer.
func NewExactSvmScheme(signer SvmSigner) *ExactSvmScheme {
	return &ExactSvmScheme{signer: signer}
}

func (s *ExactSvmScheme) Scheme() string {
	return SchemeExact
}

func (s *ExactSvmScheme) CaipFamily() string {
	return CaipFamily
}

// GetExtra advertises the fee payer so clients can build transactions that
// name it without a roundtrip.
func (s *ExactSvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return map[string]interface{}{
		"feePayer": s.signer.Address().String(),
	}
}

func (s *ExactSvmScheme) GetSigners(_ x402.Network) []string {
	return []string{s.signer.Address().String()}
}

// Verify validates the transaction's instruction layout (compute limit,
// compute price, TransferChecked), then co-signs and simulates it.
// Simulation catches insufficient balance and invalid accounts before any
// settlement attempt.
func (s *ExactSvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != requirements.Scheme {
		return invalid(x402.ReasonSchemeMismatch, ""), nil
	}
	if !payload.Accepted.Network.Match(requirements.Network) {
		return invalid(x402.ReasonNetworkMismatch, ""), nil
	}

	svmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ReasonInvalidSvmPayload, ""), nil
	}

	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return invalid(ReasonInvalidSvmPayload, ""), nil
	}

	// ComputeLimit + ComputePrice + TransferChecked
	if len(tx.Message.Instructions) != 3 {
		return invalid(ReasonInvalidInstructions, ""), nil
	}

	if reason := verifyComputeLimitInstruction(tx, tx.Message.Instructions[0]); reason != "" {
		return invalid(reason, ""), nil
	}
	if reason := verifyComputePriceInstruction(tx, tx.Message.Instructions[1]); reason != "" {
		return invalid(reason, ""), nil
	}

	payer, reason := s.verifyTransferInstruction(tx, tx.Message.Instructions[2], requirements)
	if reason != "" {
		return invalid(reason, payer), nil
	}

	if err := s.signer.SignTransaction(ctx, tx); err != nil {
		return invalid(ReasonSimulationFailed, payer), nil
	}

	simResult, err := s.signer.RPC().SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: DefaultCommitment,
	})
	if err != nil || (simResult != nil && simResult.Value != nil && simResult.Value.Err != nil) {
		return invalid(ReasonSimulationFailed, payer), nil
	}

	return &x402.VerifyResponse{
		IsValid: true,
		Payer:   payer,
	}, nil
}

// Settle re-verifies, co-signs and submits the transaction, then waits for
// confirmation.
func (s *ExactSvmScheme) Settle(
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
			Payer:       verifyResp.Payer,
		}, nil
	}

	svmPayload, _ := PayloadFromMap(payload.Payload)
	tx, err := DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ReasonInvalidSvmPayload,
			Network:     requirements.Network,
		}, nil
	}

	if err := s.signer.SignTransaction(ctx, tx); err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       verifyResp.Payer,
		}, nil
	}

	signature, err := s.signer.SendTransaction(ctx, tx)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
			Payer:       verifyResp.Payer,
		}, nil
	}

	if err := s.confirmTransaction(ctx, signature); err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ReasonConfirmationFailed,
			Network:     requirements.Network,
			Payer:       verifyResp.Payer,
			Transaction: signature.String(),
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Network:     requirements.Network,
		Payer:       verifyResp.Payer,
		Transaction: signature.String(),
	}, nil
}

func verifyComputeLimitInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) string {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return ReasonInvalidInstructions
	}
	// discriminator 2 = SetComputeUnitLimit
	if len(inst.Data) < 1 || inst.Data[0] != 2 {
		return ReasonInvalidInstructions
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return ReasonInvalidInstructions
	}
	if _, err := computebudget.DecodeInstruction(accounts, inst.Data); err != nil {
		return ReasonInvalidInstructions
	}
	return ""
}

func verifyComputePriceInstruction(tx *solana.Transaction, inst solana.CompiledInstruction) string {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if !progID.Equals(solana.ComputeBudget) {
		return ReasonInvalidInstructions
	}
	// discriminator 3 = SetComputeUnitPrice
	if len(inst.Data) < 1 || inst.Data[0] != 3 {
		return ReasonInvalidInstructions
	}
	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil {
		return ReasonInvalidInstructions
	}
	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return ReasonInvalidInstructions
	}
	priceInst, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return ReasonInvalidInstructions
	}
	if priceInst.MicroLamports > uint64(MaxComputeUnitPrice*1_000_000) {
		return ReasonComputePriceTooHigh
	}
	return ""
}

// verifyTransferInstruction validates the TransferChecked instruction against
// the requirements and returns the payer (transfer authority) on success.
func (s *ExactSvmScheme) verifyTransferInstruction(
	tx *solana.Transaction,
	inst solana.CompiledInstruction,
	requirements x402.PaymentRequirements,
) (payer string, reason string) {
	progID := tx.Message.AccountKeys[inst.ProgramIDIndex]
	if progID != solana.TokenProgramID && progID != solana.Token2022ProgramID {
		return "", ReasonInvalidInstructions
	}

	accounts, err := inst.ResolveInstructionAccounts(&tx.Message)
	if err != nil || len(accounts) < 4 {
		return "", ReasonInvalidInstructions
	}

	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return "", ReasonInvalidInstructions
	}
	transferChecked, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return "", ReasonInvalidInstructions
	}

	// TransferChecked accounts: [source, mint, destination, authority, ...]
	payer = accounts[3].PublicKey.String()

	// The fee payer must never be the transfer authority, or a malicious
	// payload could drain the facilitator's own token accounts.
	if payer == s.signer.Address().String() {
		return payer, ReasonFeePayerTransferringFunds
	}

	if accounts[1].PublicKey.String() != requirements.Asset {
		return payer, ReasonMintMismatch
	}

	payToPubkey, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return payer, ReasonRecipientMismatch
	}
	mintPubkey, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return payer, ReasonMintMismatch
	}
	expectedDestATA, _, err := solana.FindAssociatedTokenAddress(payToPubkey, mintPubkey)
	if err != nil {
		return payer, ReasonRecipientMismatch
	}
	if !transferChecked.GetDestinationAccount().PublicKey.Equals(expectedDestATA) {
		return payer, ReasonRecipientMismatch
	}

	requiredAmount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return payer, ReasonAmountInsufficient
	}
	if *transferChecked.Amount < requiredAmount {
		return payer, ReasonAmountInsufficient
	}

	return payer, ""
}

// confirmTransaction polls signature status until the transaction confirms,
// fails on-chain, or the attempt budget runs out.
func (s *ExactSvmScheme) confirmTransaction(ctx context.Context, signature solana.Signature) error {
	rpcClient := s.signer.RPC()

	for attempt := 0; attempt < MaxConfirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		statuses, err := rpcClient.GetSignatureStatuses(ctx, true, signature)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed on-chain")
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		time.Sleep(ConfirmRetryDelay)
	}

	return fmt.Errorf("transaction confirmation timed out after %d attempts", MaxConfirmAttempts)
}

func invalid(reason, payer string) *x402.VerifyResponse {
	return &x402.VerifyResponse{
		IsValid:       false,
		InvalidReason: reason,
		Payer:         payer,
	}
}
