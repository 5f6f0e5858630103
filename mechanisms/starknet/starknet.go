// Package starknet implements the exact scheme for Starknet networks.
//
// Unlike the EVM and SVM mechanisms, the facilitator does not submit
// Starknet transactions itself: the signed typed data is forwarded to an
// external paymaster service that sponsors execution and returns the
// transaction hash.
package starknet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402-foundation/x402-facilitator"
)

const (
	// SchemeExact is the exact payment scheme identifier.
	SchemeExact = "exact"

	// CaipFamily is the CAIP-2 wildcard for Starknet networks.
	CaipFamily = "starknet:*"

	// StarknetMainnetCAIP2 and StarknetSepoliaCAIP2 are the supported
	// network identifiers.
	StarknetMainnetCAIP2 = "starknet:SN_MAIN"
	StarknetSepoliaCAIP2 = "starknet:SN_SEPOLIA"
)

// Verification failure reasons.
const (
	ReasonInvalidStarknetPayload = "invalid_starknet_payload"
	ReasonPaymasterRejected      = "paymaster_rejected"
)

// NetworkNameAliases maps human network names to CAIP-2 identifiers.
var NetworkNameAliases = map[string]string{
	"starknet":         StarknetMainnetCAIP2,
	"starknet-sepolia": StarknetSepoliaCAIP2,
}

// ExactPayload is the scheme payload: the SNIP-12 typed data the payer
// signed and the signature felts.
type ExactPayload struct {
	TypedData map[string]interface{} `json:"typedData"`
	Signature []string               `json:"signature"`
}

// PayloadFromMap parses the generic payload map.
func PayloadFromMap(m map[string]interface{}) (*ExactPayload, error) {
	typedData, ok := m["typedData"].(map[string]interface{})
	if !ok || len(typedData) == 0 {
		return nil, fmt.Errorf("missing typedData")
	}
	rawSig, ok := m["signature"].([]interface{})
	if !ok || len(rawSig) == 0 {
		return nil, fmt.Errorf("missing signature")
	}
	signature := make([]string, 0, len(rawSig))
	for _, felt := range rawSig {
		s, ok := felt.(string)
		if !ok {
			return nil, fmt.Errorf("signature felts must be strings")
		}
		signature = append(signature, s)
	}
	return &ExactPayload{TypedData: typedData, Signature: signature}, nil
}

// Paymaster executes sponsored typed-data transfers. ValidateTransfer checks
// the signature and transfer parameters without executing; ExecuteTransfer
// submits and returns the transaction hash.
type Paymaster interface {
	ValidateTransfer(ctx context.Context, req PaymasterRequest) error
	ExecuteTransfer(ctx context.Context, req PaymasterRequest) (string, error)
}

// PaymasterRequest is the transfer forwarded to the paymaster service.
type PaymasterRequest struct {
	Network   string                 `json:"network"`
	TypedData map[string]interface{} `json:"typedData"`
	Signature []string               `json:"signature"`
	Asset     string                 `json:"asset"`
	Amount    string                 `json:"amount"`
	PayTo     string                 `json:"payTo"`
}

// HTTPPaymaster talks to a paymaster service over HTTP.
type HTTPPaymaster struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPPaymaster creates a paymaster client. apiKey may be empty for
// unauthenticated endpoints.
func NewHTTPPaymaster(url, apiKey string) (*HTTPPaymaster, error) {
	if url == "" {
		return nil, fmt.Errorf("paymaster URL is required")
	}
	return &HTTPPaymaster{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *HTTPPaymaster) ValidateTransfer(ctx context.Context, req PaymasterRequest) error {
	_, err := p.post(ctx, "/transfer/validate", req)
	return err
}

func (p *HTTPPaymaster) ExecuteTransfer(ctx context.Context, req PaymasterRequest) (string, error) {
	body, err := p.post(ctx, "/transfer/execute", req)
	if err != nil {
		return "", err
	}
	var result struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("malformed paymaster response: %w", err)
	}
	if result.TransactionHash == "" {
		return "", fmt.Errorf("paymaster returned no transaction hash")
	}
	return result.TransactionHash, nil
}

func (p *HTTPPaymaster) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal paymaster request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paymaster request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read paymaster response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("paymaster returned %d: %s", resp.StatusCode, respBody)
	}
	return respBody, nil
}

// ExactStarknetScheme delegates verification and settlement to the paymaster.
type ExactStarknetScheme struct {
	paymaster Paymaster
	signers   []string
}

// NewExactStarknetScheme creates the scheme. signers lists the sponsor
// account addresses the paymaster executes with, for the supported response.
func NewExactStarknetScheme(paymaster Paymaster, signers []string) *ExactStarknetScheme {
	return &ExactStarknetScheme{paymaster: paymaster, signers: signers}
}

func (s *ExactStarknetScheme) Scheme() string { return SchemeExact }

func (s *ExactStarknetScheme) CaipFamily() string { return CaipFamily }

func (s *ExactStarknetScheme) GetExtra(_ x402.Network) map[string]interface{} { return nil }

func (s *ExactStarknetScheme) GetSigners(_ x402.Network) []string { return s.signers }

// Verify performs structural checks locally and defers signature validation
// to the paymaster.
func (s *ExactStarknetScheme) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if payload.Accepted.Scheme != requirements.Scheme {
		return invalid(x402.ReasonSchemeMismatch), nil
	}
	if !payload.Accepted.Network.Match(requirements.Network) {
		return invalid(x402.ReasonNetworkMismatch), nil
	}

	parsed, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ReasonInvalidStarknetPayload), nil
	}

	if err := s.paymaster.ValidateTransfer(ctx, s.paymasterRequest(parsed, requirements)); err != nil {
		return invalid(ReasonPaymasterRejected), nil
	}

	return &x402.VerifyResponse{IsValid: true}, nil
}

// Settle forwards the transfer to the paymaster and reports its receipt.
func (s *ExactStarknetScheme) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
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

	parsed, _ := PayloadFromMap(payload.Payload)
	txHash, err := s.paymaster.ExecuteTransfer(ctx, s.paymasterRequest(parsed, requirements))
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: x402.ReasonTransactionFailed,
			Network:     requirements.Network,
		}, nil
	}

	return &x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
	}, nil
}

func (s *ExactStarknetScheme) paymasterRequest(payload *ExactPayload, requirements x402.PaymentRequirements) PaymasterRequest {
	return PaymasterRequest{
		Network:   string(requirements.Network),
		TypedData: payload.TypedData,
		Signature: payload.Signature,
		Asset:     requirements.Asset,
		Amount:    requirements.Amount,
		PayTo:     requirements.PayTo,
	}
}

func invalid(reason string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}
