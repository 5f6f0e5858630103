package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	x402 "github.com/x402-foundation/x402-facilitator"
)

// getSupportedRetries is the number of retry attempts for GetSupported on
// 429 rate limit responses.
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff.
const getSupportedRetryBaseDelay = 1 * time.Second

// defaultSupportedCacheTTL bounds how long a GetSupported result is reused.
const defaultSupportedCacheTTL = 5 * time.Minute

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers per facilitator endpoint.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client.
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional).
	AuthProvider AuthProvider

	// Timeout for requests. Defaults to 30s.
	Timeout time.Duration

	// SupportedCacheTTL bounds the GetSupported cache. Defaults to 5m;
	// negative disables caching.
	SupportedCacheTTL time.Duration
}

// HTTPFacilitatorClient talks to a remote facilitator over HTTP.
// Implements x402.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	cacheTTL     time.Duration

	mu          sync.Mutex
	supported   *x402.SupportedResponse
	supportedAt time.Time
}

// NewHTTPFacilitatorClient creates a client from config. A nil config is an
// error: there is no default public facilitator for this deployment model.
func NewHTTPFacilitatorClient(config *FacilitatorConfig) (*HTTPFacilitatorClient, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("facilitator URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	cacheTTL := config.SupportedCacheTTL
	if cacheTTL == 0 {
		cacheTTL = defaultSupportedCacheTTL
	}

	return &HTTPFacilitatorClient{
		url:          config.URL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		cacheTTL:     cacheTTL,
	}, nil
}

// Verify checks a payment against requirements via POST /verify.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body := x402.VerifyRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var response x402.VerifyResponse
	headers := c.authHeaders(ctx, func(h AuthHeaders) map[string]string { return h.Verify })
	if err := c.post(ctx, "/verify", body, headers, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle executes a payment via POST /settle.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body := x402.SettleRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var response x402.SettleResponse
	headers := c.authHeaders(ctx, func(h AuthHeaders) map[string]string { return h.Settle })
	if err := c.post(ctx, "/settle", body, headers, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetSupported fetches the facilitator's capability advertisement, retrying
// on 429 with exponential backoff. Results are cached for the configured TTL.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	c.mu.Lock()
	if c.supported != nil && c.cacheTTL > 0 && time.Since(c.supportedAt) < c.cacheTTL {
		cached := *c.supported
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	headers := c.authHeaders(ctx, func(h AuthHeaders) map[string]string { return h.Supported })

	var lastErr error
	for attempt := 0; attempt <= getSupportedRetries; attempt++ {
		if attempt > 0 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		var response x402.SupportedResponse
		status, err := c.get(ctx, "/supported", headers, &response)
		if err == nil && status == http.StatusOK {
			c.mu.Lock()
			c.supported = &response
			c.supportedAt = time.Now()
			c.mu.Unlock()
			return response, nil
		}
		if status == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("facilitator rate limited (429)")
			continue
		}
		if err != nil {
			return x402.SupportedResponse{}, err
		}
		return x402.SupportedResponse{}, fmt.Errorf("unexpected status %d from /supported", status)
	}
	return x402.SupportedResponse{}, fmt.Errorf("get supported failed after %d retries: %w", getSupportedRetries, lastErr)
}

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, body interface{}, headers map[string]string, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, out)
}

func (c *HTTPFacilitatorClient) get(ctx context.Context, path string, headers map[string]string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, json.Unmarshal(respBody, out)
}

func (c *HTTPFacilitatorClient) authHeaders(ctx context.Context, pick func(AuthHeaders) map[string]string) map[string]string {
	if c.authProvider == nil {
		return nil
	}
	headers, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return nil
	}
	return pick(headers)
}

// ============================================================================
// Local client
// ============================================================================

// LocalFacilitatorClient adapts an in-process Facilitator to the
// FacilitatorClient interface so the middleware can run without a network
// hop.
type LocalFacilitatorClient struct {
	facilitator *x402.Facilitator
}

// NewLocalFacilitatorClient wraps a facilitator.
func NewLocalFacilitatorClient(facilitator *x402.Facilitator) *LocalFacilitatorClient {
	return &LocalFacilitatorClient{facilitator: facilitator}
}

func (c *LocalFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	resp, err := c.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LocalFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	resp, err := c.facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LocalFacilitatorClient) GetSupported(_ context.Context) (x402.SupportedResponse, error) {
	return c.facilitator.GetSupported(), nil
}
