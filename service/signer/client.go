// Package signer is the typed client for the external signing service. The
// core never holds private key material: it submits pre-image digests tagged
// with key identifiers and receives signatures back.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/metrics"
	"github.com/ownmark/anchor/service/retry"
)

// Request asks for one signature over a pre-image digest.
type Request struct {
	KeyID  string `json:"key_id"`
	Digest string `json:"digest"` // hex-encoded
}

// Signature is one signing result. The response array is strictly
// index-aligned with the request array; that correspondence is a hard
// invariant enforced in Sign, not a convention.
type Signature struct {
	Signature string `json:"signature"`  // hex-encoded DER
	PublicKey string `json:"public_key"` // hex-encoded compressed public key
}

// Client is the interface the transaction pipeline consumes.
type Client interface {
	Sign(ctx context.Context, requests []Request) ([]Signature, error)
}

type signRequest struct {
	Requests []Request `json:"requests"`
}

type signResponse struct {
	Signatures []Signature `json:"signatures"`
}

// statusError is a non-2xx signer response.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("signer returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient implements Client against the signer's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a signer client. If metrics is nil, no metrics are
// recorded.
func NewHTTPClient(baseURL string, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		policy:  retry.DefaultPolicy,
		logger:  logger,
		metrics: m,
	}
}

func retryable(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}

// Sign submits the digests and returns the signatures, index-aligned with the
// requests. A response whose length differs from the request is rejected at
// this boundary: applying misaligned signatures would build a transaction
// that can never validate.
func (c *HTTPClient) Sign(ctx context.Context, requests []Request) ([]Signature, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("no signing requests")
	}

	var resp signResponse
	start := time.Now()
	err := retry.Do(ctx, c.policy, c.logger, "Sign", func(ctx context.Context) error {
		return c.doSign(ctx, signRequest{Requests: requests}, &resp)
	}, retryable)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordSignerCall(status, duration)

	if err != nil {
		if retryable(err) {
			return nil, fmt.Errorf("sign: %w: %w", fault.ErrServiceUnavailable, err)
		}
		return nil, err
	}

	if len(resp.Signatures) != len(requests) {
		return nil, fmt.Errorf("signer returned %d signatures for %d requests, index alignment broken",
			len(resp.Signatures), len(requests))
	}
	for i, sig := range resp.Signatures {
		if sig.Signature == "" || sig.PublicKey == "" {
			return nil, fmt.Errorf("signer returned incomplete signature at index %d", i)
		}
	}

	c.logger.DebugContext(ctx, "signed digests", "count", len(resp.Signatures))
	return resp.Signatures, nil
}

func (c *HTTPClient) doSign(ctx context.Context, body signRequest, out *signResponse) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("signer request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read signer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode signer response: %w", err)
	}

	return nil
}
