// Package ledger is the typed client for the external ledger-data provider.
// Every response is validated and converted at this boundary; the wire shape
// never leaks into the domain model. Network errors and 5xx responses are
// retried with bounded exponential backoff, 4xx responses surface immediately.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/metrics"
	"github.com/ownmark/anchor/service/retry"
)

// Client is the interface the rest of the system consumes. It allows mocking
// the provider in tests without a live chain backend.
type Client interface {
	// ListUnspent returns the current unspent outputs for an address.
	ListUnspent(ctx context.Context, address string) ([]UTXO, error)

	// GetChainHeight returns the current best-chain height.
	GetChainHeight(ctx context.Context) (uint32, error)

	// GetSpendStatus reports whether a specific output is spent.
	GetSpendStatus(ctx context.Context, txid string, vout uint32) (*SpendStatus, error)

	// Broadcast submits a raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client. If metrics is nil, no metrics are
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

// retryable treats transport failures and 5xx responses as transient.
// 4xx responses are logically impossible operations; retrying them would loop
// forever on something that can never succeed.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var rejected *BroadcastRejectedError
	return !errors.As(err, &rejected)
}

// doJSON performs one HTTP exchange and decodes a JSON body into out.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}

	return nil
}

// call wraps doJSON with the retry combinator and metrics.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, body, out any) error {
	start := time.Now()
	err := retry.Do(ctx, c.policy, c.logger, op, func(ctx context.Context) error {
		return c.doJSON(ctx, method, path, body, out)
	}, retryable)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordProviderCall(op, status, duration)

	if err != nil && retryable(err) {
		// Retries exhausted on a transient failure.
		return fmt.Errorf("%s: %w: %w", op, fault.ErrServiceUnavailable, err)
	}
	return err
}

// ListUnspent returns the current unspent outputs for an address.
func (c *HTTPClient) ListUnspent(ctx context.Context, address string) ([]UTXO, error) {
	var resp listUnspentResponse
	path := "/v1/address/" + url.PathEscape(address) + "/unspent"
	if err := c.call(ctx, "ListUnspent", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	utxos := make([]UTXO, 0, len(resp.UTXOs))
	for i, w := range resp.UTXOs {
		u, err := w.validate()
		if err != nil {
			return nil, fmt.Errorf("invalid utxo at index %d: %w", i, err)
		}
		utxos = append(utxos, u)
	}

	c.logger.DebugContext(ctx, "listed unspent outputs", "address", address, "count", len(utxos))
	return utxos, nil
}

// GetChainHeight returns the current best-chain height.
func (c *HTTPClient) GetChainHeight(ctx context.Context) (uint32, error) {
	var resp chainHeightResponse
	if err := c.call(ctx, "GetChainHeight", http.MethodGet, "/v1/chain/height", nil, &resp); err != nil {
		return 0, err
	}
	if resp.Height == nil || *resp.Height < 0 {
		return 0, fmt.Errorf("provider returned invalid chain height")
	}
	return uint32(*resp.Height), nil
}

// GetSpendStatus reports whether a specific output is spent.
func (c *HTTPClient) GetSpendStatus(ctx context.Context, txid string, vout uint32) (*SpendStatus, error) {
	var resp spendStatusResponse
	path := fmt.Sprintf("/v1/tx/%s/out/%d/status", url.PathEscape(txid), vout)
	if err := c.call(ctx, "GetSpendStatus", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Spent == nil {
		return nil, fmt.Errorf("provider returned spend status without spent field")
	}
	return &SpendStatus{Spent: *resp.Spent, SpendingTxID: resp.SpendingTxID}, nil
}

// Broadcast submits a raw transaction. A 4xx response (for example, an input
// already spent) is converted to BroadcastRejectedError and never retried.
func (c *HTTPClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var resp broadcastResponse
	err := c.call(ctx, "Broadcast", http.MethodPost, "/v1/tx", broadcastRequest{RawHex: rawHex}, &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return "", &BroadcastRejectedError{StatusCode: statusErr.StatusCode, Reason: statusErr.Body}
		}
		return "", err
	}
	if resp.TxID == "" {
		return "", fmt.Errorf("provider returned empty txid for broadcast")
	}

	c.logger.InfoContext(ctx, "broadcast transaction", "txid", resp.TxID)
	return resp.TxID, nil
}

func (w wireUTXO) validate() (UTXO, error) {
	if w.TxID == "" {
		return UTXO{}, fmt.Errorf("missing txid")
	}
	if w.Vout == nil || *w.Vout < 0 {
		return UTXO{}, fmt.Errorf("missing or negative vout")
	}
	if w.Satoshis == nil || *w.Satoshis <= 0 {
		return UTXO{}, fmt.Errorf("missing or non-positive satoshis")
	}
	if w.Script == "" {
		return UTXO{}, fmt.Errorf("missing script")
	}
	if w.Height < 0 {
		return UTXO{}, fmt.Errorf("negative height")
	}
	return UTXO{
		TxID:     w.TxID,
		Vout:     uint32(*w.Vout),
		Satoshis: uint64(*w.Satoshis),
		Script:   w.Script,
		Height:   uint32(w.Height),
	}, nil
}
