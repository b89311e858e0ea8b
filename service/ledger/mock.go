package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a mock implementation of Client for testing.
type MockClient struct {
	mu sync.Mutex

	// Unspent is returned by ListUnspent
	Unspent []UTXO

	// ChainHeight is returned by GetChainHeight
	ChainHeight uint32

	// SpendStatuses maps "txid:vout" to the status GetSpendStatus returns.
	// Missing entries report unspent.
	SpendStatuses map[string]SpendStatus

	// BroadcastTxID is returned by Broadcast on success
	BroadcastTxID string

	// Broadcasts stores every raw transaction submitted
	Broadcasts []string

	// Errors, if set, are returned by the corresponding method
	ListUnspentErr    error
	GetChainHeightErr error
	GetSpendStatusErr error
	BroadcastErr      error
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a new mock ledger client.
func NewMockClient() *MockClient {
	return &MockClient{
		SpendStatuses: make(map[string]SpendStatus),
		BroadcastTxID: "mock-broadcast-txid",
	}
}

// ListUnspent returns the configured unspent outputs.
func (m *MockClient) ListUnspent(ctx context.Context, address string) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListUnspentErr != nil {
		return nil, m.ListUnspentErr
	}
	out := make([]UTXO, len(m.Unspent))
	copy(out, m.Unspent)
	return out, nil
}

// GetChainHeight returns the configured chain height.
func (m *MockClient) GetChainHeight(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetChainHeightErr != nil {
		return 0, m.GetChainHeightErr
	}
	return m.ChainHeight, nil
}

// GetSpendStatus returns the configured spend status for an outpoint.
func (m *MockClient) GetSpendStatus(ctx context.Context, txid string, vout uint32) (*SpendStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetSpendStatusErr != nil {
		return nil, m.GetSpendStatusErr
	}
	status, ok := m.SpendStatuses[fmt.Sprintf("%s:%d", txid, vout)]
	if !ok {
		return &SpendStatus{Spent: false}, nil
	}
	return &status, nil
}

// Broadcast records the raw transaction and returns the configured txid.
func (m *MockClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BroadcastErr != nil {
		return "", m.BroadcastErr
	}
	m.Broadcasts = append(m.Broadcasts, rawHex)
	return m.BroadcastTxID, nil
}

// BroadcastCount returns how many transactions were broadcast.
func (m *MockClient) BroadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Broadcasts)
}
