package signer

import (
	"context"
	"sync"
)

// Mock signature material: a syntactically valid DER signature and compressed
// public key, hex-encoded. Good enough to build unlocking scripts in tests.
const (
	MockSignatureHex = "3045022100e1649ea9c4a2f0c0e318a3a94aee7e1df74c13c28a1a25bc32856b35a7cb1d1d02202bd19df9cfeb04b46bbb7b5e0e9a1e2788371bc5f1701d1d2f1d22252ac4a9be"
	MockPublicKeyHex = "02b4632d08485ff1df2db55b9dafd23347d1c47a457072a1e87be26896549a8737"
)

// MockClient is a mock implementation of Client for testing.
type MockClient struct {
	mu sync.Mutex

	// Requests stores every batch submitted for signing
	Requests [][]Request

	// SignErr, if set, is returned by Sign
	SignErr error

	// ShortResponse, if true, returns one fewer signature than requested to
	// exercise alignment checks downstream.
	ShortResponse bool
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a new mock signer client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Sign records the requests and returns one mock signature per request.
func (m *MockClient) Sign(ctx context.Context, requests []Request) ([]Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SignErr != nil {
		return nil, m.SignErr
	}

	m.Requests = append(m.Requests, requests)

	n := len(requests)
	if m.ShortResponse && n > 0 {
		n--
	}

	signatures := make([]Signature, n)
	for i := range signatures {
		signatures[i] = Signature{
			Signature: MockSignatureHex,
			PublicKey: MockPublicKeyHex,
		}
	}
	return signatures, nil
}

// SignCount returns how many batches were submitted.
func (m *MockClient) SignCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
