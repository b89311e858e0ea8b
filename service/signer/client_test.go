package signer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewHTTPClient(server.URL, 5*time.Second, nil, nil)
	client.policy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return client
}

func TestSign(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sign", r.URL.Path)

		var req signRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Requests, 2)
		assert.Equal(t, "key-1", req.Requests[0].KeyID)

		json.NewEncoder(w).Encode(signResponse{Signatures: []Signature{
			{Signature: "3044aa", PublicKey: "02bb"},
			{Signature: "3044cc", PublicKey: "02dd"},
		}})
	}))

	sigs, err := client.Sign(context.Background(), []Request{
		{KeyID: "key-1", Digest: "aa"},
		{KeyID: "key-1", Digest: "bb"},
	})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "3044aa", sigs[0].Signature)
	assert.Equal(t, "02dd", sigs[1].PublicKey)
}

func TestSign_EmptyRequests(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be sent")
	}))

	_, err := client.Sign(context.Background(), nil)
	assert.Error(t, err)
}

func TestSign_LengthMismatchRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signResponse{Signatures: []Signature{
			{Signature: "3044aa", PublicKey: "02bb"},
		}})
	}))

	_, err := client.Sign(context.Background(), []Request{
		{KeyID: "key-1", Digest: "aa"},
		{KeyID: "key-1", Digest: "bb"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index alignment broken")
}

func TestSign_IncompleteSignatureRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signResponse{Signatures: []Signature{
			{Signature: "3044aa", PublicKey: ""},
		}})
	}))

	_, err := client.Sign(context.Background(), []Request{{KeyID: "key-1", Digest: "aa"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete signature at index 0")
}

func TestSign_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown key id", http.StatusBadRequest)
	}))

	_, err := client.Sign(context.Background(), []Request{{KeyID: "nope", Digest: "aa"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, fault.ErrServiceUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSign_ServerErrorRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "hsm busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(signResponse{Signatures: []Signature{
			{Signature: "3044aa", PublicKey: "02bb"},
		}})
	}))

	sigs, err := client.Sign(context.Background(), []Request{{KeyID: "key-1", Digest: "aa"}})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSign_ExhaustedRetriesWrapServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "hsm down", http.StatusInternalServerError)
	}))

	_, err := client.Sign(context.Background(), []Request{{KeyID: "key-1", Digest: "aa"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrServiceUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}
