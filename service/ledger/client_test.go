package ledger

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
	// Short intervals keep the retry paths fast under test.
	client.policy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return client
}

func TestListUnspent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/address/addr-1/unspent", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"utxos": []map[string]any{
				{"txid": "aa", "vout": 0, "satoshis": 20000, "script": "76a914", "height": 100},
				{"txid": "bb", "vout": 2, "satoshis": 500, "script": "76a914", "height": 0},
			},
		})
	}))

	utxos, err := client.ListUnspent(context.Background(), "addr-1")
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, UTXO{TxID: "aa", Vout: 0, Satoshis: 20000, Script: "76a914", Height: 100}, utxos[0])
	assert.Equal(t, uint32(0), utxos[1].Height, "unconfirmed outputs report height zero")
}

func TestListUnspent_RejectsInvalidUTXO(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"utxos": []map[string]any{
				{"txid": "aa", "vout": 0, "satoshis": -5, "script": "76a914", "height": 100},
			},
		})
	}))

	_, err := client.ListUnspent(context.Background(), "addr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid utxo at index 0")
}

func TestGetChainHeight(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chain/height", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"height": 850_000})
	}))

	height, err := client.GetChainHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(850_000), height)
}

func TestGetChainHeight_MissingField(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))

	_, err := client.GetChainHeight(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chain height")
}

func TestGetSpendStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tx/aa/out/3/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"spent": true, "spending_txid": "bb"})
	}))

	status, err := client.GetSpendStatus(context.Background(), "aa", 3)
	require.NoError(t, err)
	assert.True(t, status.Spent)
	require.NotNil(t, status.SpendingTxID)
	assert.Equal(t, "bb", *status.SpendingTxID)
}

func TestGetSpendStatus_MissingSpentField(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"spending_txid":"bb"}`))
	}))

	_, err := client.GetSpendStatus(context.Background(), "aa", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spent field")
}

func TestBroadcast(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tx", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "0100beef", req["raw_hex"])

		json.NewEncoder(w).Encode(map[string]string{"txid": "txid-1"})
	}))

	txid, err := client.Broadcast(context.Background(), "0100beef")
	require.NoError(t, err)
	assert.Equal(t, "txid-1", txid)
}

func TestBroadcast_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "input already spent", http.StatusUnprocessableEntity)
	}))

	_, err := client.Broadcast(context.Background(), "0100beef")
	require.Error(t, err)

	var rejected *BroadcastRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Contains(t, rejected.Reason, "input already spent")
	assert.Equal(t, int32(1), calls.Load(), "4xx rejections must not be retried")
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"height": 100})
	}))

	height, err := client.GetChainHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(100), height)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCall_ExhaustedRetriesWrapServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusInternalServerError)
	}))

	_, err := client.GetChainHeight(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrServiceUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCall_ClientErrorsSurfaceImmediately(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such address", http.StatusNotFound)
	}))

	_, err := client.ListUnspent(context.Background(), "addr-1")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.NotErrorIs(t, err, fault.ErrServiceUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
