package ledger

import "fmt"

// UTXO is an unspent output reported by the ledger-data provider for an
// address, already validated and converted from the wire shape.
type UTXO struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Satoshis uint64 `json:"satoshis"`
	Script   string `json:"script"`
	Height   uint32 `json:"height"` // 0 while unconfirmed
}

// SpendStatus reports whether a specific output has been spent on chain.
type SpendStatus struct {
	Spent        bool    `json:"spent"`
	SpendingTxID *string `json:"spending_txid,omitempty"`
}

// StatusError is a non-2xx response from the provider. 5xx values are
// retryable; 4xx values are logically impossible operations and never are.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether this status may succeed on retry.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// BroadcastRejectedError is a 4xx rejection of a submitted transaction, e.g.
// an input already spent. Surfaced immediately, never retried.
type BroadcastRejectedError struct {
	StatusCode int
	Reason     string
}

func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected (%d): %s", e.StatusCode, e.Reason)
}

// wire shapes, decoded then converted at the boundary

type listUnspentResponse struct {
	UTXOs []wireUTXO `json:"utxos"`
}

type wireUTXO struct {
	TxID     string `json:"txid"`
	Vout     *int64 `json:"vout"`
	Satoshis *int64 `json:"satoshis"`
	Script   string `json:"script"`
	Height   int64  `json:"height"`
}

type chainHeightResponse struct {
	Height *int64 `json:"height"`
}

type spendStatusResponse struct {
	Spent        *bool   `json:"spent"`
	SpendingTxID *string `json:"spending_txid"`
}

type broadcastRequest struct {
	RawHex string `json:"raw_hex"`
}

type broadcastResponse struct {
	TxID string `json:"txid"`
}
