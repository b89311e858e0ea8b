// Package txbuilder constructs ledger transactions from pool resources and
// application data. Signing is always delegated: the builder computes one
// pre-image digest per input and applies externally produced signatures. It
// never sees a private key.
package txbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/sighash"
	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/signer"
)

// p2pkhUnlockEstimate is the serialized size of a P2PKH unlocking script plus
// its varint length prefix: 73-byte DER signature push + 33-byte compressed
// public key push. Fees must be computed from the size the transaction will
// have after signing, not before.
const p2pkhUnlockEstimate = 107

// BuiltTx is an unsigned transaction together with everything needed to get
// it signed remotely.
type BuiltTx struct {
	Tx      *bt.Tx
	Fee     uint64
	Change  uint64
	Digests []DigestRequest
}

// DigestRequest is the pre-image digest for one input, index-aligned with the
// transaction's inputs.
type DigestRequest struct {
	KeyID  string
	Digest string // hex-encoded double-SHA256 of the sighash pre-image
}

// SignRequests converts the per-input digests into signer requests,
// preserving index alignment.
func (b *BuiltTx) SignRequests() []signer.Request {
	reqs := make([]signer.Request, len(b.Digests))
	for i, d := range b.Digests {
		reqs[i] = signer.Request{KeyID: d.KeyID, Digest: d.Digest}
	}
	return reqs
}

// Builder assembles transactions at a fixed fee rate.
type Builder struct {
	feeRatePerKB uint64
}

// NewBuilder creates a Builder. feeRatePerKB is in satoshis per 1000 bytes.
func NewBuilder(feeRatePerKB uint64) *Builder {
	return &Builder{feeRatePerKB: feeRatePerKB}
}

// feeForSize computes the fee for a serialized size at the configured rate,
// rounded up, with a floor of one satoshi.
func (b *Builder) feeForSize(size int) uint64 {
	fee := (uint64(size)*b.feeRatePerKB + 999) / 1000
	if fee == 0 {
		fee = 1
	}
	return fee
}

// Output is an explicit payment output for split/sweep transactions.
type Output struct {
	Address  string
	Satoshis uint64
}

// Build constructs a transaction spending inputs into one null-data output
// per data chunk, optional explicit payment outputs, and a change output. The
// fee is computed from the transaction's actual serialized size (including
// the estimated unlocking scripts) at the configured rate; because the change
// amount itself is part of the serialization, a second pass re-derives the
// fee after amounts are set before finalizing.
//
// Returns fault.ErrInsufficientFunds when the inputs cannot cover the
// computed fee plus the explicit outputs.
func (b *Builder) Build(inputs []*db.Resource, dataChunks [][]byte, outputs []Output, changeAddress string) (*BuiltTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("transaction requires at least one input")
	}

	tx := bt.NewTx()

	var totalIn uint64
	for _, in := range inputs {
		if err := tx.From(in.TxID, in.Vout, in.LockingScript, in.Amount); err != nil {
			return nil, fmt.Errorf("failed to add input %s: %w", in.Outpoint, err)
		}
		totalIn += in.Amount
	}

	for i, chunk := range dataChunks {
		if err := tx.AddOpReturnOutput(chunk); err != nil {
			return nil, fmt.Errorf("failed to add data output %d: %w", i, err)
		}
	}

	var totalOut uint64
	for _, out := range outputs {
		if err := tx.PayToAddress(out.Address, out.Satoshis); err != nil {
			return nil, fmt.Errorf("failed to add payment output to %s: %w", out.Address, err)
		}
		totalOut += out.Satoshis
	}

	// Change output added with a placeholder amount so the size estimate
	// already includes it; the amount field is fixed-width so correcting it
	// later does not change the size.
	if err := tx.PayToAddress(changeAddress, totalIn); err != nil {
		return nil, fmt.Errorf("failed to add change output: %w", err)
	}
	changeIndex := len(tx.Outputs) - 1

	signedSize := tx.Size() + p2pkhUnlockEstimate*len(inputs)
	fee := b.feeForSize(signedSize)

	if totalIn < totalOut+fee+1 {
		return nil, fmt.Errorf("inputs %d cannot cover outputs %d plus fee %d: %w",
			totalIn, totalOut, fee, fault.ErrInsufficientFunds)
	}
	tx.Outputs[changeIndex].Satoshis = totalIn - totalOut - fee

	// Second, corrected pass: the size is stable now that every output
	// exists, so recomputing catches any drift from the first estimate.
	if corrected := b.feeForSize(tx.Size() + p2pkhUnlockEstimate*len(inputs)); corrected != fee {
		if totalIn < totalOut+corrected+1 {
			return nil, fmt.Errorf("inputs %d cannot cover outputs %d plus corrected fee %d: %w",
				totalIn, totalOut, corrected, fault.ErrInsufficientFunds)
		}
		fee = corrected
		tx.Outputs[changeIndex].Satoshis = totalIn - totalOut - fee
	}

	digests, err := inputDigests(tx, inputs)
	if err != nil {
		return nil, err
	}

	return &BuiltTx{
		Tx:      tx,
		Fee:     fee,
		Change:  tx.Outputs[changeIndex].Satoshis,
		Digests: digests,
	}, nil
}

// inputDigests computes the signature pre-image digest for every input with
// the ledger's standard flags (SIGHASH_ALL | FORKID).
func inputDigests(tx *bt.Tx, inputs []*db.Resource) ([]DigestRequest, error) {
	digests := make([]DigestRequest, len(inputs))
	for i := range inputs {
		preimage, err := tx.CalcInputPreimage(uint32(i), sighash.AllForkID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute pre-image for input %d: %w", i, err)
		}

		first := sha256.Sum256(preimage)
		digest := sha256.Sum256(first[:])

		digests[i] = DigestRequest{
			KeyID:  inputs[i].KeyID,
			Digest: hex.EncodeToString(digest[:]),
		}
	}
	return digests, nil
}

// ApplySignatures installs externally produced signatures as P2PKH unlocking
// scripts. signatures must be index-aligned with the transaction's inputs;
// any length mismatch is rejected outright.
func ApplySignatures(built *BuiltTx, signatures []signer.Signature) error {
	if len(signatures) != len(built.Tx.Inputs) {
		return fmt.Errorf("got %d signatures for %d inputs, index alignment broken",
			len(signatures), len(built.Tx.Inputs))
	}

	for i, sig := range signatures {
		sigBytes, err := hex.DecodeString(sig.Signature)
		if err != nil {
			return fmt.Errorf("invalid signature hex at index %d: %w", i, err)
		}
		pubKeyBytes, err := hex.DecodeString(sig.PublicKey)
		if err != nil {
			return fmt.Errorf("invalid public key hex at index %d: %w", i, err)
		}

		unlockingScript, err := bscript.NewP2PKHUnlockingScript(pubKeyBytes, sigBytes, sighash.AllForkID)
		if err != nil {
			return fmt.Errorf("failed to build unlocking script for input %d: %w", i, err)
		}
		built.Tx.Inputs[i].UnlockingScript = unlockingScript
	}

	return nil
}
