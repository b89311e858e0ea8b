// Package fault defines the error taxonomy shared by every service layer.
// The sentinels are dependency-free so that stores, clients, and workflows can
// all classify failures with errors.Is without import cycles.
package fault

import "errors"

var (
	// ErrInsufficientFunds means no combination of available resources can
	// cover the requested amount plus fees. Caller-visible, never auto-retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrServiceUnavailable means an external dependency (signer or ledger
	// provider) exhausted its retry budget. Job-level retry may try again later.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrConflict means an optimistic-concurrency check on the ownership chain
	// failed. State must be re-read before any retry.
	ErrConflict = errors.New("ownership conflict")

	// ErrLockNotAcquired means a distributed lease was lost mid-operation:
	// the guarded work was canceled because mutual exclusion could no longer
	// be guaranteed.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrDataInconsistency means a confirmed record references chain state that
	// the ledger does not corroborate. Requires operator attention.
	ErrDataInconsistency = errors.New("data inconsistency")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
