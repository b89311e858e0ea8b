package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ownmark/anchor/service/fault"
)

// OwnershipPointer tracks the current on-chain head of an item's ownership
// chain. One row per uid tag; current_txid is unique because a ledger
// transaction anchors at most one item state.
type OwnershipPointer struct {
	UIDTag       string    `json:"uid_tag"`
	CurrentTxID  string    `json:"current_txid"`
	CurrentOwner string    `json:"current_owner"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const ownershipColumns = "uid_tag, current_txid, current_owner, version, updated_at"

func scanOwnership(row pgx.Row) (*OwnershipPointer, error) {
	var p OwnershipPointer
	err := row.Scan(&p.UIDTag, &p.CurrentTxID, &p.CurrentOwner, &p.Version, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOwnership retrieves the pointer for a uid tag.
func (s *Store) GetOwnership(ctx context.Context, uidTag string) (*OwnershipPointer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ownershipColumns+` FROM ownership_pointers WHERE uid_tag = $1`, uidTag)

	pointer, err := scanOwnership(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ownership pointer for %s: %w", uidTag, err)
	}
	return pointer, nil
}

// ListOwnership retrieves all pointers, most recently updated first.
func (s *Store) ListOwnership(ctx context.Context, limit int32) ([]*OwnershipPointer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ownershipColumns+` FROM ownership_pointers
		ORDER BY updated_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ownership pointers: %w", err)
	}
	defer rows.Close()

	var pointers []*OwnershipPointer
	for rows.Next() {
		p, err := scanOwnership(rows)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, p)
	}
	return pointers, rows.Err()
}

// upsertOwnership creates the pointer on first registration. Re-applying the
// same (uid_tag, txid) pair is a no-op so confirmation retries stay
// idempotent; an existing pointer at a different txid is a conflict.
func upsertOwnership(ctx context.Context, q querier, uidTag, txid, owner string) error {
	tag, err := q.Exec(ctx, `
		INSERT INTO ownership_pointers (uid_tag, current_txid, current_owner)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid_tag) DO NOTHING`,
		uidTag, txid, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ownership pointer for %s: %w", uidTag, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := scanOwnership(q.QueryRow(ctx, `
		SELECT `+ownershipColumns+` FROM ownership_pointers WHERE uid_tag = $1`, uidTag))
	if err != nil {
		return fmt.Errorf("failed to re-read ownership pointer for %s: %w", uidTag, err)
	}
	if existing.CurrentTxID != txid {
		return fmt.Errorf("uid tag %s already registered at %s: %w", uidTag, existing.CurrentTxID, fault.ErrConflict)
	}
	return nil
}

// advanceOwnership moves the pointer forward iff its current txid still equals
// prevTxid. Zero rows affected means another transfer confirmed first.
func advanceOwnership(ctx context.Context, q querier, uidTag, prevTxid, newTxid, newOwner string) error {
	tag, err := q.Exec(ctx, `
		UPDATE ownership_pointers
		SET current_txid = $3, current_owner = $4, version = version + 1, updated_at = now()
		WHERE uid_tag = $1 AND current_txid = $2`,
		uidTag, prevTxid, newTxid, newOwner,
	)
	if err != nil {
		return fmt.Errorf("failed to advance ownership pointer for %s: %w", uidTag, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Re-read to distinguish a lost race from re-applying our own write (a
	// best-effort confirm may have advanced the pointer and then crashed
	// before flipping the record).
	existing, err := scanOwnership(q.QueryRow(ctx, `
		SELECT `+ownershipColumns+` FROM ownership_pointers WHERE uid_tag = $1`, uidTag))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no ownership pointer for %s: %w", uidTag, fault.ErrDataInconsistency)
		}
		return fmt.Errorf("failed to re-read ownership pointer for %s: %w", uidTag, err)
	}
	if existing.CurrentTxID == newTxid {
		return nil
	}
	return fmt.Errorf("ownership pointer for %s moved past %s: %w", uidTag, prevTxid, fault.ErrConflict)
}
