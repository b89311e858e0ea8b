package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/ownmark/anchor/service/fault"
)

// Resource statuses. Transitions are unconfirmed→available|spent,
// available→locked, locked→spent|available. Rows are never deleted; a spent
// resource stays as the audit trail of the pool.
const (
	ResourceAvailable   = "available"
	ResourceUnconfirmed = "unconfirmed"
	ResourceLocked      = "locked"
	ResourceSpent       = "spent"
)

// Outpoint identifies a ledger output. Globally unique across the pool.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}

// Resource is a spendable ledger input held by the funding pool.
type Resource struct {
	Outpoint
	Amount        uint64    `json:"amount"`
	LockingScript string    `json:"locking_script"`
	KeyID         string    `json:"key_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InsertResourceParams contains the parameters for registering a new resource.
type InsertResourceParams struct {
	Outpoint
	Amount        uint64
	LockingScript string
	KeyID         string
	Status        string
}

const resourceColumns = "txid, vout, amount, locking_script, key_id, status, created_at, updated_at"

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	var amount int64
	err := row.Scan(&r.TxID, &r.Vout, &amount, &r.LockingScript, &r.KeyID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Amount = uint64(amount)
	return &r, nil
}

func collectResources(rows pgx.Rows) ([]*Resource, error) {
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// InsertResource registers a new spendable output. Returns false without error
// when the outpoint already exists, so reconciliation can re-run safely.
func (s *Store) InsertResource(ctx context.Context, params InsertResourceParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO resources (txid, vout, amount, locking_script, key_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (txid, vout) DO NOTHING`,
		params.TxID, params.Vout, int64(params.Amount), params.LockingScript, params.KeyID, params.Status,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert resource %s: %w", params.Outpoint, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SelectAndLock atomically locks the smallest available resource with
// amount >= minAmount. Best fit keeps large inputs intact for callers that
// actually need them. Returns (nil, nil) when no row qualifies; that is a
// normal outcome, not an error.
func (s *Store) SelectAndLock(ctx context.Context, minAmount uint64) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE resources SET status = 'locked', updated_at = now()
		WHERE (txid, vout) = (
			SELECT txid, vout FROM resources
			WHERE status = 'available' AND amount >= $1
			ORDER BY amount ASC, txid ASC, vout ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+resourceColumns,
		int64(minAmount),
	)

	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select and lock resource: %w", err)
	}
	return resource, nil
}

// selectAndLockLargest locks the single largest available resource.
func (s *Store) selectAndLockLargest(ctx context.Context) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE resources SET status = 'locked', updated_at = now()
		WHERE (txid, vout) = (
			SELECT txid, vout FROM resources
			WHERE status = 'available'
			ORDER BY amount DESC, txid ASC, vout ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+resourceColumns,
	)

	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select and lock resource: %w", err)
	}
	return resource, nil
}

// SelectAndLockMany locks largest-first until the accumulated amount covers
// minTotal+feeBuffer. On starvation every resource taken within this call is
// unlocked before fault.ErrInsufficientFunds surfaces: no partial hold may
// outlive a failed call.
func (s *Store) SelectAndLockMany(ctx context.Context, minTotal, feeBuffer uint64) ([]*Resource, error) {
	target := minTotal + feeBuffer

	var locked []*Resource
	var total uint64

	for total < target {
		resource, err := s.selectAndLockLargest(ctx)
		if err == nil && resource == nil {
			err = fmt.Errorf("pool exhausted at %d of %d satoshis: %w", total, target, fault.ErrInsufficientFunds)
		}
		if err != nil {
			if unlockErr := s.UnlockMany(ctx, Outpoints(locked)); unlockErr != nil {
				s.logger.ErrorContext(ctx, "failed to release partial hold; reaper will recover",
					"count", len(locked),
					"error", unlockErr,
				)
			}
			return nil, err
		}

		locked = append(locked, resource)
		total += resource.Amount
	}

	return locked, nil
}

// SpendMany transitions locked resources to spent. Used after a successful
// broadcast; the batch form keeps a multi-input spend to one statement.
func (s *Store) SpendMany(ctx context.Context, outs []Outpoint) error {
	return s.transitionLocked(ctx, outs, ResourceSpent)
}

// UnlockMany transitions locked resources back to available. This is the
// compensating action for any failure after a successful lock.
func (s *Store) UnlockMany(ctx context.Context, outs []Outpoint) error {
	return s.transitionLocked(ctx, outs, ResourceAvailable)
}

func (s *Store) transitionLocked(ctx context.Context, outs []Outpoint, to string) error {
	if len(outs) == 0 {
		return nil
	}

	txids, vouts := splitOutpoints(outs)
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources r SET status = $3, updated_at = now()
		FROM (SELECT unnest($1::text[]) AS txid, unnest($2::int[]) AS vout) o
		WHERE r.txid = o.txid AND r.vout = o.vout AND r.status = 'locked'`,
		txids, vouts, to,
	)
	if err != nil {
		return fmt.Errorf("failed to transition %d locked resources to %s: %w", len(outs), to, err)
	}

	if int(tag.RowsAffected()) != len(outs) {
		// Some rows were not in locked state. The reaper may have raced us;
		// log rather than fail since the terminal state is what matters.
		s.logger.WarnContext(ctx, "locked transition affected fewer rows than requested",
			"requested", len(outs),
			"affected", tag.RowsAffected(),
			"to", to,
		)
	}

	return nil
}

// ReapOrphans converts locked rows older than olderThan back to available, at
// most limit rows per call. This is the only mechanism that recovers resources
// held by a crashed process. Idempotent and safe to run concurrently with
// normal traffic: SKIP LOCKED means it never stalls a live lock holder.
func (s *Store) ReapOrphans(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	tag, err := s.pool.Exec(ctx, `
		UPDATE resources SET status = 'available', updated_at = now()
		WHERE (txid, vout) IN (
			SELECT txid, vout FROM resources
			WHERE status = 'locked' AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap orphaned locks: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// LockDust atomically locks every available resource below threshold and
// returns the set. Used by the dust sweep so consolidation never races with
// SelectAndLock callers.
func (s *Store) LockDust(ctx context.Context, threshold uint64) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE resources SET status = 'locked', updated_at = now()
		WHERE (txid, vout) IN (
			SELECT txid, vout FROM resources
			WHERE status = 'available' AND amount < $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+resourceColumns,
		int64(threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock dust resources: %w", err)
	}

	return collectResources(rows)
}

// MarkSpentByOutpoints marks the given resources spent regardless of their
// local non-terminal status. Reconciliation uses this when the ledger says an
// output is gone: the ledger, not the local store, answers "is this spent".
func (s *Store) MarkSpentByOutpoints(ctx context.Context, outs []Outpoint) (int, error) {
	if len(outs) == 0 {
		return 0, nil
	}

	txids, vouts := splitOutpoints(outs)
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources r SET status = 'spent', updated_at = now()
		FROM (SELECT unnest($1::text[]) AS txid, unnest($2::int[]) AS vout) o
		WHERE r.txid = o.txid AND r.vout = o.vout AND r.status <> 'spent'`,
		txids, vouts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark resources spent: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// PromoteResources transitions unconfirmed resources to available once their
// confirmation threshold is met.
func (s *Store) PromoteResources(ctx context.Context, outs []Outpoint) (int, error) {
	if len(outs) == 0 {
		return 0, nil
	}

	txids, vouts := splitOutpoints(outs)
	tag, err := s.pool.Exec(ctx, `
		UPDATE resources r SET status = 'available', updated_at = now()
		FROM (SELECT unnest($1::text[]) AS txid, unnest($2::int[]) AS vout) o
		WHERE r.txid = o.txid AND r.vout = o.vout AND r.status = 'unconfirmed'`,
		txids, vouts,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to promote resources: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// GetResource retrieves a resource by outpoint.
func (s *Store) GetResource(ctx context.Context, out Outpoint) (*Resource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM resources WHERE txid = $1 AND vout = $2`,
		out.TxID, out.Vout,
	)

	resource, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", out, err)
	}
	return resource, nil
}

// ListResourcesByStatus retrieves all resources in the given status,
// largest first.
func (s *Store) ListResourcesByStatus(ctx context.Context, status string) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE status = $1
		ORDER BY amount DESC, txid ASC, vout ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	return collectResources(rows)
}

// ListUnspentResources retrieves every resource the pool still considers live
// (available, unconfirmed, or locked), keyed for reconciliation.
func (s *Store) ListUnspentResources(ctx context.Context) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE status <> 'spent'
		ORDER BY txid ASC, vout ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unspent resources: %w", err)
	}

	return collectResources(rows)
}

// PoolCounts summarizes the pool by status plus the available-dust count.
type PoolCounts struct {
	Available   int `json:"available"`
	Unconfirmed int `json:"unconfirmed"`
	Locked      int `json:"locked"`
	Spent       int `json:"spent"`
	Dust        int `json:"dust"`
}

// CountPool returns pool counts. Dust counts available rows below threshold.
func (s *Store) CountPool(ctx context.Context, dustThreshold uint64) (*PoolCounts, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'available'),
			count(*) FILTER (WHERE status = 'unconfirmed'),
			count(*) FILTER (WHERE status = 'locked'),
			count(*) FILTER (WHERE status = 'spent'),
			count(*) FILTER (WHERE status = 'available' AND amount < $1)
		FROM resources`,
		int64(dustThreshold),
	)

	var counts PoolCounts
	if err := row.Scan(&counts.Available, &counts.Unconfirmed, &counts.Locked, &counts.Spent, &counts.Dust); err != nil {
		return nil, fmt.Errorf("failed to count pool: %w", err)
	}
	return &counts, nil
}

func Outpoints(resources []*Resource) []Outpoint {
	outs := make([]Outpoint, len(resources))
	for i, r := range resources {
		outs[i] = r.Outpoint
	}
	return outs
}

func splitOutpoints(outs []Outpoint) ([]string, []int32) {
	txids := make([]string, len(outs))
	vouts := make([]int32, len(outs))
	for i, o := range outs {
		txids[i] = o.TxID
		vouts[i] = int32(o.Vout)
	}
	return txids, vouts
}
