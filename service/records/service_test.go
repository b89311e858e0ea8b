package records

import (
	"context"
	"testing"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *db.TestStore, *nats.MockPublisher) {
	t.Helper()

	db.SkipIfNoTestDB(t)
	ts := db.NewTestStore(t)
	t.Cleanup(ts.Close)
	ts.Cleanup(t)

	publisher := nats.NewMockPublisher()
	return NewService(ts.Store, publisher, nil), ts, publisher
}

func TestCreatePending_Validation(t *testing.T) {
	svc := NewService(nil, nil, nil)
	ctx := context.Background()

	_, err := svc.CreatePending(ctx, CreateParams{Kind: db.KindRegistration, NewOwner: "alice"})
	assert.ErrorContains(t, err, "uid tag is required")

	_, err = svc.CreatePending(ctx, CreateParams{UIDTag: "tag-1", Kind: db.KindRegistration})
	assert.ErrorContains(t, err, "new owner is required")

	_, err = svc.CreatePending(ctx, CreateParams{UIDTag: "tag-1", Kind: "UPGRADE", NewOwner: "alice"})
	assert.ErrorContains(t, err, "unknown record kind")
}

func TestCreatePending_Registration(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag:   "tag-1",
		Kind:     db.KindRegistration,
		NewOwner: "alice",
		Payload:  []byte(`{"condition":"new"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusPending, record.Status)
	assert.Nil(t, record.PreviousTxID)
}

func TestCreatePending_TransferResolvesPreviousTxID(t *testing.T) {
	svc, ts, _ := newTestService(t)
	ctx := context.Background()

	registration, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, ts.ConfirmRegistration(ctx, registration, "txid-1"))

	transfer, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindTransfer, NewOwner: "bob",
	})
	require.NoError(t, err)
	require.NotNil(t, transfer.PreviousTxID)
	assert.Equal(t, "txid-1", *transfer.PreviousTxID, "the pointer head fills in the previous txid")
}

func TestCreatePending_TransferOfUnregisteredTag(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreatePending(context.Background(), CreateParams{
		UIDTag: "tag-ghost", Kind: db.KindTransfer, NewOwner: "bob",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.ErrorContains(t, err, "unregistered")
}

func TestMarkConfirmed_PublishesEvent(t *testing.T) {
	svc, _, publisher := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkConfirmed(ctx, record.ID, "txid-1"))

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, record.ID, events[0].PendingID)
	assert.Equal(t, "tag-1", events[0].UIDTag)
	assert.Equal(t, db.PendingStatusConfirmed, events[0].Status)
	require.NotNil(t, events[0].ResultTxID)
	assert.Equal(t, "txid-1", *events[0].ResultTxID)
}

func TestMarkConfirmed_IdempotentSameTxID(t *testing.T) {
	svc, _, publisher := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkConfirmed(ctx, record.ID, "txid-1"))
	require.NoError(t, svc.MarkConfirmed(ctx, record.ID, "txid-1"))

	assert.Len(t, publisher.Events(), 1, "the idempotent re-apply publishes nothing")
}

func TestMarkConfirmed_ConflictOnDifferentTxID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkConfirmed(ctx, record.ID, "txid-1"))

	err = svc.MarkConfirmed(ctx, record.ID, "txid-2")
	assert.ErrorIs(t, err, fault.ErrConflict)
}

func TestMarkConfirmed_TransferConflict(t *testing.T) {
	svc, _, publisher := newTestService(t)
	ctx := context.Background()

	registration, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkConfirmed(ctx, registration.ID, "txid-1"))

	// Both transfers reference txid-1; only one can win.
	winner, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindTransfer, PreviousTxID: strPtr("txid-1"), NewOwner: "bob",
	})
	require.NoError(t, err)
	loser, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindTransfer, PreviousTxID: strPtr("txid-1"), NewOwner: "carol",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkConfirmed(ctx, winner.ID, "txid-2"))
	err = svc.MarkConfirmed(ctx, loser.ID, "txid-3")
	assert.ErrorIs(t, err, fault.ErrConflict)

	// Only the winner produced an event beyond the registration.
	assert.Len(t, publisher.Events(), 2)
}

func TestMarkFailed(t *testing.T) {
	svc, _, publisher := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkFailed(ctx, record.ID, "pool exhausted"))

	fetched, err := svc.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusFailed, fetched.Status)

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, db.PendingStatusFailed, events[0].Status)
	require.NotNil(t, events[0].FailureReason)
	assert.Equal(t, "pool exhausted", *events[0].FailureReason)
}

func TestMarkConfirmed_NilPublisher(t *testing.T) {
	db.SkipIfNoTestDB(t)
	ts := db.NewTestStore(t)
	t.Cleanup(ts.Close)
	ts.Cleanup(t)

	svc := NewService(ts.Store, nil, nil)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkConfirmed(ctx, record.ID, "txid-1"))
}

func TestRecover(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreatePending(ctx, CreateParams{
		UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, record.ID, "boom"))

	recovered, err := svc.Recover(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusPending, recovered.Status)
	assert.Nil(t, recovered.FailureReason)
}

func TestListByStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, tag := range []string{"tag-1", "tag-2"} {
		_, err := svc.CreatePending(ctx, CreateParams{
			UIDTag: tag, Kind: db.KindRegistration, NewOwner: "alice",
		})
		require.NoError(t, err)
	}

	pending, err := svc.ListByStatus(ctx, db.PendingStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Equal(t, "tag-1", pending[0].UIDTag, "oldest first")
}
