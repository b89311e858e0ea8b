package anchor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ownmark/anchor/service/db"
	"github.com/ownmark/anchor/service/fault"
	"github.com/ownmark/anchor/service/ledger"
	"github.com/ownmark/anchor/service/nats"
	"github.com/ownmark/anchor/service/records"
	"github.com/ownmark/anchor/service/signer"
	"github.com/ownmark/anchor/service/txbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	testScript  = "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac"
)

type testHarness struct {
	service   *Service
	records   *records.Service
	store     *db.TestStore
	ledger    *ledger.MockClient
	signer    *signer.MockClient
	publisher *nats.MockPublisher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db.SkipIfNoTestDB(t)
	ts := db.NewTestStore(t)
	t.Cleanup(ts.Close)
	ts.Cleanup(t)

	publisher := nats.NewMockPublisher()
	recordService := records.NewService(ts.Store, publisher, nil)
	ledgerClient := ledger.NewMockClient()
	signerClient := signer.NewMockClient()

	service := NewService(ts.Store, recordService, ledgerClient, signerClient,
		txbuilder.NewBuilder(500), Config{FundingAddress: testAddress, FeeBuffer: 1_000}, nil, nil)

	return &testHarness{
		service:   service,
		records:   recordService,
		store:     ts,
		ledger:    ledgerClient,
		signer:    signerClient,
		publisher: publisher,
	}
}

func (h *testHarness) fundPool(t *testing.T, txidByte string, amount uint64) db.Outpoint {
	t.Helper()

	out := db.Outpoint{TxID: strings.Repeat(txidByte, 32), Vout: 0}
	inserted, err := h.store.InsertResource(context.Background(), db.InsertResourceParams{
		Outpoint:      out,
		Amount:        amount,
		LockingScript: testScript,
		KeyID:         "funding-key-1",
		Status:        db.ResourceAvailable,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return out
}

func (h *testHarness) createRecord(t *testing.T, kind, uidTag string, previousTxID *string) *db.PendingRecord {
	t.Helper()

	record, err := h.records.CreatePending(context.Background(), records.CreateParams{
		UIDTag:       uidTag,
		Kind:         kind,
		PreviousTxID: previousTxID,
		NewOwner:     "alice",
		Payload:      []byte(`{"condition":"new"}`),
	})
	require.NoError(t, err)
	return record
}

func strPtr(s string) *string { return &s }

func TestAnchor_Registration(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	input := h.fundPool(t, "aa", 50_000)
	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)

	result, err := h.service.Anchor(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "mock-broadcast-txid", result.TxID)
	assert.Equal(t, 1, result.Inputs)
	assert.Greater(t, result.Fee, uint64(0))
	assert.Equal(t, 1, h.signer.SignCount())
	assert.Equal(t, 1, h.ledger.BroadcastCount())

	// Record confirmed and pointer created.
	confirmed, err := h.records.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusConfirmed, confirmed.Status)

	pointer, err := h.store.GetOwnership(ctx, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, result.TxID, pointer.CurrentTxID)
	assert.Equal(t, "alice", pointer.CurrentOwner)

	// The funding input is spent and change returned as unconfirmed.
	spent, err := h.store.GetResource(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, db.ResourceSpent, spent.Status)

	change, err := h.store.GetResource(ctx, db.Outpoint{TxID: result.TxID, Vout: 2})
	require.NoError(t, err)
	assert.Equal(t, db.ResourceUnconfirmed, change.Status)
	assert.Equal(t, "funding-key-1", change.KeyID)

	// The confirmed event went out.
	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, db.PendingStatusConfirmed, events[0].Status)
}

func TestAnchor_ReanchorReturnsExistingTxID(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.fundPool(t, "aa", 50_000)
	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)

	first, err := h.service.Anchor(ctx, record.ID)
	require.NoError(t, err)

	// A queue redelivery builds nothing and reuses the confirmed txid.
	second, err := h.service.Anchor(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TxID, second.TxID)
	assert.Equal(t, 1, h.ledger.BroadcastCount())
	assert.Equal(t, 1, h.signer.SignCount())
}

func TestAnchor_FailedRecordRequiresRecovery(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)
	require.NoError(t, h.records.MarkFailed(ctx, record.ID, "boom"))

	_, err := h.service.Anchor(ctx, record.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be recovered")
}

func TestAnchor_UnknownRecord(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.Anchor(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestAnchor_PoolExhausted(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)

	_, err := h.service.Anchor(ctx, record.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrInsufficientFunds)

	// Transient: the record stays pending for a retry.
	fetched, err := h.records.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusPending, fetched.Status)
}

func TestAnchor_SignFailureReleasesInputs(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	input := h.fundPool(t, "aa", 50_000)
	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)
	h.signer.SignErr = assert.AnError

	_, err := h.service.Anchor(ctx, record.ID)
	require.Error(t, err)
	assert.Zero(t, h.ledger.BroadcastCount())

	released, err := h.store.GetResource(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, db.ResourceAvailable, released.Status)

	fetched, err := h.records.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusPending, fetched.Status)
}

func TestAnchor_BroadcastRejectionParksRecord(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	input := h.fundPool(t, "aa", 50_000)
	record := h.createRecord(t, db.KindRegistration, "tag-1", nil)
	h.ledger.BroadcastErr = &ledger.BroadcastRejectedError{StatusCode: 422, Reason: "input already spent"}

	_, err := h.service.Anchor(ctx, record.ID)
	require.Error(t, err)

	var rejected *ledger.BroadcastRejectedError
	assert.ErrorAs(t, err, &rejected)

	released, err := h.store.GetResource(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, db.ResourceAvailable, released.Status)

	failed, err := h.records.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "broadcast rejected")
}

func TestAnchor_TransferAdvancesPointer(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.fundPool(t, "aa", 50_000)
	h.fundPool(t, "bb", 50_000)

	registration := h.createRecord(t, db.KindRegistration, "tag-1", nil)
	h.ledger.BroadcastTxID = "registration-txid"
	_, err := h.service.Anchor(ctx, registration.ID)
	require.NoError(t, err)

	transfer := h.createRecord(t, db.KindTransfer, "tag-1", strPtr("registration-txid"))
	h.ledger.BroadcastTxID = "transfer-txid"
	result, err := h.service.Anchor(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, "transfer-txid", result.TxID)

	pointer, err := h.store.GetOwnership(ctx, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, "transfer-txid", pointer.CurrentTxID)
	assert.Equal(t, int64(2), pointer.Version)
}

func TestAnchor_TransferConflictAfterBroadcast(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.fundPool(t, "aa", 50_000)
	h.fundPool(t, "bb", 50_000)
	h.fundPool(t, "cc", 50_000)

	registration := h.createRecord(t, db.KindRegistration, "tag-1", nil)
	h.ledger.BroadcastTxID = "registration-txid"
	_, err := h.service.Anchor(ctx, registration.ID)
	require.NoError(t, err)

	// Two transfers race from the same head; the winner confirms first.
	winner := h.createRecord(t, db.KindTransfer, "tag-1", strPtr("registration-txid"))
	h.ledger.BroadcastTxID = "winner-txid"
	_, err = h.service.Anchor(ctx, winner.ID)
	require.NoError(t, err)

	loser := h.createRecord(t, db.KindTransfer, "tag-1", strPtr("registration-txid"))
	h.ledger.BroadcastTxID = "loser-txid"
	_, err = h.service.Anchor(ctx, loser.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConflict)

	// The pointer still follows the winner; the loser parks in failed.
	pointer, err := h.store.GetOwnership(ctx, "tag-1")
	require.NoError(t, err)
	assert.Equal(t, "winner-txid", pointer.CurrentTxID)

	failed, err := h.records.Get(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PendingStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "ownership conflict")
}

func TestDataChunks(t *testing.T) {
	record := &db.PendingRecord{
		ID:           "rec-1",
		UIDTag:       "tag-1",
		Kind:         db.KindTransfer,
		PreviousTxID: strPtr("txid-0"),
		NewOwner:     "bob",
		Payload:      []byte(`{"condition":"used"}`),
	}

	chunks, err := dataChunks(record)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte(protocolPrefix), chunks[0])

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(chunks[1], &envelope))
	assert.Equal(t, "tag-1", envelope["uid_tag"])
	assert.Equal(t, db.KindTransfer, envelope["kind"])
	assert.Equal(t, "bob", envelope["new_owner"])
	assert.Equal(t, "txid-0", envelope["previous_txid"])
	assert.Len(t, envelope["payload_digest"], 64)
	assert.NotContains(t, string(chunks[1]), "used", "the raw payload never goes on chain")
}

func TestDataChunks_RegistrationOmitsPreviousTxID(t *testing.T) {
	record := &db.PendingRecord{
		ID: "rec-1", UIDTag: "tag-1", Kind: db.KindRegistration, NewOwner: "alice",
	}

	chunks, err := dataChunks(record)
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(chunks[1], &envelope))
	assert.NotContains(t, envelope, "previous_txid")
}

func TestPayloadDigest(t *testing.T) {
	// An empty payload digests the empty object so the chunk layout is fixed.
	empty, err := payloadDigest(nil)
	require.NoError(t, err)
	emptyObject, err := payloadDigest([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, emptyObject, empty)

	_, err = payloadDigest([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}
