package main

import (
	"testing"

	"github.com/ownmark/anchor/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func testRecords() []*db.PendingRecord {
	return []*db.PendingRecord{
		{ID: "rec-1", UIDTag: "tag-1", Kind: db.KindRegistration, Status: db.PendingStatusConfirmed, ResultTxID: strPtr("txid-1")},
		{ID: "rec-2", UIDTag: "tag-2", Kind: db.KindTransfer, Status: db.PendingStatusFailed, FailureReason: strPtr("pool exhausted")},
		{ID: "rec-3", UIDTag: "tag-3", Kind: db.KindTransfer, Status: db.PendingStatusPending},
	}
}

func TestFilterRecords_NoFilters(t *testing.T) {
	recs := testRecords()
	kept, err := filterRecords(recs, nil)
	require.NoError(t, err)
	assert.Equal(t, recs, kept)
}

func TestFilterRecords_SingleFilter(t *testing.T) {
	kept, err := filterRecords(testRecords(), []string{`.kind == "TRANSFER"`})
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "rec-2", kept[0].ID)
	assert.Equal(t, "rec-3", kept[1].ID)
}

func TestFilterRecords_AllFiltersMustMatch(t *testing.T) {
	kept, err := filterRecords(testRecords(), []string{
		`.kind == "TRANSFER"`,
		`.status == "failed"`,
	})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "rec-2", kept[0].ID)
}

func TestFilterRecords_NullFieldIsFalsy(t *testing.T) {
	kept, err := filterRecords(testRecords(), []string{`.result_txid`})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "rec-1", kept[0].ID, "only records with a result txid survive")
}

func TestFilterRecords_StringMatch(t *testing.T) {
	kept, err := filterRecords(testRecords(), []string{`.failure_reason | test("pool")?`})
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "rec-2", kept[0].ID)
}

func TestFilterRecords_InvalidFilter(t *testing.T) {
	_, err := filterRecords(testRecords(), []string{`.kind ==`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0), "jq semantics: zero is truthy")
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]any{}))
}
