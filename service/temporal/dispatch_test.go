package temporal

import (
	"context"
	"testing"

	"github.com/ownmark/anchor/service/anchor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_QueuePathStartsWorkflow(t *testing.T) {
	scheduler := NewMockScheduler()
	anchors := &fakeAnchorService{result: &anchor.Result{TxID: "txid-1"}}
	recordSvc := &fakeRecordService{}
	d := NewDispatcher(scheduler, anchors, recordSvc, nil)

	ref, err := d.Dispatch(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.True(t, scheduler.WorkflowStarted("rec-1"))
	assert.Equal(t, "rec-1", recordSvc.jobRecordID)
	assert.Equal(t, ref, recordSvc.jobID, "the run id is stamped onto the record")
	assert.Zero(t, anchors.calls, "the queue path must not run the pipeline inline")
}

func TestDispatch_NoSchedulerRunsInline(t *testing.T) {
	anchors := &fakeAnchorService{result: &anchor.Result{TxID: "txid-9"}}
	d := NewDispatcher(nil, anchors, &fakeRecordService{}, nil)

	ref, err := d.Dispatch(context.Background(), "rec-2")
	require.NoError(t, err)
	assert.Equal(t, "txid-9", ref)
	assert.Equal(t, 1, anchors.calls)
}

func TestDispatch_InlineFailureSurfaces(t *testing.T) {
	anchors := &fakeAnchorService{err: assert.AnError}
	d := NewDispatcher(nil, anchors, &fakeRecordService{}, nil)

	_, err := d.Dispatch(context.Background(), "rec-3")
	require.ErrorIs(t, err, assert.AnError)
}

func TestDispatch_EnqueueFailureSurfaces(t *testing.T) {
	scheduler := NewMockScheduler()
	scheduler.SetStartError(assert.AnError)
	d := NewDispatcher(scheduler, nil, &fakeRecordService{}, nil)

	_, err := d.Dispatch(context.Background(), "rec-4")
	require.ErrorIs(t, err, assert.AnError)
}
