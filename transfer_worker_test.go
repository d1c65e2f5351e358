/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/database/mocks"
	"github.com/fhirtransfer/outbound/model"
)

func threeEntryBundle() *model.Bundle {
	return model.NewCollectionBundle([]model.BundleEntry{
		{Resource: json.RawMessage(`{"resourceType":"Patient","id":"42"}`)},
		{Resource: json.RawMessage(`{"resourceType":"Observation","id":"o1"}`)},
		{Resource: json.RawMessage(`{"resourceType":"Condition","id":"c1"}`)},
	})
}

func TestProcessTransfer_EndToEnd(t *testing.T) {
	h := newHarness(t, accepted("99"))
	h.origin.bundle = threeEntryBundle()
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	require.NoError(t, h.deliver(ctx, transfer.TransferID, 0, 3))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, got.Stage)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "99", got.NewPatientID)
	assert.NotNil(t, got.FinishedOn)
	assert.Equal(t, model.NonTerminalStages, got.CompletedStages)

	require.Len(t, h.destination.submitted, 1)
	assert.Len(t, h.destination.submitted[0].Entry, 3)

	assert.Equal(t, []markerCall{{"42", "X", transfer.TransferID, "99"}}, h.origin.markerCalls)
	assert.Equal(t, []string{"transfer.queued", "transfer.done"}, h.scheduler.events())
	assert.Empty(t, h.scheduler.compensations)

	// The patient is free again once the record finishes.
	_, err = h.outbound.SubmitTransfer(ctx, "42", "ON")
	assert.NoError(t, err)
}

func TestProcessTransfer_CompletedStagesFollowStageOrder(t *testing.T) {
	h := newHarness(t, accepted("99"))
	ctx := context.Background()
	h.origin.markerErrs = []error{errors.New("fhir server unavailable")}

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	assert.Error(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))
	mid, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageCollectingAndTransferring}, mid.CompletedStages)
	assert.Equal(t, model.StageSettingPostTransferMetadata, mid.Stage)

	require.NoError(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))
	done, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	for i := 1; i < len(done.CompletedStages); i++ {
		assert.Less(t, done.CompletedStages[i-1].Order(), done.CompletedStages[i].Order())
	}
	assert.NotContains(t, done.CompletedStages, done.Stage)
}

func TestProcessTransfer_RestartDoesNotResubmit(t *testing.T) {
	h := newHarness(t, accepted("99"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	// Persist the state a worker leaves behind when it dies right after the submit stage.
	transfer.NewPatientID = "99"
	transfer.CompleteStage(model.StageSettingPostTransferMetadata)
	require.NoError(t, h.store.AdvanceTransferStage(ctx, transfer, model.StageCollectingAndTransferring))

	require.NoError(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))

	assert.Equal(t, 0, h.destination.calls())
	assert.Equal(t, 0, h.origin.fetchCalls)
	assert.Equal(t, []markerCall{{"42", "X", transfer.TransferID, "99"}}, h.origin.markerCalls)
}

func TestProcessTransfer_RetryAfterMarkerFailureSubmitsOnce(t *testing.T) {
	h := newHarness(t, accepted("99"))
	h.origin.markerErrs = []error{errors.New("timeout"), errors.New("timeout")}
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	require.NoError(t, h.deliver(ctx, transfer.TransferID, 0, 3))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, got.Stage)
	assert.Equal(t, 1, h.destination.calls())
	assert.Len(t, h.origin.markerCalls, 3)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestProcessTransfer_DefinitiveRejection(t *testing.T) {
	h := newHarness(t, status(422, `{"error":"Patient already exists in destination"}`))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	require.NoError(t, h.deliver(ctx, transfer.TransferID, 0, 3))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageRejected, got.Stage)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "Patient already exists in destination", got.RejectionReason)
	assert.Empty(t, got.CompletedStages)
	assert.Empty(t, got.NewPatientID)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 1, h.destination.calls())
	assert.Empty(t, h.origin.markerCalls)
	assert.Equal(t, []string{"transfer.queued", "transfer.rejected"}, h.scheduler.events())
}

func TestProcessTransfer_TransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, status(503, "busy"), status(503, "busy"), status(503, "busy"), accepted("99"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	require.NoError(t, h.deliver(ctx, transfer.TransferID, 0, 3))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, got.Stage)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Contains(t, got.LastError, "503")
	assert.Equal(t, 4, h.destination.calls())
	assert.Empty(t, h.scheduler.compensations)
}

func TestProcessTransfer_RateLimitIsTransient(t *testing.T) {
	h := newHarness(t, status(429, "slow down"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	err = h.outbound.ProcessTransfer(ctx, transfer.TransferID)
	var destErr *DestinationError
	require.True(t, errors.As(err, &destErr))
	assert.Equal(t, 429, destErr.StatusCode)

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCollectingAndTransferring, got.Stage)
}

func TestProcessTransfer_MissingAssignedIDStillAdvances(t *testing.T) {
	h := newHarness(t, accepted(""))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	require.NoError(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, got.Stage)
	assert.Empty(t, got.NewPatientID)
	assert.Equal(t, []markerCall{{"42", "X", transfer.TransferID, ""}}, h.origin.markerCalls)
}

func TestProcessTransfer_ExhaustedRetriesEnqueueCompensation(t *testing.T) {
	h := newHarness(t, status(500, "boom"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)

	assert.Error(t, h.deliver(ctx, transfer.TransferID, 0, 3))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.AttemptCount)
	assert.Equal(t, model.StatusRetrying, got.Status)
	assert.Equal(t, []string{compensationTaskID(transfer.TransferID, 0)}, h.scheduler.compensations)
}

func TestProcessTransfer_SkipsFinishedAndStalledRecords(t *testing.T) {
	h := newHarness(t, accepted("99"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateTransferStatus(ctx, transfer.TransferID, model.StatusStalled, "operator"))

	require.NoError(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))
	assert.Equal(t, 0, h.destination.calls())

	require.NoError(t, h.store.UpdateTransferStatus(ctx, transfer.TransferID, model.StatusFailed, ""))
	require.NoError(t, h.outbound.ProcessTransfer(ctx, transfer.TransferID))
	assert.Equal(t, 0, h.destination.calls())
}

func TestProcessTransfer_UnknownStageIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ds := new(mocks.MockDataSource)
	h.outbound.datasource = ds
	ctx := context.Background()

	broken := model.NewTransferRequest("42", "X")
	broken.TransferID = "tr_broken"
	broken.Stage = model.Stage("marking_transferred")

	ds.On("GetTransfer", mock.Anything, "tr_broken").Return(broken, nil)
	ds.On("ActivateTransfer", mock.Anything, "tr_broken").Return(nil)
	ds.On("RecordTransferAttempt", mock.Anything, "tr_broken", 1, mock.Anything).Return(nil)
	ds.On("UpdateTransferStatus", mock.Anything, "tr_broken", model.StatusStalled, mock.Anything).Return(nil)

	err := h.deliver(ctx, "tr_broken", 0, 3)
	assert.True(t, errors.Is(err, model.ErrUnknownStage))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	ds.AssertNumberOfCalls(t, "GetTransfer", 1)
	ds.AssertExpectations(t)
	assert.Equal(t, 0, h.destination.calls())
	assert.Empty(t, h.scheduler.compensations)
}

func TestProcessTransfer_MissingRecord(t *testing.T) {
	h := newHarness(t)
	err := h.outbound.ProcessTransfer(context.Background(), "tr_missing")
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.True(t, errors.Is(err, ErrTransferNotFound))
}

func TestHandleTransferTask_BadPayload(t *testing.T) {
	h := newHarness(t)
	err := h.outbound.HandleTransferTask(context.Background(), asynq.NewTask(TaskProcessTransfer, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.outbound.HandleTransferTask(context.Background(), asynq.NewTask(TaskProcessTransfer, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessTransfer_ReleasedBeforeActivation(t *testing.T) {
	h := newHarness(t, accepted("99"))
	ds := new(mocks.MockDataSource)
	h.outbound.datasource = ds
	ctx := context.Background()

	// The record still reads queued, but compensation released it before the claim.
	queued := model.NewTransferRequest("42", "X")
	queued.TransferID = "tr_released"

	ds.On("GetTransfer", mock.Anything, "tr_released").Return(queued, nil)
	ds.On("ActivateTransfer", mock.Anything, "tr_released").
		Return(fmt.Errorf("transfer tr_released is failed: %w", database.ErrTransferNotRunnable))

	err := h.outbound.ProcessTransfer(ctx, "tr_released")
	assert.NoError(t, err)

	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "AdvanceTransferStage", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "UpdateTransferStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.destination.calls())
	assert.Equal(t, 0, h.origin.fetchCalls)
}

func TestProcessTransfer_DoesNotReviveStalledRecord(t *testing.T) {
	h := newHarness(t, accepted("99"))
	ctx := context.Background()

	transfer, err := h.outbound.SubmitTransfer(ctx, "42", "X")
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateTransferStatus(ctx, transfer.TransferID, model.StatusStalled, "operator"))

	err = h.store.ActivateTransfer(ctx, transfer.TransferID)
	assert.True(t, errors.Is(err, database.ErrTransferNotRunnable))

	got, err := h.store.GetTransfer(ctx, transfer.TransferID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStalled, got.Status)
}
