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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/internal/inbound"
	"github.com/fhirtransfer/outbound/internal/notification"
	"github.com/fhirtransfer/outbound/model"
)

// DestinationError is a non-success answer from the destination that may succeed on retry.
type DestinationError struct {
	DestinationCode string
	StatusCode      int
	Body            string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("inbound transfer service %s returned %d: %s", e.DestinationCode, e.StatusCode, e.Body)
}

func parseTaskPayload(task *asynq.Task) (TransferTaskPayload, error) {
	var payload TransferTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	if payload.TransferID == "" {
		return payload, fmt.Errorf("%s payload has no transfer id: %w", task.Type(), asynq.SkipRetry)
	}
	return payload, nil
}

// HandleTransferTask is the asynq handler for TaskProcessTransfer.
func (o *Outbound) HandleTransferTask(ctx context.Context, task *asynq.Task) error {
	payload, err := parseTaskPayload(task)
	if err != nil {
		return err
	}
	return o.ProcessTransfer(ctx, payload.TransferID)
}

// invariantViolation reports a record in a state the stage table cannot express.
// It pages a human and tells the queue not to retry.
func invariantViolation(transferID string, err error) error {
	logrus.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"severity":    "critical",
	}).WithError(err).Error("transfer request is in an impossible stage")
	notification.NotifyError(fmt.Errorf("transfer %s: %w", transferID, err))
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// ProcessTransfer drives one record from its persisted stage to a terminal stage.
// Every stage is persisted before the next begins, and stages already in
// completed_stages are never executed again, so a worker that dies at any point
// resumes where the record says it stopped.
//
// A definitive 4xx from the destination ends the record as rejected and returns nil;
// it is a business outcome, not a failure. Any other error is returned for the queue to retry.
func (o *Outbound) ProcessTransfer(ctx context.Context, transferID string) error {
	ctx, span := tracer.Start(ctx, "ProcessTransfer", trace.WithAttributes(attribute.String("transfer.id", transferID)))
	defer span.End()

	transfer, err := o.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, model.ErrUnknownStage) {
			return invariantViolation(transferID, err)
		}
		if errors.Is(err, database.ErrTransferNotFound) {
			return fmt.Errorf("transfer %s: %w: %w", transferID, err, asynq.SkipRetry)
		}
		return err
	}

	logger := transferLogger(transfer)
	if transfer.Stage.IsTerminal() {
		logger.Info("transfer request already finished")
		return nil
	}
	switch transfer.Status {
	case model.StatusStalled:
		logger.Warn("transfer request is stalled; waiting for an operator")
		return nil
	case model.StatusFailed:
		logger.Info("transfer request was abandoned")
		return nil
	}

	if err := o.datasource.ActivateTransfer(ctx, transferID); err != nil {
		if errors.Is(err, database.ErrTransferNotRunnable) {
			logger.Warn("transfer request was released or stalled before this attempt started")
			return nil
		}
		return err
	}
	transfer.Status = model.StatusActive

	for !transfer.Stage.IsTerminal() {
		from := transfer.Stage
		span.AddEvent("stage", trace.WithAttributes(attribute.String("transfer.stage", string(from))))

		if err := o.runStage(ctx, transfer); err != nil {
			span.RecordError(err)
			return err
		}
		if err := o.datasource.AdvanceTransferStage(ctx, transfer, from); err != nil {
			if errors.Is(err, database.ErrStaleTransferStage) {
				logger.Warn("transfer request advanced by another worker")
				return nil
			}
			span.RecordError(err)
			return err
		}
		transferLogger(transfer).Infof("transfer request moved from %s to %s", from, transfer.Stage)
	}

	o.cacheTerminal(ctx, transfer)
	o.sendTransferWebhook(ctx, transfer)
	return nil
}

// runStage performs the side effect of the record's current stage and moves the
// in-memory record to its next stage. Nothing is persisted here.
func (o *Outbound) runStage(ctx context.Context, transfer *model.TransferRequest) error {
	switch transfer.Stage {
	case model.StageCollectingAndTransferring:
		return o.collectAndTransfer(ctx, transfer)
	case model.StageSettingPostTransferMetadata:
		return o.setPostTransferMetadata(ctx, transfer)
	case model.StageDone, model.StageRejected:
		return nil
	default:
		return invariantViolation(transfer.TransferID, fmt.Errorf("%w: %q", model.ErrUnknownStage, transfer.Stage))
	}
}

func (o *Outbound) advance(transfer *model.TransferRequest) error {
	next, err := transfer.Stage.Next()
	if err != nil {
		return invariantViolation(transfer.TransferID, err)
	}
	transfer.CompleteStage(next)
	if next.IsTerminal() {
		finish(transfer)
	}
	return nil
}

func finish(transfer *model.TransferRequest) {
	now := time.Now().UTC()
	transfer.Status = model.StatusCompleted
	transfer.FinishedOn = &now
}

func (o *Outbound) collectAndTransfer(ctx context.Context, transfer *model.TransferRequest) error {
	logger := transferLogger(transfer)

	// An assigned id means the destination already holds the data.
	if transfer.NewPatientID != "" || transfer.HasCompleted(model.StageCollectingAndTransferring) {
		logger.Info("bundle already accepted by destination; not resubmitting")
		return o.advance(transfer)
	}

	ctx, span := tracer.Start(ctx, "CollectAndTransfer")
	defer span.End()

	bundle, err := o.origin.FetchPatientBundle(ctx, transfer.PatientID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("collect bundle for patient %s: %w", transfer.PatientID, err)
	}
	span.SetAttributes(attribute.Int("bundle.entries", len(bundle.Entry)))

	result, err := o.destination.SubmitBundle(ctx, bundle, transfer.DestinationCode)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))

	switch {
	case result.Accepted:
		if result.AssignedID == "" {
			logger.Warn("destination accepted the bundle without assigning a patient id")
		}
		transfer.NewPatientID = result.AssignedID
		return o.advance(transfer)
	case inbound.IsDefinitiveRejection(result.StatusCode):
		transfer.RejectionReason = result.Reason()
		transfer.Stage = model.StageRejected
		finish(transfer)
		logger.WithField("status_code", result.StatusCode).Warnf("destination rejected transfer: %s", transfer.RejectionReason)
		return nil
	default:
		return &DestinationError{DestinationCode: transfer.DestinationCode, StatusCode: result.StatusCode, Body: result.Body}
	}
}

func (o *Outbound) setPostTransferMetadata(ctx context.Context, transfer *model.TransferRequest) error {
	ctx, span := tracer.Start(ctx, "SetPostTransferMetadata")
	defer span.End()

	err := o.origin.WriteSupersessionMarker(ctx, transfer.PatientID, transfer.DestinationCode, transfer.TransferID, transfer.NewPatientID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark patient %s as transferred: %w", transfer.PatientID, err)
	}
	return o.advance(transfer)
}

// HandleTaskError is the asynq error handler. It records every failed attempt on the
// transfer record and, once the queue gives up on a pass, hands the record to compensation.
func (o *Outbound) HandleTaskError(ctx context.Context, task *asynq.Task, err error) {
	if task.Type() != TaskProcessTransfer {
		logrus.WithError(err).WithField("task_type", task.Type()).Error("task failed")
		return
	}
	payload, perr := parseTaskPayload(task)
	if perr != nil {
		logrus.WithError(perr).Error("transfer task failed")
		return
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	o.recordFailure(ctx, payload, retried, maxRetry, err)
}

func (o *Outbound) recordFailure(ctx context.Context, payload TransferTaskPayload, retried, maxRetry int, taskErr error) {
	logger := logrus.WithFields(logrus.Fields{
		"transfer_id": payload.TransferID,
		"attempt":     retried + 1,
	})
	if errors.Is(taskErr, database.ErrTransferNotFound) {
		logger.WithError(taskErr).Error("transfer task names a missing record")
		return
	}

	if err := o.datasource.RecordTransferAttempt(ctx, payload.TransferID, retried+1, taskErr.Error()); err != nil {
		logger.WithError(err).Error("failed to record transfer attempt")
	}

	if errors.Is(taskErr, model.ErrUnknownStage) {
		if err := o.datasource.UpdateTransferStatus(ctx, payload.TransferID, model.StatusStalled, taskErr.Error()); err != nil {
			logger.WithError(err).Error("failed to stall transfer request")
		}
		return
	}

	if retried < maxRetry && !errors.Is(taskErr, asynq.SkipRetry) {
		logger.WithError(taskErr).Warn("transfer attempt failed; will retry")
		return
	}

	logger.WithError(taskErr).Error("transfer retries exhausted; compensating")
	if err := o.queue.EnqueueCompensation(ctx, payload.TransferID, payload.Round); err != nil {
		notification.NotifyError(fmt.Errorf("enqueue compensation for transfer %s: %w", payload.TransferID, err))
	}
}
