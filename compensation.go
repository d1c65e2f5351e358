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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/internal/notification"
	"github.com/fhirtransfer/outbound/model"
)

// CompensationAction is what the compensation handler does with an abandoned record.
type CompensationAction string

const (
	// CompensationRelease ends the record as failed. Nothing left the origin.
	CompensationRelease CompensationAction = "release"
	// CompensationAlarm pages a human. The origin is marked but the destination never confirmed.
	CompensationAlarm CompensationAction = "alarm"
	// CompensationContinue schedules another pass to finish marking the origin.
	CompensationContinue CompensationAction = "continue"
	// CompensationNone leaves the record alone.
	CompensationNone CompensationAction = "none"
)

// DecideCompensation maps the record's completed stages to a compensation action.
// The destination is never asked to roll back: data it holds stays there.
func DecideCompensation(transfer *model.TransferRequest) CompensationAction {
	if transfer.Stage.IsTerminal() {
		return CompensationNone
	}
	transferred := transfer.HasCompleted(model.StageCollectingAndTransferring)
	marked := transfer.HasCompleted(model.StageSettingPostTransferMetadata)
	switch {
	case !transferred && !marked:
		return CompensationRelease
	case !transferred && marked:
		return CompensationAlarm
	case transferred && !marked:
		return CompensationContinue
	default:
		return CompensationNone
	}
}

// continuationDelay is the wait before continuation round n: base, 2*base, 4*base and so on.
func continuationDelay(base time.Duration, round int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 6 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < round; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// TransferRetryDelay is the asynq retry delay for transfer tasks: base, 2*base, 4*base and so on.
func TransferRetryDelay(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return continuationDelay(base, n+1)
	}
}

// HandleCompensationTask is the asynq handler for TaskCompensateTransfer.
func (o *Outbound) HandleCompensationTask(ctx context.Context, task *asynq.Task) error {
	payload, err := parseTaskPayload(task)
	if err != nil {
		return err
	}
	return o.CompensateTransfer(ctx, payload.TransferID)
}

// CompensateTransfer resolves a record whose attempt pass was abandoned.
func (o *Outbound) CompensateTransfer(ctx context.Context, transferID string) error {
	ctx, span := tracer.Start(ctx, "CompensateTransfer", trace.WithAttributes(attribute.String("transfer.id", transferID)))
	defer span.End()

	transfer, err := o.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, database.ErrTransferNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	logger := transferLogger(transfer)
	action := DecideCompensation(transfer)
	span.SetAttributes(attribute.String("compensation.action", string(action)))

	switch action {
	case CompensationRelease:
		logger.Info("transfer request failed before any data left the origin")
		if err := o.datasource.UpdateTransferStatus(ctx, transferID, model.StatusFailed, ""); err != nil {
			return err
		}
		transfer.Status = model.StatusFailed
		o.sendTransferWebhook(ctx, transfer)
		return nil

	case CompensationAlarm:
		logger.WithField("severity", "critical").Error("origin marked as transferred but destination never confirmed receipt")
		notification.NotifyError(fmt.Errorf("transfer %s: patient %s marked as transferred to %s without a confirmed submission",
			transferID, transfer.PatientID, transfer.DestinationCode))
		return o.stall(ctx, transfer, "origin marked without a confirmed submission")

	case CompensationContinue:
		_, err := o.RetryTransfer(ctx, transferID)
		if errors.Is(err, ErrRetriesExhausted) {
			return o.escalate(ctx, transfer)
		}
		return err

	default:
		logger.Infof("no compensation needed at stage %s", transfer.Stage)
		return nil
	}
}

// RetryTransfer schedules another attempt pass for the record, bounded by the
// configured number of continuation rounds. It fails with ErrRetriesExhausted once
// the bound is reached.
func (o *Outbound) RetryTransfer(ctx context.Context, transferID string) (int, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	round, err := o.datasource.IncrementContinuationRounds(ctx, transferID, cfg.Queue.MaxContinuationRounds)
	if err != nil {
		return 0, err
	}

	delay := continuationDelay(time.Duration(cfg.Queue.ContinuationBaseDelayS)*time.Second, round)
	if err := o.queue.EnqueueContinuation(ctx, transferID, round, delay); err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"round":       round,
		"delay":       delay.String(),
	}).Info("transfer continuation scheduled")
	return round, nil
}

// escalate stalls a record that is at the destination but could not be marked at the origin.
func (o *Outbound) escalate(ctx context.Context, transfer *model.TransferRequest) error {
	transferLogger(transfer).WithField("severity", "critical").Error("continuation rounds exhausted; patient exists at destination but origin is unmarked")
	notification.NotifyError(fmt.Errorf("transfer %s: patient %s exists at %s as %q but could not be marked at origin",
		transfer.TransferID, transfer.PatientID, transfer.DestinationCode, transfer.NewPatientID))
	return o.stall(ctx, transfer, "continuation retries exhausted")
}

func (o *Outbound) stall(ctx context.Context, transfer *model.TransferRequest, reason string) error {
	if err := o.datasource.UpdateTransferStatus(ctx, transfer.TransferID, model.StatusStalled, reason); err != nil {
		return err
	}
	transfer.Status = model.StatusStalled
	o.sendTransferWebhook(ctx, transfer)
	return nil
}

// ResumeTransfer lets an operator grant a stalled record one more attempt pass.
// Records whose origin is marked without a confirmed submission need manual repair
// and are refused.
func (o *Outbound) ResumeTransfer(ctx context.Context, transferID string) (*model.TransferRequest, error) {
	transfer, err := o.datasource.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != model.StatusStalled || DecideCompensation(transfer) == CompensationAlarm {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Transfer request is not awaiting an operator",
			fmt.Errorf("%w: %s is %s at stage %s", ErrNotResumable, transferID, transfer.Status, transfer.Stage))
	}

	// Raising the bound by exactly one makes concurrent resumes admit a single round.
	round, err := o.datasource.IncrementContinuationRounds(ctx, transferID, transfer.ContinuationRounds+1)
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Transfer request is already being resumed", ErrNotResumable)
		}
		return nil, err
	}
	if err := o.queue.EnqueueContinuation(ctx, transferID, round, 0); err != nil {
		return nil, err
	}
	transferLogger(transfer).WithField("round", round).Info("stalled transfer request resumed by operator")
	return o.datasource.GetTransfer(ctx, transferID)
}
