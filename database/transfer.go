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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/model"
)

const transferColumns = `id, transfer_id, patient_id, destination_code, stage, completed_stages,
	new_patient_id, rejection_reason, status, attempt_count, last_error,
	continuation_rounds, recovery_attempts, created_at, updated_at, finished_on`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(row rowScanner) (*model.TransferRequest, error) {
	transfer := model.TransferRequest{}
	var stage, status string
	var completed []string
	var finishedOn sql.NullTime

	err := row.Scan(
		&transfer.ID,
		&transfer.TransferID,
		&transfer.PatientID,
		&transfer.DestinationCode,
		&stage,
		pq.Array(&completed),
		&transfer.NewPatientID,
		&transfer.RejectionReason,
		&status,
		&transfer.AttemptCount,
		&transfer.LastError,
		&transfer.ContinuationRounds,
		&transfer.RecoveryAttempts,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
		&finishedOn,
	)
	if err != nil {
		return nil, err
	}

	transfer.Stage, err = model.ParseStage(stage)
	if err != nil {
		return nil, errors.Wrapf(err, "transfer %s", transfer.TransferID)
	}
	transfer.CompletedStages = make([]model.Stage, 0, len(completed))
	for _, c := range completed {
		s, err := model.ParseStage(c)
		if err != nil {
			return nil, errors.Wrapf(err, "transfer %s completed stages", transfer.TransferID)
		}
		transfer.CompletedStages = append(transfer.CompletedStages, s)
	}
	transfer.Status = model.TransferStatus(status)
	if finishedOn.Valid {
		finished := finishedOn.Time
		transfer.FinishedOn = &finished
	}
	return &transfer, nil
}

func stagesToStrings(stages []model.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreateTransfer inserts a new transfer request. The partial unique index on
// patient_id over active statuses turns a concurrent second submission into a
// unique violation, which is the only admission control for a patient.
func (d Datasource) CreateTransfer(ctx context.Context, transfer *model.TransferRequest) (*model.TransferRequest, error) {
	transfer.TransferID = model.GenerateUUIDWithSuffix("tr")
	transfer.CreatedAt = time.Now().UTC()
	transfer.UpdatedAt = transfer.CreatedAt
	if transfer.CompletedStages == nil {
		transfer.CompletedStages = []model.Stage{}
	}

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO outbound.transfers (transfer_id, patient_id, destination_code, stage, completed_stages, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, transfer.TransferID, transfer.PatientID, transfer.DestinationCode, string(transfer.Stage),
		pq.Array(stagesToStrings(transfer.CompletedStages)), string(transfer.Status), transfer.CreatedAt, transfer.UpdatedAt,
	).Scan(&transfer.ID)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Patient already has an active transfer request", ErrDuplicateActiveTransfer)
			default:
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create transfer request", err)
	}

	return transfer, nil
}

func (d Datasource) GetTransfer(ctx context.Context, id string) (*model.TransferRequest, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM outbound.transfers
		WHERE transfer_id = $1
	`, id)

	transfer, err := scanTransfer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Transfer request not found", ErrTransferNotFound)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer request", err)
	}
	return transfer, nil
}

func (d Datasource) GetAllTransfers(ctx context.Context, limit, offset int) ([]*model.TransferRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM outbound.transfers
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transfer requests", err)
	}
	defer rows.Close()

	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]*model.TransferRequest, error) {
	transfers := []*model.TransferRequest{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transfer request", err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over transfer requests", err)
	}
	return transfers, nil
}

func (d Datasource) AdvanceTransferStage(ctx context.Context, transfer *model.TransferRequest, from model.Stage) error {
	transfer.UpdatedAt = time.Now().UTC()
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbound.transfers
		SET stage = $1, completed_stages = $2, new_patient_id = $3, rejection_reason = $4,
			status = $5, finished_on = $6, updated_at = $7
		WHERE transfer_id = $8 AND stage = $9
	`, string(transfer.Stage), pq.Array(stagesToStrings(transfer.CompletedStages)), transfer.NewPatientID,
		transfer.RejectionReason, string(transfer.Status), nullTime(transfer.FinishedOn), transfer.UpdatedAt,
		transfer.TransferID, string(from))
	if err != nil {
		return errors.Wrapf(err, "advance transfer %s from %s", transfer.TransferID, from)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrStaleTransferStage
	}
	return nil
}

func (d Datasource) UpdateTransferStatus(ctx context.Context, id string, status model.TransferStatus, lastError string) error {
	now := time.Now().UTC()
	var finishedOn *time.Time
	if status == model.StatusCompleted || status == model.StatusFailed {
		finishedOn = &now
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbound.transfers
		SET status = $1, last_error = CASE WHEN $2 = '' THEN last_error ELSE $2 END,
			finished_on = COALESCE($3, finished_on), updated_at = $4
		WHERE transfer_id = $5
	`, string(status), lastError, nullTime(finishedOn), now, id)
	if err != nil {
		return errors.Wrapf(err, "update transfer %s status", id)
	}
	return requireRow(result, id)
}

func (d Datasource) ActivateTransfer(ctx context.Context, id string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbound.transfers
		SET status = 'active', updated_at = $1
		WHERE transfer_id = $2 AND status IN ('queued', 'retrying', 'active')
	`, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "activate transfer %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(ErrTransferNotRunnable, "transfer %s", id)
	}
	return nil
}

func (d Datasource) RecordTransferAttempt(ctx context.Context, id string, attempt int, lastError string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE outbound.transfers
		SET attempt_count = GREATEST(attempt_count, $1), last_error = $2,
			status = CASE WHEN status IN ('queued', 'active') THEN 'retrying' ELSE status END,
			updated_at = $3
		WHERE transfer_id = $4
	`, attempt, lastError, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "record attempt for transfer %s", id)
	}
	return requireRow(result, id)
}

func (d Datasource) IncrementContinuationRounds(ctx context.Context, id string, max int) (int, error) {
	var rounds int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE outbound.transfers
		SET continuation_rounds = continuation_rounds + 1, status = 'retrying', updated_at = $1
		WHERE transfer_id = $2 AND continuation_rounds < $3
		RETURNING continuation_rounds
	`, time.Now().UTC(), id, max).Scan(&rounds)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrRetriesExhausted
		}
		return 0, errors.Wrapf(err, "increment continuation rounds for transfer %s", id)
	}
	return rounds, nil
}

func (d Datasource) IncrementRecoveryAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := d.Conn.QueryRowContext(ctx, `
		UPDATE outbound.transfers
		SET recovery_attempts = recovery_attempts + 1, updated_at = $1
		WHERE transfer_id = $2
		RETURNING recovery_attempts
	`, time.Now().UTC(), id).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrTransferNotFound
		}
		return 0, errors.Wrapf(err, "increment recovery attempts for transfer %s", id)
	}
	return attempts, nil
}

func (d Datasource) GetStuckTransfers(ctx context.Context, threshold time.Duration, limit int) ([]*model.TransferRequest, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM outbound.transfers
		WHERE status IN ('queued', 'active', 'retrying') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, time.Now().UTC().Add(-threshold), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query stuck transfers")
	}
	defer rows.Close()

	return collectTransfers(rows)
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(ErrTransferNotFound, "transfer %s", id)
	}
	return nil
}
