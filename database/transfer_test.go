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
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/model"
)

var transferRowColumns = []string{
	"id", "transfer_id", "patient_id", "destination_code", "stage", "completed_stages",
	"new_patient_id", "rejection_reason", "status", "attempt_count", "last_error",
	"continuation_rounds", "recovery_attempts", "created_at", "updated_at", "finished_on",
}

func TestCreateTransfer_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO outbound.transfers").
		WithArgs(sqlmock.AnyArg(), "42", "ON", "collecting_and_transferring", sqlmock.AnyArg(), "queued", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	created, err := ds.CreateTransfer(context.Background(), model.NewTransferRequest("42", "ON"))
	assert.NoError(t, err)
	assert.Equal(t, int64(7), created.ID)
	assert.Contains(t, created.TransferID, "tr_")
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransfer_DuplicateActivePatient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("INSERT INTO outbound.transfers").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"idx_transfers_active_patient\""})

	_, err = ds.CreateTransfer(context.Background(), model.NewTransferRequest("42", "ON"))
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.True(t, errors.Is(err, ErrDuplicateActiveTransfer))
}

func TestGetTransfer_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows(transferRowColumns).
		AddRow(1, "tr_1", "42", "ON", "setting_post_transfer_metadata", "{collecting_and_transferring}",
			"99", "", "active", 0, "", 0, 0, now, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM outbound.transfers").WithArgs("tr_1").WillReturnRows(rows)

	transfer, err := ds.GetTransfer(context.Background(), "tr_1")
	require.NoError(t, err)
	assert.Equal(t, model.StageSettingPostTransferMetadata, transfer.Stage)
	assert.Equal(t, []model.Stage{model.StageCollectingAndTransferring}, transfer.CompletedStages)
	assert.Equal(t, "99", transfer.NewPatientID)
	assert.Equal(t, model.StatusActive, transfer.Status)
	assert.Nil(t, transfer.FinishedOn)
}

func TestGetTransfer_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM outbound.transfers").WithArgs("tr_missing").WillReturnError(sql.ErrNoRows)

	_, err = ds.GetTransfer(context.Background(), "tr_missing")
	assert.True(t, errors.Is(err, ErrTransferNotFound))
	assert.Equal(t, 404, apierror.MapErrorToHTTPStatus(err))
}

func TestGetTransfer_UnknownStageSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows(transferRowColumns).
		AddRow(1, "tr_1", "42", "ON", "marking_transfered", "{}", "", "", "active", 0, "", 0, 0, now, now, nil)
	mock.ExpectQuery("SELECT (.+) FROM outbound.transfers").WithArgs("tr_1").WillReturnRows(rows)

	_, err = ds.GetTransfer(context.Background(), "tr_1")
	assert.True(t, errors.Is(err, model.ErrUnknownStage))
}

func TestGetAllTransfers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	rows := sqlmock.NewRows(transferRowColumns).
		AddRow(2, "tr_2", "43", "BC", "done", "{collecting_and_transferring,setting_post_transfer_metadata}",
			"100", "", "completed", 1, "", 0, 0, now, now, now).
		AddRow(1, "tr_1", "42", "ON", "rejected", "{}", "", "bundle invalid", "completed", 0, "", 0, 0, now, now, now)
	mock.ExpectQuery("SELECT (.+) FROM outbound.transfers").WithArgs(10, 0).WillReturnRows(rows)

	transfers, err := ds.GetAllTransfers(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "tr_2", transfers[0].TransferID)
	assert.NotNil(t, transfers[0].FinishedOn)
	assert.Equal(t, "bundle invalid", transfers[1].RejectionReason)
}

func TestAdvanceTransferStage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	transfer := model.NewTransferRequest("42", "ON")
	transfer.TransferID = "tr_1"
	transfer.NewPatientID = "99"
	transfer.CompleteStage(model.StageSettingPostTransferMetadata)

	mock.ExpectExec("UPDATE outbound.transfers").
		WithArgs("setting_post_transfer_metadata", sqlmock.AnyArg(), "99", "", "queued", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"tr_1", "collecting_and_transferring").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.AdvanceTransferStage(context.Background(), transfer, model.StageCollectingAndTransferring)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceTransferStage_Stale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	transfer := model.NewTransferRequest("42", "ON")
	transfer.TransferID = "tr_1"

	mock.ExpectExec("UPDATE outbound.transfers").WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.AdvanceTransferStage(context.Background(), transfer, model.StageCollectingAndTransferring)
	assert.True(t, errors.Is(err, ErrStaleTransferStage))
}

func TestUpdateTransferStatus_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE outbound.transfers").
		WithArgs("failed", "boom", sqlmock.AnyArg(), sqlmock.AnyArg(), "tr_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateTransferStatus(context.Background(), "tr_missing", model.StatusFailed, "boom")
	assert.True(t, errors.Is(err, ErrTransferNotFound))
}

func TestRecordTransferAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE outbound.transfers").
		WithArgs(2, "destination unavailable", sqlmock.AnyArg(), "tr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.RecordTransferAttempt(context.Background(), "tr_1", 2, "destination unavailable")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementContinuationRounds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("UPDATE outbound.transfers").
		WithArgs(sqlmock.AnyArg(), "tr_1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"continuation_rounds"}).AddRow(3))

	rounds, err := ds.IncrementContinuationRounds(context.Background(), "tr_1", 5)
	assert.NoError(t, err)
	assert.Equal(t, 3, rounds)
}

func TestIncrementContinuationRounds_Exhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("UPDATE outbound.transfers").
		WithArgs(sqlmock.AnyArg(), "tr_1", 5).
		WillReturnError(sql.ErrNoRows)

	_, err = ds.IncrementContinuationRounds(context.Background(), "tr_1", 5)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
}

func TestGetStuckTransfers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	old := time.Now().UTC().Add(-2 * time.Hour)

	rows := sqlmock.NewRows(transferRowColumns).
		AddRow(1, "tr_1", "42", "ON", "collecting_and_transferring", "{}", "", "", "queued", 0, "", 0, 0, old, old, nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ('queued', 'active', 'retrying') AND updated_at < $1")).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	stuck, err := ds.GetStuckTransfers(context.Background(), time.Hour, 100)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "tr_1", stuck[0].TransferID)
}

func TestActivateTransfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec(regexp.QuoteMeta("WHERE transfer_id = $2 AND status IN ('queued', 'retrying', 'active')")).
		WithArgs(sqlmock.AnyArg(), "tr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.ActivateTransfer(context.Background(), "tr_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateTransfer_NotRunnable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE outbound.transfers").
		WithArgs(sqlmock.AnyArg(), "tr_stalled").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.ActivateTransfer(context.Background(), "tr_stalled")
	assert.True(t, errors.Is(err, ErrTransferNotRunnable))
}
