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
	"errors"
	"time"

	"github.com/fhirtransfer/outbound/model"
)

var (
	// ErrDuplicateActiveTransfer is returned when the patient already holds an active transfer record.
	ErrDuplicateActiveTransfer = errors.New("patient already has an active transfer request")
	ErrTransferNotFound        = errors.New("transfer request not found")
	// ErrStaleTransferStage is returned by a compare-and-persist whose expected stage no longer matches.
	ErrStaleTransferStage = errors.New("transfer request stage changed concurrently")
	ErrRetriesExhausted   = errors.New("transfer request retries exhausted")
	// ErrTransferNotRunnable is returned by ActivateTransfer when the record was released or stalled meanwhile.
	ErrTransferNotRunnable = errors.New("transfer request is no longer runnable")
)

// IDataSource defines the interface for data source operations.
type IDataSource interface {
	TransferStore
	Ping(ctx context.Context) error
}

// TransferStore is the durable record of truth for transfer requests.
type TransferStore interface {
	// CreateTransfer inserts a record. The patient id is the dedup key: a second
	// active record for the same patient fails with ErrDuplicateActiveTransfer.
	CreateTransfer(ctx context.Context, transfer *model.TransferRequest) (*model.TransferRequest, error)
	GetTransfer(ctx context.Context, id string) (*model.TransferRequest, error)
	// GetAllTransfers lists records newest first.
	GetAllTransfers(ctx context.Context, limit, offset int) ([]*model.TransferRequest, error)
	// AdvanceTransferStage persists the saga fields of transfer only if the stored stage still equals from.
	AdvanceTransferStage(ctx context.Context, transfer *model.TransferRequest, from model.Stage) error
	UpdateTransferStatus(ctx context.Context, id string, status model.TransferStatus, lastError string) error
	// ActivateTransfer marks a queued, retrying or active record active. Any other
	// status fails with ErrTransferNotRunnable.
	ActivateTransfer(ctx context.Context, id string) error
	RecordTransferAttempt(ctx context.Context, id string, attempt int, lastError string) error
	// IncrementContinuationRounds bumps the continuation counter unless it already reached max.
	IncrementContinuationRounds(ctx context.Context, id string, max int) (int, error)
	IncrementRecoveryAttempts(ctx context.Context, id string) (int, error)
	// GetStuckTransfers returns queued, active or retrying records untouched for longer than threshold.
	GetStuckTransfers(ctx context.Context, threshold time.Duration, limit int) ([]*model.TransferRequest, error)
}
