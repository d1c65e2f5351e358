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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/model"
)

// MemoryStore is an in-process TransferStore. Every method holds one mutex, so
// the dedup check and the insert are a single step just like the unique index.
type MemoryStore struct {
	mu        sync.Mutex
	seq       int64
	transfers map[string]*model.TransferRequest
	// active maps patient id to the transfer id currently holding the patient.
	active map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transfers: make(map[string]*model.TransferRequest),
		active:    make(map[string]string),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) CreateTransfer(_ context.Context, transfer *model.TransferRequest) (*model.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.active[transfer.PatientID]; held {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Patient already has an active transfer request", ErrDuplicateActiveTransfer)
	}

	m.seq++
	transfer.ID = m.seq
	transfer.TransferID = model.GenerateUUIDWithSuffix("tr")
	transfer.CreatedAt = time.Now().UTC()
	transfer.UpdatedAt = transfer.CreatedAt
	if transfer.CompletedStages == nil {
		transfer.CompletedStages = []model.Stage{}
	}

	m.transfers[transfer.TransferID] = transfer.Clone()
	if transfer.Status.IsActive() {
		m.active[transfer.PatientID] = transfer.TransferID
	}
	return transfer, nil
}

func (m *MemoryStore) GetTransfer(_ context.Context, id string) (*model.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer, ok := m.transfers[id]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Transfer request not found", ErrTransferNotFound)
	}
	return transfer.Clone(), nil
}

func (m *MemoryStore) GetAllTransfers(_ context.Context, limit, offset int) ([]*model.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*model.TransferRequest, 0, len(m.transfers))
	for _, t := range m.transfers {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	transfers := []*model.TransferRequest{}
	for i := offset; i < len(all) && len(transfers) < limit; i++ {
		if i < 0 {
			continue
		}
		transfers = append(transfers, all[i].Clone())
	}
	return transfers, nil
}

func (m *MemoryStore) AdvanceTransferStage(_ context.Context, transfer *model.TransferRequest, from model.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[transfer.TransferID]
	if !ok || stored.Stage != from {
		return ErrStaleTransferStage
	}

	transfer.UpdatedAt = time.Now().UTC()
	stored.Stage = transfer.Stage
	stored.CompletedStages = append([]model.Stage{}, transfer.CompletedStages...)
	stored.NewPatientID = transfer.NewPatientID
	stored.RejectionReason = transfer.RejectionReason
	stored.FinishedOn = transfer.FinishedOn
	stored.UpdatedAt = transfer.UpdatedAt
	m.setStatus(stored, transfer.Status)
	return nil
}

func (m *MemoryStore) UpdateTransferStatus(_ context.Context, id string, status model.TransferStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[id]
	if !ok {
		return errors.Wrapf(ErrTransferNotFound, "transfer %s", id)
	}
	if lastError != "" {
		stored.LastError = lastError
	}
	now := time.Now().UTC()
	if status == model.StatusCompleted || status == model.StatusFailed {
		stored.FinishedOn = &now
	}
	stored.UpdatedAt = now
	m.setStatus(stored, status)
	return nil
}

func (m *MemoryStore) ActivateTransfer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[id]
	if !ok {
		return errors.Wrapf(ErrTransferNotFound, "transfer %s", id)
	}
	if !runnable(stored.Status) {
		return errors.Wrapf(ErrTransferNotRunnable, "transfer %s is %s", id, stored.Status)
	}
	stored.UpdatedAt = time.Now().UTC()
	m.setStatus(stored, model.StatusActive)
	return nil
}

func runnable(status model.TransferStatus) bool {
	return status == model.StatusQueued || status == model.StatusRetrying || status == model.StatusActive
}

func (m *MemoryStore) RecordTransferAttempt(_ context.Context, id string, attempt int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[id]
	if !ok {
		return errors.Wrapf(ErrTransferNotFound, "transfer %s", id)
	}
	if attempt > stored.AttemptCount {
		stored.AttemptCount = attempt
	}
	stored.LastError = lastError
	if stored.Status == model.StatusQueued || stored.Status == model.StatusActive {
		stored.Status = model.StatusRetrying
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementContinuationRounds(_ context.Context, id string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[id]
	if !ok || stored.ContinuationRounds >= max {
		return 0, ErrRetriesExhausted
	}
	stored.ContinuationRounds++
	stored.UpdatedAt = time.Now().UTC()
	m.setStatus(stored, model.StatusRetrying)
	return stored.ContinuationRounds, nil
}

func (m *MemoryStore) IncrementRecoveryAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transfers[id]
	if !ok {
		return 0, ErrTransferNotFound
	}
	stored.RecoveryAttempts++
	stored.UpdatedAt = time.Now().UTC()
	return stored.RecoveryAttempts, nil
}

func (m *MemoryStore) GetStuckTransfers(_ context.Context, threshold time.Duration, limit int) ([]*model.TransferRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	stuck := []*model.TransferRequest{}
	for _, t := range m.transfers {
		if runnable(t.Status) && t.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, t.Clone())
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt) })
	if len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

// setStatus keeps the active-patient index in step with the record status.
func (m *MemoryStore) setStatus(stored *model.TransferRequest, status model.TransferStatus) {
	stored.Status = status
	if status.IsActive() {
		m.active[stored.PatientID] = stored.TransferID
		return
	}
	if m.active[stored.PatientID] == stored.TransferID {
		delete(m.active, stored.PatientID)
	}
}
