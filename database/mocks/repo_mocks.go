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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fhirtransfer/outbound/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Transfer methods

func (m *MockDataSource) CreateTransfer(ctx context.Context, transfer *model.TransferRequest) (*model.TransferRequest, error) {
	args := m.Called(ctx, transfer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferRequest), args.Error(1)
}

func (m *MockDataSource) GetTransfer(ctx context.Context, id string) (*model.TransferRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TransferRequest), args.Error(1)
}

func (m *MockDataSource) GetAllTransfers(ctx context.Context, limit, offset int) ([]*model.TransferRequest, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*model.TransferRequest), args.Error(1)
}

func (m *MockDataSource) AdvanceTransferStage(ctx context.Context, transfer *model.TransferRequest, from model.Stage) error {
	args := m.Called(ctx, transfer, from)
	return args.Error(0)
}

func (m *MockDataSource) UpdateTransferStatus(ctx context.Context, id string, status model.TransferStatus, lastError string) error {
	args := m.Called(ctx, id, status, lastError)
	return args.Error(0)
}

func (m *MockDataSource) ActivateTransfer(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) RecordTransferAttempt(ctx context.Context, id string, attempt int, lastError string) error {
	args := m.Called(ctx, id, attempt, lastError)
	return args.Error(0)
}

func (m *MockDataSource) IncrementContinuationRounds(ctx context.Context, id string, max int) (int, error) {
	args := m.Called(ctx, id, max)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) IncrementRecoveryAttempts(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockDataSource) GetStuckTransfers(ctx context.Context, threshold time.Duration, limit int) ([]*model.TransferRequest, error) {
	args := m.Called(ctx, threshold, limit)
	return args.Get(0).([]*model.TransferRequest), args.Error(1)
}
