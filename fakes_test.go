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
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/internal/inbound"
	"github.com/fhirtransfer/outbound/model"
)

type markerCall struct {
	PatientID       string
	DestinationCode string
	TransferID      string
	AssignedID      string
}

type fakeOrigin struct {
	mu          sync.Mutex
	bundle      *model.Bundle
	assertErr   error
	fetchErr    error
	markerErrs  []error
	fetchCalls  int
	markerCalls []markerCall
}

func (f *fakeOrigin) AssertPatientCanBeTransferred(_ context.Context, _ string) error {
	return f.assertErr
}

func (f *fakeOrigin) FetchPatientBundle(_ context.Context, _ string) (*model.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.bundle == nil {
		return model.NewCollectionBundle(nil), nil
	}
	return f.bundle, nil
}

func (f *fakeOrigin) WriteSupersessionMarker(_ context.Context, patientID, destinationCode, transferID, assignedID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markerCalls = append(f.markerCalls, markerCall{patientID, destinationCode, transferID, assignedID})
	if len(f.markerErrs) > 0 {
		err := f.markerErrs[0]
		f.markerErrs = f.markerErrs[1:]
		return err
	}
	return nil
}

// fakeDestination answers submissions from a script. Once the script runs out it keeps
// returning the last result. Destination has no undo operation, so the only way to
// touch an accepted bundle again is another submission, which calls counts.
type fakeDestination struct {
	mu        sync.Mutex
	results   []*inbound.SubmitResult
	submitted []*model.Bundle
}

func (f *fakeDestination) SubmitBundle(_ context.Context, bundle *model.Bundle, _ string) (*inbound.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, bundle)
	if len(f.results) == 0 {
		return nil, errors.New("connection refused")
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result, nil
}

func (f *fakeDestination) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func accepted(id string) *inbound.SubmitResult {
	return &inbound.SubmitResult{Accepted: true, AssignedID: id, StatusCode: 201}
}

func status(code int, body string) *inbound.SubmitResult {
	return &inbound.SubmitResult{StatusCode: code, Body: body}
}

type continuation struct {
	TransferID string
	Round      int
	Delay      time.Duration
}

type fakeScheduler struct {
	mu            sync.Mutex
	enqueueErr    error
	alive         bool
	transfers     []string
	continuations []continuation
	recoveries    []string
	compensations []string
	webhooks      []NewWebhook
}

func (f *fakeScheduler) EnqueueTransfer(_ context.Context, transferID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.transfers = append(f.transfers, transferID)
	return nil
}

func (f *fakeScheduler) EnqueueContinuation(_ context.Context, transferID string, round int, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continuations = append(f.continuations, continuation{transferID, round, delay})
	return nil
}

func (f *fakeScheduler) EnqueueRecovery(_ context.Context, transferID string, _ int, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, recoveryTaskID(transferID, attempt))
	return nil
}

func (f *fakeScheduler) EnqueueCompensation(_ context.Context, transferID string, round int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensations = append(f.compensations, compensationTaskID(transferID, round))
	return nil
}

func (f *fakeScheduler) EnqueueWebhook(_ context.Context, hook NewWebhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, hook)
	return nil
}

func (f *fakeScheduler) TaskAlive(_ context.Context, _ ...string) (bool, error) {
	return f.alive, nil
}

func (f *fakeScheduler) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]string, 0, len(f.webhooks))
	for _, w := range f.webhooks {
		events = append(events, w.Event)
	}
	return events
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Transfer Outbound",
		DataSource:  config.DataSourceConfig{Dns: database.MemoryDataSourceDns},
		Redis:       config.RedisConfig{Dns: "localhost:6379"},
		Queue: config.QueueConfig{
			TransferQueue:          config.DEFAULT_TRANSFER_QUEUE,
			CompensationQueue:      config.DEFAULT_COMPENSATION_QUEUE,
			WebhookQueue:           config.DEFAULT_WEBHOOK_QUEUE,
			MaxRetryAttempts:       3,
			BackoffBaseMs:          1000,
			MaxContinuationRounds:  2,
			ContinuationBaseDelayS: 30,
			Concurrency:            2,
			RetentionHours:         1,
		},
		Transfer: config.TransferConfig{
			OwnTransferCode: "BC",
			TransferCodes:   []string{"BC", "ON", "X"},
			FhirUrl:         "http://fhir.test",
		},
		Recovery: config.RecoveryConfig{
			PollIntervalSec:     1,
			StuckThresholdMin:   60,
			BatchSize:           10,
			MaxRecoveryAttempts: 3,
		},
		Notification: config.Notification{
			Webhook: config.WebhookConfig{Url: "http://hooks.test/events"},
		},
	}
}

type harness struct {
	outbound    *Outbound
	store       *database.MemoryStore
	origin      *fakeOrigin
	destination *fakeDestination
	scheduler   *fakeScheduler
}

func newHarness(t *testing.T, results ...*inbound.SubmitResult) *harness {
	t.Helper()
	config.MockConfig(testConfig())

	h := &harness{
		store:       database.NewMemoryStore(),
		origin:      &fakeOrigin{},
		destination: &fakeDestination{results: results},
		scheduler:   &fakeScheduler{},
	}
	h.outbound = New(h.store, h.origin, h.destination, h.scheduler)
	return h
}

// deliver plays the queue: it runs the transfer until it succeeds or the retry
// ceiling is reached, reporting every failure the way the asynq error handler does.
func (h *harness) deliver(ctx context.Context, transferID string, round, maxRetry int) error {
	var err error
	for retried := 0; retried <= maxRetry; retried++ {
		err = h.outbound.ProcessTransfer(ctx, transferID)
		if err == nil {
			return nil
		}
		h.outbound.recordFailure(ctx, TransferTaskPayload{TransferID: transferID, Round: round}, retried, maxRetry, err)
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
	}
	return err
}
