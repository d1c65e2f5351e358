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

package model

import (
	"encoding/json"
	"time"
)

// TransferStatus is the queue-level state of a transfer record, independent of its saga stage.
type TransferStatus string

const (
	StatusQueued    TransferStatus = "queued"
	StatusActive    TransferStatus = "active"
	StatusRetrying  TransferStatus = "retrying"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	// StatusStalled needs an operator: data may exist at both ends with neither marked authoritative.
	StatusStalled TransferStatus = "stalled"
)

// ActiveStatuses hold the patient's dedup key.
var ActiveStatuses = []TransferStatus{StatusQueued, StatusActive, StatusRetrying, StatusStalled}

func (s TransferStatus) IsActive() bool {
	for _, active := range ActiveStatuses {
		if s == active {
			return true
		}
	}
	return false
}

// TransferRequest is the durable record of one transfer attempt.
type TransferRequest struct {
	ID                 int64          `json:"-"`
	TransferID         string         `json:"job_id"`
	PatientID          string         `json:"patient_id"`
	DestinationCode    string         `json:"transfer_to"`
	Stage              Stage          `json:"stage"`
	CompletedStages    []Stage        `json:"completed_stages"`
	NewPatientID       string         `json:"new_patient_id,omitempty"`
	RejectionReason    string         `json:"rejection_reason,omitempty"`
	Status             TransferStatus `json:"state"`
	AttemptCount       int            `json:"attempt_count"`
	LastError          string         `json:"last_error,omitempty"`
	ContinuationRounds int            `json:"continuation_rounds"`
	RecoveryAttempts   int            `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	FinishedOn         *time.Time     `json:"finished_on,omitempty"`
}

// NewTransferRequest builds the draft that the submission path hands to the store.
func NewTransferRequest(patientID, destinationCode string) *TransferRequest {
	return &TransferRequest{
		PatientID:       patientID,
		DestinationCode: destinationCode,
		Stage:           InitialStage,
		CompletedStages: []Stage{},
		Status:          StatusQueued,
	}
}

// HasCompleted reports whether stage s is recorded as finished.
func (t *TransferRequest) HasCompleted(s Stage) bool {
	for _, completed := range t.CompletedStages {
		if completed == s {
			return true
		}
	}
	return false
}

// CompleteStage appends the current stage to the completed list and moves to next.
func (t *TransferRequest) CompleteStage(next Stage) {
	if !t.HasCompleted(t.Stage) {
		t.CompletedStages = append(t.CompletedStages, t.Stage)
	}
	t.Stage = next
}

// Clone returns a deep copy, so in-process stores never share slices with callers.
func (t *TransferRequest) Clone() *TransferRequest {
	c := *t
	c.CompletedStages = append([]Stage{}, t.CompletedStages...)
	if t.FinishedOn != nil {
		finished := *t.FinishedOn
		c.FinishedOn = &finished
	}
	return &c
}

func (t *TransferRequest) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}
