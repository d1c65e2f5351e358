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
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fhirtransfer/outbound/model"
)

var patientIDPattern = regexp.MustCompile(`^[0-9]+$`)

type CreateTransferRequest struct {
	PatientID  string `json:"patient_id" form:"patient_id"`
	TransferTo string `json:"transfer_to" form:"transfer_to"`
}

type DryRunRequest struct {
	PatientID string `json:"patient_id" form:"patient_id"`
}

func patientIDRules() []validation.Rule {
	return []validation.Rule{
		validation.Required.Error(fmt.Sprintf("expected to match pattern %q", patientIDPattern.String())),
		validation.Match(patientIDPattern).Error(fmt.Sprintf("expected to match pattern %q", patientIDPattern.String())),
	}
}

func transferCodeRule(accepted []string) validation.Rule {
	return validation.By(func(value interface{}) error {
		code, _ := value.(string)
		for _, a := range accepted {
			if a == code {
				return nil
			}
		}
		return errors.New("expected one of [" + strings.Join(accepted, ", ") + "]")
	})
}

// ValidateCreateTransferRequest checks the patient id format and that transfer_to is one of the accepted codes.
func (r *CreateTransferRequest) ValidateCreateTransferRequest(accepted []string) error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PatientID, patientIDRules()...),
		validation.Field(&r.TransferTo, transferCodeRule(accepted)),
	)
}

func (r *DryRunRequest) ValidateDryRunRequest() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PatientID, patientIDRules()...),
	)
}

// TransferInfo is the job info returned by every transfer request route.
type TransferInfo struct {
	JobID           string               `json:"job_id"`
	State           model.TransferStatus `json:"state"`
	FinishedOn      *time.Time           `json:"finished_on"`
	FailedReason    string               `json:"failed_reason,omitempty"`
	PatientID       string               `json:"patient_id"`
	NewPatientID    string               `json:"new_patient_id,omitempty"`
	TransferTo      string               `json:"transfer_to"`
	Stage           model.Stage          `json:"stage"`
	CompletedStages []model.Stage        `json:"completed_stages"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	AttemptCount    int                  `json:"attempt_count"`
	LastError       string               `json:"last_error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

func NewTransferInfo(t *model.TransferRequest) TransferInfo {
	info := TransferInfo{
		JobID:           t.TransferID,
		State:           t.Status,
		FinishedOn:      t.FinishedOn,
		PatientID:       t.PatientID,
		NewPatientID:    t.NewPatientID,
		TransferTo:      t.DestinationCode,
		Stage:           t.Stage,
		CompletedStages: t.CompletedStages,
		RejectionReason: t.RejectionReason,
		AttemptCount:    t.AttemptCount,
		LastError:       t.LastError,
		CreatedAt:       t.CreatedAt,
	}
	if t.Status == model.StatusFailed || t.Status == model.StatusStalled {
		info.FailedReason = t.LastError
	}
	if info.CompletedStages == nil {
		info.CompletedStages = []model.Stage{}
	}
	return info
}

func NewTransferInfos(transfers []*model.TransferRequest) []TransferInfo {
	infos := make([]TransferInfo, 0, len(transfers))
	for _, t := range transfers {
		infos = append(infos, NewTransferInfo(t))
	}
	return infos
}
