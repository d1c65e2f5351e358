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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/model"
)

const (
	terminalCacheTTL = time.Hour
	// maxListSize caps a list request that asks for everything.
	maxListSize = 1000
)

var (
	tracer = otel.Tracer("transfer.outbound")

	patientIDPattern = regexp.MustCompile(`^[0-9]+$`)
)

func transferCacheKey(id string) string {
	return "transfer:" + id
}

// ValidatePatientID checks the origin's patient id format.
func ValidatePatientID(patientID string) error {
	if !patientIDPattern.MatchString(patientID) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid patient ID", fmt.Errorf("%w: %q", ErrInvalidPatientID, patientID))
	}
	return nil
}

// ValidateDestinationCode checks code against the configured transfer codes, excluding this region's own.
func ValidateDestinationCode(code string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	accepted := cfg.Transfer.AcceptedTransferCodes()
	for _, c := range accepted {
		if c == code {
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrInvalidInput,
		fmt.Sprintf("Invalid transfer code. Must be one of: %s", strings.Join(accepted, ", ")),
		fmt.Errorf("%w: %q", ErrInvalidDestinationCode, code))
}

// SubmitTransfer validates a request and admits it as a durable transfer record.
// A patient with an active record is refused with ErrDuplicateActiveTransfer.
func (o *Outbound) SubmitTransfer(ctx context.Context, patientID, destinationCode string) (*model.TransferRequest, error) {
	ctx, span := tracer.Start(ctx, "SubmitTransfer")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID), attribute.String("transfer.to", destinationCode))

	if err := ValidatePatientID(patientID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ValidateDestinationCode(destinationCode); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := o.origin.AssertPatientCanBeTransferred(ctx, patientID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	transfer, err := o.datasource.CreateTransfer(ctx, model.NewTransferRequest(patientID, destinationCode))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transfer.id", transfer.TransferID))

	// The record is durable at this point. If delivery fails the recovery sweep re-enqueues it.
	if err := o.queue.EnqueueTransfer(ctx, transfer.TransferID); err != nil {
		transferLogger(transfer).WithError(err).Warn("failed to enqueue transfer request; left for recovery")
	}

	transferLogger(transfer).Info("transfer request queued")
	o.sendTransferWebhook(ctx, transfer)
	return transfer, nil
}

// GetTransfer loads a record. Terminal records never change again, so they are served from the cache.
func (o *Outbound) GetTransfer(ctx context.Context, id string) (*model.TransferRequest, error) {
	ctx, span := tracer.Start(ctx, "GetTransfer", trace.WithAttributes(attribute.String("transfer.id", id)))
	defer span.End()

	if o.cache != nil {
		cached := model.TransferRequest{}
		if err := o.cache.Get(ctx, transferCacheKey(id), &cached); err == nil {
			span.AddEvent("cache hit")
			return &cached, nil
		}
	}

	transfer, err := o.datasource.GetTransfer(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	o.cacheTerminal(ctx, transfer)
	return transfer, nil
}

func (o *Outbound) cacheTerminal(ctx context.Context, transfer *model.TransferRequest) {
	if o.cache == nil || !isFinal(transfer) {
		return
	}
	if err := o.cache.Set(ctx, transferCacheKey(transfer.TransferID), transfer, terminalCacheTTL); err != nil {
		logrus.WithError(err).Debug("failed to cache transfer request")
	}
}

// isFinal reports whether nothing will change the record again without a new submission.
func isFinal(transfer *model.TransferRequest) bool {
	return transfer.Status == model.StatusCompleted || transfer.Status == model.StatusFailed
}

// listWindow converts an inclusive [start, end] index range into limit and offset.
// A negative end means up to the last record.
func listWindow(start, end int) (limit, offset int) {
	if start < 0 {
		start = 0
	}
	if end < 0 || end-start+1 > maxListSize {
		return maxListSize, start
	}
	if end < start {
		return 0, start
	}
	return end - start + 1, start
}

// ListTransfers returns records newest first within the inclusive index range [start, end].
func (o *Outbound) ListTransfers(ctx context.Context, start, end int) ([]*model.TransferRequest, error) {
	limit, offset := listWindow(start, end)
	if limit == 0 {
		return []*model.TransferRequest{}, nil
	}
	return o.datasource.GetAllTransfers(ctx, limit, offset)
}

// ListPatientTransfers returns the records in [start, end] that belong to patientID.
func (o *Outbound) ListPatientTransfers(ctx context.Context, patientID string, start, end int) ([]*model.TransferRequest, error) {
	if err := ValidatePatientID(patientID); err != nil {
		return nil, err
	}
	transfers, err := o.ListTransfers(ctx, start, end)
	if err != nil {
		return nil, err
	}
	filtered := []*model.TransferRequest{}
	for _, t := range transfers {
		if t.PatientID == patientID {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// DryRunTransfer gathers the bundle a transfer would send without creating a record.
func (o *Outbound) DryRunTransfer(ctx context.Context, patientID string) (*model.Bundle, error) {
	ctx, span := tracer.Start(ctx, "DryRunTransfer", trace.WithAttributes(attribute.String("patient.id", patientID)))
	defer span.End()

	if err := ValidatePatientID(patientID); err != nil {
		return nil, err
	}
	if err := o.origin.AssertPatientCanBeTransferred(ctx, patientID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	bundle, err := o.origin.FetchPatientBundle(ctx, patientID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return bundle, nil
}
