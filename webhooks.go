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
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/internal/request"
	"github.com/fhirtransfer/outbound/model"
)

const webhookTimeout = 15 * time.Second

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// getEventFromTransfer maps a transfer record to a corresponding event string.
//
// Parameters:
// - transfer *model.TransferRequest: The transfer record.
//
// Returns:
// - string: The corresponding event string for the record's stage and status.
func getEventFromTransfer(transfer *model.TransferRequest) string {
	switch transfer.Stage {
	case model.StageDone:
		return "transfer.done"
	case model.StageRejected:
		return "transfer.rejected"
	}
	switch transfer.Status {
	case model.StatusQueued:
		return "transfer.queued"
	case model.StatusFailed:
		return "transfer.failed"
	case model.StatusStalled:
		return "transfer.stalled"
	case model.StatusRetrying:
		return "transfer.retrying"
	default:
		return "transfer.unknown"
	}
}

// sendTransferWebhook enqueues a webhook for the record's current state. Delivery
// problems are logged and never fail the transfer.
func (o *Outbound) sendTransferWebhook(ctx context.Context, transfer *model.TransferRequest) {
	conf, err := config.Fetch()
	if err != nil || conf.Notification.Webhook.Url == "" {
		return
	}
	hook := NewWebhook{Event: getEventFromTransfer(transfer), Payload: transfer}
	if err := o.queue.EnqueueWebhook(ctx, hook); err != nil {
		transferLogger(transfer).WithError(err).Warn("failed to enqueue webhook")
	}
}

// processHTTP sends a webhook notification via HTTP POST request.
//
// Parameters:
// - ctx context.Context: The context for the request.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request fails or the endpoint does not answer 2xx.
func processHTTP(ctx context.Context, data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	resp, err := request.NewClient(webhookTimeout).Call(ctx, http.MethodPost, conf.Notification.Webhook.Url, data, conf.Notification.Webhook.Headers)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}

	if !resp.IsSuccess() {
		log.Printf("Request failed with status code: %d\n", resp.StatusCode)
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}

	logrus.WithField("event", data.Event).Info("Webhook notification sent successfully")
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log.Printf("Processing webhook: %+v\n", payload.Event)
	return processHTTP(ctx, payload)
}
