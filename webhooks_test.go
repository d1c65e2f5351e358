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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/model"
)

func TestGetEventFromTransfer(t *testing.T) {
	transfer := model.NewTransferRequest("42", "X")
	assert.Equal(t, "transfer.queued", getEventFromTransfer(transfer))

	transfer.Status = model.StatusStalled
	assert.Equal(t, "transfer.stalled", getEventFromTransfer(transfer))

	transfer.Status = model.StatusFailed
	assert.Equal(t, "transfer.failed", getEventFromTransfer(transfer))

	transfer.Status = model.StatusCompleted
	transfer.Stage = model.StageRejected
	assert.Equal(t, "transfer.rejected", getEventFromTransfer(transfer))

	transfer.Stage = model.StageDone
	assert.Equal(t, "transfer.done", getEventFromTransfer(transfer))
}

func TestSendTransferWebhook_NotConfigured(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.Notification.Webhook.Url = ""
	config.MockConfig(cfg)

	h.outbound.sendTransferWebhook(context.Background(), model.NewTransferRequest("42", "X"))
	assert.Empty(t, h.scheduler.webhooks)
}

func TestProcessWebhook(t *testing.T) {
	var received NewWebhook
	var header string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Transfer-Signature")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Notification.Webhook = config.WebhookConfig{Url: server.URL, Headers: map[string]string{"X-Transfer-Signature": "secret"}}
	config.MockConfig(cfg)

	payload, err := json.Marshal(NewWebhook{Event: "transfer.done", Payload: map[string]string{"job_id": "tr_1"}})
	require.NoError(t, err)

	require.NoError(t, ProcessWebhook(context.Background(), asynq.NewTask(TaskDeliverWebhook, payload)))
	assert.Equal(t, "transfer.done", received.Event)
	assert.Equal(t, "secret", header)
}

func TestProcessWebhook_EndpointFailureIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Notification.Webhook.Url = server.URL
	config.MockConfig(cfg)

	payload, err := json.Marshal(NewWebhook{Event: "transfer.failed"})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(TaskDeliverWebhook, payload))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	err = ProcessWebhook(context.Background(), asynq.NewTask(TaskDeliverWebhook, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
