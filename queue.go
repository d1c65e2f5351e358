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
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fhirtransfer/outbound/config"
	redis_db "github.com/fhirtransfer/outbound/internal/redis-db"
)

const (
	TaskProcessTransfer    = "transfer:process"
	TaskCompensateTransfer = "transfer:compensate"
	TaskDeliverWebhook     = "transfer:webhook"

	webhookMaxRetry      = 5
	compensationMaxRetry = 10
)

// TransferTaskPayload is the body of every transfer and compensation task.
// The record itself lives in the store; the task only names it.
type TransferTaskPayload struct {
	TransferID string `json:"transfer_id"`
	Round      int    `json:"round,omitempty"`
}

// Queue represents a queue for handling transfer tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the redis dns could not be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf.Queue,
	}, nil
}

// Close releases the client and inspector connections.
func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

func continuationTaskID(transferID string, round int) string {
	return fmt.Sprintf("%s:continue:%d", transferID, round)
}

func recoveryTaskID(transferID string, attempt int) string {
	return fmt.Sprintf("%s:recover:%d", transferID, attempt)
}

func compensationTaskID(transferID string, round int) string {
	return fmt.Sprintf("%s:compensate:%d", transferID, round)
}

func (q *Queue) enqueue(ctx context.Context, taskType, taskID string, payload interface{}, opts ...asynq.Option) error {
	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := append([]asynq.Option{
		asynq.TaskID(taskID),
		asynq.Retention(time.Duration(q.conf.RetentionHours) * time.Hour),
	}, opts...)
	task := asynq.NewTask(taskType, IPayload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		// A task with the same id is already queued or retained, so this delivery already happened.
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Printf(" [*] Task %s already enqueued", taskID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued %s: %s", taskType, taskID)
	return nil
}

// EnqueueTransfer enqueues the first delivery of a transfer record.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - transferID string: The ID of the transfer record.
//
// Returns:
// - error: An error if the task could not be enqueued.
func (q *Queue) EnqueueTransfer(ctx context.Context, transferID string) error {
	return q.enqueue(ctx, TaskProcessTransfer, transferID, TransferTaskPayload{TransferID: transferID},
		asynq.Queue(q.conf.TransferQueue),
		asynq.MaxRetry(q.conf.MaxRetryAttempts),
	)
}

// EnqueueContinuation schedules a new attempt pass for a record whose earlier pass was abandoned.
// Each round has its own task id, so a compensation that runs twice enqueues one continuation.
func (q *Queue) EnqueueContinuation(ctx context.Context, transferID string, round int, delay time.Duration) error {
	return q.enqueue(ctx, TaskProcessTransfer, continuationTaskID(transferID, round),
		TransferTaskPayload{TransferID: transferID, Round: round},
		asynq.Queue(q.conf.TransferQueue),
		asynq.MaxRetry(q.conf.MaxRetryAttempts),
		asynq.ProcessIn(delay),
	)
}

// EnqueueRecovery re-delivers a record whose task was lost.
func (q *Queue) EnqueueRecovery(ctx context.Context, transferID string, round, attempt int) error {
	return q.enqueue(ctx, TaskProcessTransfer, recoveryTaskID(transferID, attempt),
		TransferTaskPayload{TransferID: transferID, Round: round},
		asynq.Queue(q.conf.TransferQueue),
		asynq.MaxRetry(q.conf.MaxRetryAttempts),
	)
}

// EnqueueCompensation hands an abandoned pass to the compensation handler.
func (q *Queue) EnqueueCompensation(ctx context.Context, transferID string, round int) error {
	return q.enqueue(ctx, TaskCompensateTransfer, compensationTaskID(transferID, round),
		TransferTaskPayload{TransferID: transferID, Round: round},
		asynq.Queue(q.conf.CompensationQueue),
		asynq.MaxRetry(compensationMaxRetry),
	)
}

// EnqueueWebhook enqueues a webhook delivery.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	IPayload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskDeliverWebhook, IPayload,
		asynq.Queue(q.conf.WebhookQueue),
		asynq.MaxRetry(webhookMaxRetry),
	)
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return err
	}
	log.Printf(" [*] Successfully enqueued webhook: %s", hook.Event)
	return nil
}

// TaskAlive reports whether any of the given tasks is pending, scheduled, active
// or waiting for a retry on the transfer or compensation queue.
func (q *Queue) TaskAlive(ctx context.Context, taskIDs ...string) (bool, error) {
	for _, queue := range []string{q.conf.TransferQueue, q.conf.CompensationQueue} {
		for _, id := range taskIDs {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			info, err := q.Inspector.GetTaskInfo(queue, id)
			if err != nil {
				if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
					continue
				}
				return false, err
			}
			switch info.State {
			case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateActive, asynq.TaskStateRetry:
				return true, nil
			}
		}
	}
	return false, nil
}
