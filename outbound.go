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
	"embed"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/database"
	"github.com/fhirtransfer/outbound/internal/cache"
	"github.com/fhirtransfer/outbound/internal/fhir"
	"github.com/fhirtransfer/outbound/internal/inbound"
	redis_db "github.com/fhirtransfer/outbound/internal/redis-db"
	"github.com/fhirtransfer/outbound/model"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var (
	ErrDuplicateActiveTransfer = database.ErrDuplicateActiveTransfer
	ErrTransferNotFound        = database.ErrTransferNotFound
	ErrRetriesExhausted        = database.ErrRetriesExhausted
	ErrUnknownStage            = model.ErrUnknownStage
	ErrAlreadySuperseded       = fhir.ErrAlreadySuperseded
	ErrInvalidPatientID        = errors.New("invalid patient id")
	ErrInvalidDestinationCode  = errors.New("invalid transfer code")
	// ErrNotResumable is returned when an operator asks to resume a record that is not stalled,
	// or whose stages say it needs manual repair.
	ErrNotResumable = errors.New("transfer request cannot be resumed")
)

// Origin is the origin region's record system.
type Origin interface {
	AssertPatientCanBeTransferred(ctx context.Context, patientID string) error
	FetchPatientBundle(ctx context.Context, patientID string) (*model.Bundle, error)
	WriteSupersessionMarker(ctx context.Context, patientID, destinationCode, transferID, assignedID string) error
}

// Destination is a receiving region's inbound transfer service.
type Destination interface {
	SubmitBundle(ctx context.Context, bundle *model.Bundle, destinationCode string) (*inbound.SubmitResult, error)
}

// Scheduler delivers transfer work to the workers.
type Scheduler interface {
	EnqueueTransfer(ctx context.Context, transferID string) error
	EnqueueContinuation(ctx context.Context, transferID string, round int, delay time.Duration) error
	EnqueueRecovery(ctx context.Context, transferID string, round, attempt int) error
	EnqueueCompensation(ctx context.Context, transferID string, round int) error
	EnqueueWebhook(ctx context.Context, hook NewWebhook) error
	// TaskAlive reports whether any of the task ids is still waiting for or held by a worker.
	TaskAlive(ctx context.Context, taskIDs ...string) (bool, error)
}

// Outbound runs outbound patient transfers.
type Outbound struct {
	datasource  database.IDataSource
	origin      Origin
	destination Destination
	queue       Scheduler
	cache       cache.Cache
	redis       *redis_db.Redis
}

type Option func(*Outbound)

func WithCache(c cache.Cache) Option {
	return func(o *Outbound) { o.cache = c }
}

func WithRedis(r *redis_db.Redis) Option {
	return func(o *Outbound) { o.redis = r }
}

// New wires an Outbound from its collaborators.
func New(db database.IDataSource, origin Origin, destination Destination, scheduler Scheduler, opts ...Option) *Outbound {
	o := &Outbound{
		datasource:  db,
		origin:      origin,
		destination: destination,
		queue:       scheduler,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOutbound builds an Outbound from the loaded configuration.
func NewOutbound(db database.IDataSource) (*Outbound, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	queue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	return New(
		db,
		fhir.NewClientFromConfig(configuration.Transfer),
		inbound.NewClient(configuration.Transfer),
		queue,
		WithRedis(redisClient),
		WithCache(cache.NewRedisCache(redisClient.Client())),
	), nil
}

// HealthCheck reports whether the store and redis are reachable.
func (o *Outbound) HealthCheck(ctx context.Context) error {
	if err := o.datasource.Ping(ctx); err != nil {
		return err
	}
	if o.redis != nil {
		if err := o.redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func transferLogger(t *model.TransferRequest) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"transfer_id": t.TransferID,
		"patient_id":  t.PatientID,
		"transfer_to": t.DestinationCode,
		"stage":       t.Stage,
	})
}
