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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound/config"
	redlock "github.com/fhirtransfer/outbound/internal/lock"
	"github.com/fhirtransfer/outbound/internal/notification"
	"github.com/fhirtransfer/outbound/model"
)

const (
	sweepLeaseKey = "transfer-recovery:sweep"
	sweepLeaseTTL = 5 * time.Minute
)

// TransferRecoveryProcessor re-delivers transfer records whose queue task was lost,
// for example when redis was flushed or enqueueing failed right after admission.
type TransferRecoveryProcessor struct {
	outbound            *Outbound
	batchSize           int
	maxWorkers          int
	pollInterval        time.Duration
	stuckThreshold      time.Duration
	maxRecoveryAttempts int
	stopCh              chan struct{}
	wg                  sync.WaitGroup
	running             bool
	mu                  sync.Mutex
}

func NewTransferRecoveryProcessor(o *Outbound) *TransferRecoveryProcessor {
	p := &TransferRecoveryProcessor{
		outbound:            o,
		batchSize:           100,
		maxWorkers:          10,
		pollInterval:        30 * time.Second,
		stuckThreshold:      1 * time.Hour,
		maxRecoveryAttempts: 3,
		stopCh:              make(chan struct{}),
	}

	cfg, err := config.Fetch()
	if err == nil {
		p.batchSize = cfg.Recovery.BatchSize
		p.pollInterval = time.Duration(cfg.Recovery.PollIntervalSec) * time.Second
		p.stuckThreshold = time.Duration(cfg.Recovery.StuckThresholdMin) * time.Minute
		p.maxRecoveryAttempts = cfg.Recovery.MaxRecoveryAttempts
		if cfg.Queue.Concurrency > 0 {
			p.maxWorkers = cfg.Queue.Concurrency
		}
	}
	return p
}

func (p *TransferRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Transfer recovery processor started")
}

func (p *TransferRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Transfer recovery processor stopped")
}

func (p *TransferRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *TransferRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Transfer recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Transfer recovery processor stop signal received")
			return
		case <-ticker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		}
	}
}

// RecoverStuckTransfers triggers an immediate recovery sweep using the provided threshold.
// This is exposed for the manual trigger API endpoint.
func (o *Outbound) RecoverStuckTransfers(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	processor := NewTransferRecoveryProcessor(o)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *TransferRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	release, err := p.acquireSweepLease(ctx)
	if err != nil {
		if errors.Is(err, redlock.ErrLockHeld) {
			logrus.Debug("another worker is sweeping stuck transfer requests")
		} else {
			logrus.Errorf("failed to take the recovery sweep lease: %v", err)
		}
		return 0
	}
	defer release()

	stuck, err := p.outbound.datasource.GetStuckTransfers(ctx, threshold, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck transfer requests: %v", err)
		return 0
	}

	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stuck transfer requests with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, transfer := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(t *model.TransferRequest) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.processStuckTransfer(ctx, t); err != nil {
				logrus.Errorf("failed to process stuck transfer request %s: %v", t.TransferID, err)
			}
		}(transfer)
	}

	batchWg.Wait()
	return len(stuck)
}

// acquireSweepLease keeps concurrent worker processes from sweeping, and so
// counting recovery attempts, at the same time. Without redis every sweep runs.
func (p *TransferRecoveryProcessor) acquireSweepLease(ctx context.Context) (func(), error) {
	if p.outbound.redis == nil {
		return func() {}, nil
	}
	lease := redlock.NewLease(p.outbound.redis.Client(), sweepLeaseKey)
	if err := lease.Lock(ctx, sweepLeaseTTL); err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Unlock(context.Background()); err != nil {
			logrus.Debugf("failed to release the recovery sweep lease: %v", err)
		}
	}, nil
}

// pendingTaskIDs lists every task id that could currently be carrying the record.
func pendingTaskIDs(t *model.TransferRequest) []string {
	ids := []string{t.TransferID, compensationTaskID(t.TransferID, t.ContinuationRounds)}
	if t.ContinuationRounds > 0 {
		ids = append(ids, continuationTaskID(t.TransferID, t.ContinuationRounds))
	}
	if t.RecoveryAttempts > 0 {
		ids = append(ids, recoveryTaskID(t.TransferID, t.RecoveryAttempts))
	}
	return ids
}

func (p *TransferRecoveryProcessor) processStuckTransfer(ctx context.Context, t *model.TransferRequest) error {
	alive, err := p.outbound.queue.TaskAlive(ctx, pendingTaskIDs(t)...)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}

	attempts, err := p.outbound.datasource.IncrementRecoveryAttempts(ctx, t.TransferID)
	if err != nil {
		return err
	}

	if attempts > p.maxRecoveryAttempts {
		logrus.Warnf("Stuck transfer request %s exceeded max recovery attempts (%d), stalling", t.TransferID, p.maxRecoveryAttempts)
		notification.NotifyError(fmt.Errorf("transfer %s for patient %s lost its queue task %d times", t.TransferID, t.PatientID, attempts-1))
		return p.outbound.stall(ctx, t, "exceeded max recovery attempts")
	}

	if err := p.outbound.queue.EnqueueRecovery(ctx, t.TransferID, t.ContinuationRounds, attempts); err != nil {
		return err
	}
	logrus.Infof("Re-enqueued stuck transfer request %s (recovery attempt %d)", t.TransferID, attempts)
	return nil
}
