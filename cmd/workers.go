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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/fhirtransfer/outbound"
	"github.com/fhirtransfer/outbound/config"
	redis_db "github.com/fhirtransfer/outbound/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights transfer work above compensation, and both above webhooks.
func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.TransferQueue:     6,
		cfg.Queue.CompensationQueue: 3,
		cfg.Queue.WebhookQueue:      1,
	}
}

// retryDelay backs transfer tasks off exponentially from the configured base. Other
// tasks keep asynq's default.
func retryDelay(cfg *config.Configuration) asynq.RetryDelayFunc {
	transferDelay := outbound.TransferRetryDelay(time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond)
	return func(n int, err error, task *asynq.Task) time.Duration {
		if task.Type() == outbound.TaskProcessTransfer {
			return transferDelay(n, err, task)
		}
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}
}

func initializeWorkerServer(app *outboundInstance, conf *config.Configuration) (*asynq.Server, error) {
	redisOption, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency:    conf.Queue.Concurrency,
			Queues:         initializeQueues(conf),
			RetryDelayFunc: retryDelay(conf),
			ErrorHandler:   asynq.ErrorHandlerFunc(app.outbound.HandleTaskError),
			Logger:         logrus.StandardLogger(),
		},
	), nil
}

func initializeTaskHandlers(app *outboundInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(outbound.TaskProcessTransfer, app.outbound.HandleTransferTask)
	mux.HandleFunc(outbound.TaskCompensateTransfer, app.outbound.HandleCompensationTask)
	mux.HandleFunc(outbound.TaskDeliverWebhook, outbound.ProcessWebhook)
}

func startMonitoring(conf *config.Configuration) error {
	redisOption, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
	return nil
}

// workerCommands starts the saga workers: transfer, compensation and webhook
// queues, plus the stuck-transfer recovery sweep when it is enabled.
func workerCommands(app *outboundInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start outbound transfer workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(app, conf)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app, mux)

			if err := startMonitoring(conf); err != nil {
				log.Fatal(err)
			}

			if conf.Recovery.Enabled {
				recovery := outbound.NewTransferRecoveryProcessor(app.outbound)
				recovery.Start(ctx)
				defer recovery.Stop()
			}

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
