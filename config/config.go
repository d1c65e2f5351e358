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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "3000"

	DEFAULT_TRANSFER_QUEUE     = "transfer-request-queue"
	DEFAULT_COMPENSATION_QUEUE = "transfer-compensation-queue"
	DEFAULT_WEBHOOK_QUEUE      = "transfer-webhook-queue"

	DEFAULT_SUPERSESSION_EXTENSION_URL = "urn:fhir-transfer:patient-transferred-to"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL         bool     `json:"ssl" envconfig:"TRANSFER_SERVER_SSL"`
	Secure      bool     `json:"secure" envconfig:"TRANSFER_SERVER_SECURE"`
	SecretKey   string   `json:"secret_key" envconfig:"TRANSFER_SERVER_SECRET_KEY"`
	Domain      string   `json:"domain" envconfig:"TRANSFER_SERVER_SSL_DOMAIN"`
	Email       string   `json:"ssl_email" envconfig:"TRANSFER_SERVER_SSL_EMAIL"`
	Port        string   `json:"port" envconfig:"TRANSFER_SERVER_PORT"`
	CorsOrigins []string `json:"cors_origins" envconfig:"TRANSFER_DASHBOARD_ORIGINS"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"TRANSFER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"TRANSFER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"TRANSFER_REDIS_SKIP_TLS_VERIFY"`
}

// QueueConfig controls task delivery and the retry policy of transfer records.
type QueueConfig struct {
	TransferQueue          string `json:"transfer_queue" envconfig:"TRANSFER_QUEUE_TRANSFER_QUEUE"`
	CompensationQueue      string `json:"compensation_queue" envconfig:"TRANSFER_QUEUE_COMPENSATION_QUEUE"`
	WebhookQueue           string `json:"webhook_queue" envconfig:"TRANSFER_QUEUE_WEBHOOK_QUEUE"`
	MaxRetryAttempts       int    `json:"max_retry_attempts" envconfig:"TRANSFER_QUEUE_MAX_RETRY_ATTEMPTS"`
	BackoffBaseMs          int    `json:"backoff_base_ms" envconfig:"TRANSFER_QUEUE_BACKOFF_BASE_MS"`
	MaxContinuationRounds  int    `json:"max_continuation_rounds" envconfig:"TRANSFER_QUEUE_MAX_CONTINUATION_ROUNDS"`
	ContinuationBaseDelayS int    `json:"continuation_base_delay_sec" envconfig:"TRANSFER_QUEUE_CONTINUATION_BASE_DELAY_SEC"`
	Concurrency            int    `json:"concurrency" envconfig:"TRANSFER_QUEUE_CONCURRENCY"`
	RetentionHours         int    `json:"retention_hours" envconfig:"TRANSFER_QUEUE_RETENTION_HOURS"`
	MonitoringPort         string `json:"monitoring_port" envconfig:"TRANSFER_QUEUE_MONITORING_PORT"`
}

// TransferConfig describes this region and the regions it can transfer to.
type TransferConfig struct {
	OwnTransferCode          string            `json:"own_transfer_code" envconfig:"TRANSFER_OWN_TRANSFER_CODE"`
	TransferCodes            []string          `json:"transfer_codes" envconfig:"TRANSFER_TRANSFER_CODES"`
	FhirUrl                  string            `json:"fhir_url" envconfig:"TRANSFER_FHIR_URL"`
	InboundServices          map[string]string `json:"inbound_services" envconfig:"TRANSFER_INBOUND_SERVICES"`
	SupersessionExtensionUrl string            `json:"supersession_extension_url" envconfig:"TRANSFER_SUPERSESSION_EXTENSION_URL"`
	HttpTimeoutSec           int               `json:"http_timeout_sec" envconfig:"TRANSFER_HTTP_TIMEOUT_SEC"`
}

type RecoveryConfig struct {
	Enabled             bool `json:"enabled" envconfig:"TRANSFER_RECOVERY_ENABLED"`
	PollIntervalSec     int  `json:"poll_interval_sec" envconfig:"TRANSFER_RECOVERY_POLL_INTERVAL_SEC"`
	StuckThresholdMin   int  `json:"stuck_threshold_min" envconfig:"TRANSFER_RECOVERY_STUCK_THRESHOLD_MIN"`
	BatchSize           int  `json:"batch_size" envconfig:"TRANSFER_RECOVERY_BATCH_SIZE"`
	MaxRecoveryAttempts int  `json:"max_recovery_attempts" envconfig:"TRANSFER_RECOVERY_MAX_ATTEMPTS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TRANSFER_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TRANSFER_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TRANSFER_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"TRANSFER_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"TRANSFER_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName          string           `json:"project_name" envconfig:"TRANSFER_PROJECT_NAME"`
	Server               ServerConfig     `json:"server"`
	DataSource           DataSourceConfig `json:"data_source"`
	Redis                RedisConfig      `json:"redis"`
	Queue                QueueConfig      `json:"queue"`
	Transfer             TransferConfig   `json:"transfer"`
	Recovery             RecoveryConfig   `json:"recovery"`
	Notification         Notification     `json:"notification"`
	RateLimit            RateLimitConfig  `json:"rate_limit"`
	EnableTelemetry      bool             `json:"enable_telemetry" envconfig:"TRANSFER_ENABLE_TELEMETRY"`
	OtelExporterEndpoint string           `json:"otel_exporter_endpoint" envconfig:"TRANSFER_OTEL_EXPORTER_ENDPOINT"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("transfer", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called transfer.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Transfer Outbound"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if err := cnf.Transfer.validateAndAddDefaults(); err != nil {
		return err
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.addDefaults()
	cnf.Recovery.addDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (t *TransferConfig) validateAndAddDefaults() error {
	t.OwnTransferCode = strings.TrimSpace(t.OwnTransferCode)
	if t.OwnTransferCode == "" {
		return errors.New("own transfer code is required")
	}
	if t.FhirUrl == "" {
		return errors.New("fhir url is required")
	}
	t.FhirUrl = strings.TrimRight(strings.TrimSpace(t.FhirUrl), "/")

	if len(t.TransferCodes) == 0 {
		t.TransferCodes = []string{"BC", "ON"}
	}

	for _, code := range t.TransferCodes {
		if code == t.OwnTransferCode {
			continue
		}
		if _, ok := t.InboundServices[code]; !ok {
			log.Printf("Warning: no inbound transfer service configured for transfer code %s", code)
		}
	}

	if t.SupersessionExtensionUrl == "" {
		t.SupersessionExtensionUrl = DEFAULT_SUPERSESSION_EXTENSION_URL
	}
	if t.HttpTimeoutSec <= 0 {
		t.HttpTimeoutSec = 30
	}
	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.TransferQueue == "" {
		q.TransferQueue = DEFAULT_TRANSFER_QUEUE
	}
	if q.CompensationQueue == "" {
		q.CompensationQueue = DEFAULT_COMPENSATION_QUEUE
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.MaxRetryAttempts <= 0 {
		q.MaxRetryAttempts = 3
	}
	if q.BackoffBaseMs <= 0 {
		q.BackoffBaseMs = 1000
	}
	if q.MaxContinuationRounds <= 0 {
		q.MaxContinuationRounds = 5
	}
	if q.ContinuationBaseDelayS <= 0 {
		q.ContinuationBaseDelayS = 30
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 10
	}
	if q.RetentionHours <= 0 {
		q.RetentionHours = 24 * 7
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
}

func (r *RecoveryConfig) addDefaults() {
	if r.PollIntervalSec <= 0 {
		r.PollIntervalSec = 30
	}
	if r.StuckThresholdMin <= 0 {
		r.StuckThresholdMin = 60
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.MaxRecoveryAttempts <= 0 {
		r.MaxRecoveryAttempts = 3
	}
}

// InboundServiceURL returns the base URL of the inbound transfer service for a transfer code.
func (t TransferConfig) InboundServiceURL(code string) (string, error) {
	url, ok := t.InboundServices[code]
	if !ok || url == "" {
		return "", fmt.Errorf("no inbound transfer service configured for %q", code)
	}
	return strings.TrimRight(url, "/"), nil
}

// AcceptedTransferCodes lists the codes a transfer may target, excluding this region's own code.
func (t TransferConfig) AcceptedTransferCodes() []string {
	codes := make([]string, 0, len(t.TransferCodes))
	for _, code := range t.TransferCodes {
		if code != t.OwnTransferCode {
			codes = append(codes, code)
		}
	}
	return codes
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
