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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/internal/request"
)

func slackMessage(systemError error, at time.Time) map[string]interface{} {
	field := func(text string) map[string]interface{} {
		return map[string]interface{}{
			"type":   "section",
			"fields": []map[string]string{{"type": "mrkdwn", "text": text}},
		}
	}
	return map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": "Error From Transfer Outbound 🐞", "emoji": true},
			},
			field(fmt.Sprintf("*Error:*\n%v", systemError)),
			field(fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))),
		},
	}
}

// SlackNotification posts the error to the configured Slack webhook.
func SlackNotification(ctx context.Context, systemError error) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return nil
	}

	resp, err := request.NewClient(10*time.Second).Call(ctx, http.MethodPost, conf.Notification.Slack.WebhookUrl, slackMessage(systemError, time.Now()), nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(resp.Body))
	}
	return nil
}

// NotifyError logs the error and, when Slack is configured, reports it there
// in the background.
func NotifyError(systemError error) {
	logrus.Error(systemError)
	go func(systemError error) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, systemError); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}(systemError)
}
