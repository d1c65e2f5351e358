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

// Package inbound submits patient bundles to a destination region's inbound
// transfer service.
package inbound

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/internal/request"
	"github.com/fhirtransfer/outbound/model"
)

// SubmitResult is the destination's answer to a bundle submission.
type SubmitResult struct {
	Accepted   bool
	AssignedID string
	StatusCode int
	Body       string
}

type submitRequest struct {
	Bundle *model.Bundle `json:"bundle"`
}

type submitResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Patient *struct {
		ID string `json:"id"`
	} `json:"patient"`
}

// IsDefinitiveRejection reports whether status is a 4xx refusal that retrying
// will not change. Request timeout and rate limiting stay transient.
func IsDefinitiveRejection(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// Reason extracts a readable rejection reason from the response body.
func (r SubmitResult) Reason() string {
	var body submitResponse
	resp := request.Response{StatusCode: r.StatusCode, Body: []byte(r.Body)}
	if resp.Decode(&body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if r.Body != "" {
		return r.Body
	}
	return http.StatusText(r.StatusCode)
}

// Client resolves transfer codes to inbound services.
type Client struct {
	cfg  config.TransferConfig
	http *request.Client
}

func NewClient(cfg config.TransferConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: request.NewClient(time.Duration(cfg.HttpTimeoutSec) * time.Second),
	}
}

// SubmitBundle posts the bundle to the inbound service for destinationCode.
// A transport failure is returned as an error; any HTTP answer, success or not,
// is returned as a SubmitResult for the caller to classify.
func (c *Client) SubmitBundle(ctx context.Context, bundle *model.Bundle, destinationCode string) (*SubmitResult, error) {
	base, err := c.cfg.InboundServiceURL(destinationCode)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Call(ctx, http.MethodPost, base+"/inbound-transfer", submitRequest{Bundle: bundle}, nil)
	if err != nil {
		return nil, fmt.Errorf("submit bundle to %s: %w", destinationCode, err)
	}

	result := &SubmitResult{
		Accepted:   resp.IsSuccess(),
		StatusCode: resp.StatusCode,
		Body:       string(resp.Body),
	}
	if result.Accepted {
		var body submitResponse
		if resp.Decode(&body) == nil && body.Patient != nil {
			result.AssignedID = body.Patient.ID
		}
	}
	return result, nil
}
