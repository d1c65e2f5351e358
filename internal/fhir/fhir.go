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

// Package fhir talks to the origin region's FHIR server: it checks whether a
// patient may be transferred, collects the patient's record bundle and writes
// the supersession marker once the destination holds the record.
package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound/config"
	"github.com/fhirtransfer/outbound/internal/request"
	"github.com/fhirtransfer/outbound/model"
)

// Sub-extension names inside the supersession marker.
const (
	MarkerDestination  = "destination"
	MarkerTransferID   = "transfer_id"
	MarkerNewPatientID = "new_patient_id"
)

// maxBundlePages bounds how many $everything pages are followed.
const maxBundlePages = 100

var (
	ErrPatientNotFound   = errors.New("patient not found")
	ErrAlreadySuperseded = errors.New("patient has already been transferred out")
	ErrNotAPatient       = errors.New("FHIR server returned a non-Patient resource")
)

// UpstreamError is a non-success answer from the FHIR server.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("FHIR server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("FHIR server returned status %d: %s", e.StatusCode, e.Message)
}

type operationOutcome struct {
	Issue []struct {
		Diagnostics string `json:"diagnostics"`
	} `json:"issue"`
}

type patient struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Extension    []model.Extension `json:"extension,omitempty"`
}

type Client struct {
	baseURL      string
	extensionURL string
	http         *request.Client
}

func NewClient(baseURL, extensionURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		extensionURL: extensionURL,
		http:         request.NewClient(timeout),
	}
}

func NewClientFromConfig(cfg config.TransferConfig) *Client {
	return NewClient(cfg.FhirUrl, cfg.SupersessionExtensionUrl, time.Duration(cfg.HttpTimeoutSec)*time.Second)
}

func (c *Client) patientURL(patientID string) string {
	return fmt.Sprintf("%s/Patient/%s", c.baseURL, url.PathEscape(patientID))
}

func upstreamError(resp *request.Response) error {
	var outcome operationOutcome
	var diagnostics []string
	if json.Unmarshal(resp.Body, &outcome) == nil {
		for _, issue := range outcome.Issue {
			if issue.Diagnostics != "" {
				diagnostics = append(diagnostics, issue.Diagnostics)
			}
		}
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Message: strings.Join(diagnostics, ", ")}
}

func (c *Client) getPatient(ctx context.Context, patientID string) (*request.Response, error) {
	resp, err := c.http.Call(ctx, http.MethodGet, c.patientURL(patientID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch patient %s: %w", patientID, err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %q", ErrPatientNotFound, patientID)
	}
	if !resp.IsSuccess() {
		return nil, upstreamError(resp)
	}
	return resp, nil
}

// supersession returns the marker extension on the patient, if any.
func (c *Client) supersession(p patient) (model.Extension, bool) {
	for _, ext := range p.Extension {
		if ext.URL == c.extensionURL {
			return ext, true
		}
	}
	return model.Extension{}, false
}

// AssertPatientCanBeTransferred fails with ErrPatientNotFound, ErrAlreadySuperseded
// or an upstream error when the patient may not be transferred.
func (c *Client) AssertPatientCanBeTransferred(ctx context.Context, patientID string) error {
	resp, err := c.getPatient(ctx, patientID)
	if err != nil {
		return err
	}

	var p patient
	if err := resp.Decode(&p); err != nil || p.ResourceType != "Patient" {
		return fmt.Errorf("%w for id %q", ErrNotAPatient, patientID)
	}

	if marker, ok := c.supersession(p); ok {
		destination := marker.SubExtension(MarkerDestination)
		if destination == "" {
			destination = marker.ValueString
		}
		return fmt.Errorf("%w: patient %q exists, but has already been transferred out to %q", ErrAlreadySuperseded, patientID, destination)
	}
	return nil
}

// FetchPatientBundle collects the patient's compartment with Patient/$everything,
// following paging links, and returns it as one collection bundle.
func (c *Client) FetchPatientBundle(ctx context.Context, patientID string) (*model.Bundle, error) {
	next := c.patientURL(patientID) + "/$everything"
	entries := []model.BundleEntry{}

	for page := 0; next != ""; page++ {
		if page >= maxBundlePages {
			return nil, fmt.Errorf("patient %s bundle exceeds %d pages", patientID, maxBundlePages)
		}

		resp, err := c.http.Call(ctx, http.MethodGet, next, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch bundle for patient %s: %w", patientID, err)
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("%w: %q", ErrPatientNotFound, patientID)
		}
		if !resp.IsSuccess() {
			return nil, upstreamError(resp)
		}

		var bundle model.Bundle
		if err := resp.Decode(&bundle); err != nil {
			return nil, fmt.Errorf("decode bundle for patient %s: %w", patientID, err)
		}
		if bundle.ResourceType != "Bundle" {
			return nil, fmt.Errorf("expected a Bundle for patient %s, got %q", patientID, bundle.ResourceType)
		}
		entries = append(entries, bundle.Entry...)
		next = bundle.NextLink()
	}

	logrus.WithFields(logrus.Fields{"patient_id": patientID, "entries": len(entries)}).Debug("collected patient bundle")
	return model.NewCollectionBundle(entries), nil
}

// MarkerExtension builds the extension recording where the patient went.
func (c *Client) MarkerExtension(destinationCode, transferID, assignedID string) model.Extension {
	ext := model.Extension{
		URL:         c.extensionURL,
		ValueString: destinationCode,
		Extension: []model.Extension{
			{URL: MarkerDestination, ValueString: destinationCode},
			{URL: MarkerTransferID, ValueString: transferID},
		},
	}
	if assignedID != "" {
		ext.Extension = append(ext.Extension, model.Extension{URL: MarkerNewPatientID, ValueString: assignedID})
	}
	return ext
}

// WriteSupersessionMarker reads the patient, replaces any existing marker
// extension with a fresh one and writes the resource back. Writing the same
// marker twice leaves the patient unchanged.
func (c *Client) WriteSupersessionMarker(ctx context.Context, patientID, destinationCode, transferID, assignedID string) error {
	resp, err := c.getPatient(ctx, patientID)
	if err != nil {
		return err
	}

	var resource map[string]interface{}
	if err := resp.Decode(&resource); err != nil {
		return fmt.Errorf("decode patient %s: %w", patientID, err)
	}
	if resource["resourceType"] != "Patient" {
		return fmt.Errorf("%w for id %q", ErrNotAPatient, patientID)
	}

	extensions := []interface{}{}
	if existing, ok := resource["extension"].([]interface{}); ok {
		for _, e := range existing {
			if m, ok := e.(map[string]interface{}); ok && m["url"] == c.extensionURL {
				continue
			}
			extensions = append(extensions, e)
		}
	}
	resource["extension"] = append(extensions, c.MarkerExtension(destinationCode, transferID, assignedID))

	putResp, err := c.http.Call(ctx, http.MethodPut, c.patientURL(patientID), resource, map[string]string{"Content-Type": "application/fhir+json"})
	if err != nil {
		return fmt.Errorf("write supersession marker for patient %s: %w", patientID, err)
	}
	if !putResp.IsSuccess() {
		return upstreamError(putResp)
	}
	return nil
}
