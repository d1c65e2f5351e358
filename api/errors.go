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
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fhirtransfer/outbound"
	"github.com/fhirtransfer/outbound/internal/apierror"
	"github.com/fhirtransfer/outbound/internal/fhir"
)

// errorStatus maps domain errors to HTTP statuses. Upstream FHIR errors keep the
// status the FHIR server answered with.
func errorStatus(err error) int {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apierror.MapErrorToHTTPStatus(err)
	}

	var upstream *fhir.UpstreamError
	switch {
	case errors.As(err, &upstream):
		return upstream.StatusCode
	case errors.Is(err, fhir.ErrPatientNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbound.ErrAlreadySuperseded),
		errors.Is(err, outbound.ErrInvalidPatientID),
		errors.Is(err, outbound.ErrInvalidDestinationCode):
		return http.StatusBadRequest
	case errors.Is(err, outbound.ErrDuplicateActiveTransfer), errors.Is(err, outbound.ErrNotResumable):
		return http.StatusConflict
	case errors.Is(err, outbound.ErrTransferNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": errorMessage(err)})
}
