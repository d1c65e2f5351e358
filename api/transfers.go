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
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/fhirtransfer/outbound/api/model"
	"github.com/fhirtransfer/outbound/config"
)

// queryInt reads an integer query parameter. Missing or non-integer values give def.
func queryInt(c *gin.Context, key string, def int) int {
	raw, ok := c.GetQuery(key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func (a Api) HealthCheck(c *gin.Context) {
	if err := a.outbound.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (a Api) CreateTransferRequest(c *gin.Context) {
	var req model2.CreateTransferRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conf, err := config.Fetch()
	if err != nil {
		respondError(c, err)
		return
	}
	if err := req.ValidateCreateTransferRequest(conf.Transfer.AcceptedTransferCodes()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	transfer, err := a.outbound.SubmitTransfer(c.Request.Context(), req.PatientID, req.TransferTo)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, model2.NewTransferInfo(transfer))
}

func (a Api) DryRunTransferRequest(c *gin.Context) {
	req := model2.DryRunRequest{PatientID: c.Query("patient_id")}
	if req.PatientID == "" && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := req.ValidateDryRunRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bundle, err := a.outbound.DryRunTransfer(c.Request.Context(), req.PatientID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bundle": bundle})
}

func (a Api) GetTransferRequest(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	transfer, err := a.outbound.GetTransfer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model2.NewTransferInfo(transfer))
}

func (a Api) GetAllTransferRequests(c *gin.Context) {
	transfers, err := a.outbound.ListTransfers(c.Request.Context(), queryInt(c, "start", 0), queryInt(c, "end", -1))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model2.NewTransferInfos(transfers))
}

func (a Api) GetPatientTransferRequests(c *gin.Context) {
	patientID := c.Param("patientId")

	transfers, err := a.outbound.ListPatientTransfers(c.Request.Context(), patientID, queryInt(c, "start", 0), queryInt(c, "end", -1))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model2.NewTransferInfos(transfers))
}

// RetryTransferRequest lets an operator resume a stalled transfer request.
func (a Api) RetryTransferRequest(c *gin.Context) {
	transfer, err := a.outbound.ResumeTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, model2.NewTransferInfo(transfer))
}

// RecoverStuckTransfers runs the recovery sweep now. threshold is a Go duration, default 1h.
func (a Api) RecoverStuckTransfers(c *gin.Context) {
	threshold := time.Hour
	if raw := c.Query("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a duration such as 30m"})
			return
		}
		threshold = d
	}

	n, err := a.outbound.RecoverStuckTransfers(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": n, "threshold": threshold.String()})
}
