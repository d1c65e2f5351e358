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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fhirtransfer/outbound"
	"github.com/fhirtransfer/outbound/api/middleware"
	"github.com/fhirtransfer/outbound/config"
)

type Api struct {
	outbound *outbound.Outbound
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.GET("/healthcheck", a.HealthCheck)

	router.GET("/transfer-request", a.GetAllTransferRequests)
	router.POST("/transfer-request", a.CreateTransferRequest)
	router.GET("/transfer-request/dry-run", a.DryRunTransferRequest)
	router.GET("/transfer-request/:id", a.GetTransferRequest)
	router.POST("/transfer-request/:id/retry", a.RetryTransferRequest)

	router.GET("/patient/:patientId/transfer-request", a.GetPatientTransferRequests)

	router.POST("/recover-transfers", a.RecoverStuckTransfers)
	return a.router
}

func NewAPI(o *outbound.Outbound) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.CORSMiddleware(conf))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{outbound: o, router: r}
}
