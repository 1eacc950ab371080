// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usbipice/usbipice/eventbus"
)

type reserveRequest struct {
	Serial string         `json:"serial" binding:"required"`
	Kind   string         `json:"kind" binding:"required"`
	Args   map[string]any `json:"args"`
}

type unreserveRequest struct {
	Serial string `json:"serial" binding:"required"`
}

// NewRouter builds the worker's HTTP surface: the control-facing heartbeat
// and reserve/unreserve commands, the client-facing event socket, and the
// operational health/metrics endpoints.
func NewRouter(manager *Manager, sender *eventbus.Sender, registry *prometheus.Registry, logger log.Logger) *gin.Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	endpoint := eventbus.NewEndpoint(sender, manager.HandleRequest, logger)

	router.GET("/heartbeat", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	router.GET("/reserve", func(c *gin.Context) {
		var req reserveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		if !manager.Reserve(req.Serial, req.Kind, req.Args) {
			_ = level.Warn(logger).Log("msg", "reserve rejected", "serial", req.Serial, "kind", req.Kind)
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusOK, true)
	})

	router.GET("/unreserve", func(c *gin.Context) {
		var req unreserveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		if !manager.Unreserve(req.Serial) {
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusOK, true)
	})

	router.GET("/socket", endpoint.Handler)

	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return router
}
