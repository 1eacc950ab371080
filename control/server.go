// SPDX-License-Identifier: Apache-2.0

package control

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usbipice/usbipice/eventbus"
	"github.com/usbipice/usbipice/store"
)

type reserveRequest struct {
	Amount int            `json:"amount" binding:"required"`
	Name   string         `json:"name" binding:"required"`
	Kind   string         `json:"kind" binding:"required"`
	Args   map[string]any `json:"args"`
}

type serialsRequest struct {
	Name    string   `json:"name" binding:"required"`
	Serials []string `json:"serials" binding:"required"`
}

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

type logRequest struct {
	Name string  `json:"name" binding:"required"`
	Logs [][]any `json:"logs" binding:"required"`
}

type reservedResponse struct {
	Serial     string `json:"serial"`
	IP         string `json:"ip"`
	ServerPort int    `json:"server_port"`
}

// NewRouter builds control's HTTP surface: the reservation API, the client
// log relay, the event socket and the operational endpoints.
func NewRouter(control *Control, sender *eventbus.Sender, registry *prometheus.Registry, logger log.Logger) *gin.Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Control never receives requests over its sockets; they exist to push
	// events toward clients.
	endpoint := eventbus.NewEndpoint(sender, nil, logger)

	router.GET("/reserve", func(c *gin.Context) {
		var req reserveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		reserved, err := control.Reserve(req.Name, req.Amount, req.Kind, req.Args)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		out := make([]reservedResponse, len(reserved))
		for i, r := range reserved {
			out[i] = reservedResponse{Serial: r.Serial, IP: r.IP, ServerPort: r.ServerPort}
		}
		c.JSON(http.StatusOK, out)
	})

	router.GET("/extend", func(c *gin.Context) {
		var req serialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		serials, err := control.Extend(req.Name, req.Serials)
		respondSerials(c, serials, err)
	})

	router.GET("/extendall", func(c *gin.Context) {
		var req nameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		serials, err := control.ExtendAll(req.Name)
		respondSerials(c, serials, err)
	})

	router.GET("/end", func(c *gin.Context) {
		var req serialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		serials, err := control.End(req.Name, req.Serials)
		respondSerials(c, serials, err)
	})

	router.GET("/endall", func(c *gin.Context) {
		var req nameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		serials, err := control.EndAll(req.Name)
		respondSerials(c, serials, err)
	})

	router.GET("/log", func(c *gin.Context) {
		var req logRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		control.Log(req.Name, c.ClientIP(), req.Logs)
		c.Status(http.StatusOK)
	})

	router.GET("/socket", endpoint.Handler)

	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return router
}

func respondSerials(c *gin.Context, serials []string, err error) {
	if err != nil {
		if err == store.ErrNotFound {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusInternalServerError)
		return
	}
	if serials == nil {
		serials = []string{}
	}
	c.JSON(http.StatusOK, serials)
}
