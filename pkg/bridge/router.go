// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/sonarctl/pkg/session"
)

// Router returns the HTTP surface of the bridge:
//
//	GET <wsPath>  WebSocket (CBOR messages)
//	GET /state    JSON snapshot of the session state
//	GET /health   link state
//	GET /metrics  Prometheus metrics
//
// Basic auth, when configured, guards the WebSocket and /state.
func (s *Server) Router(wsPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.requestMetrics())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet},
		AllowHeaders:    []string{"Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET(wsPath, gin.WrapH(s))

	r.GET("/state", func(c *gin.Context) {
		if !s.authorized(c.Request) {
			c.Header("WWW-Authenticate", `Basic realm="sonarctl"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, NewState(s.ctrl.Store().State()))
	})

	r.GET("/health", func(c *gin.Context) {
		st := s.ctrl.Store().State()
		status := http.StatusOK
		if st.Link != session.LinkConnected {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"link":    st.Link.String(),
			"clients": s.Clients(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		event := s.opts.Logger.Debug()
		if status >= 500 {
			event = s.opts.Logger.Error()
		} else if status >= 400 {
			event = s.opts.Logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.recordHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
