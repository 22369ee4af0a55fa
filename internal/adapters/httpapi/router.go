// Package httpapi is the local control surface: join/leave, the media
// toggles and read-only state, plus the Prometheus endpoint.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
)

type JoinRequest struct {
	SessionID string `json:"session_id"`
}

func SetupRouter(cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "user_id": orch.UserID()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")

	api := r.Group("/api/call")

	api.POST("/join", func(c *gin.Context) {
		var req JoinRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid session_id"})
			return
		}
		if err := orch.Join(domain.SessionID(req.SessionID)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, orch.State())
	})

	api.POST("/leave", action(orch.Leave, orch))
	api.POST("/mute", action(orch.ToggleMute, orch))
	api.POST("/speaker", action(orch.ToggleSpeaker, orch))
	api.POST("/camera", action(orch.ToggleCamera, orch))
	api.POST("/screen", action(orch.ToggleScreenShare, orch))

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.State())
	})
	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": orch.Participants()})
	})

	return r
}

func action(fn func() error, orch *app.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, orch.State())
	}
}

// fail maps call-core errors to HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrCallInactive), errors.Is(err, domain.ErrNoActiveLink):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrMediaAcquisition):
		status = http.StatusServiceUnavailable
	}
	log.Warn().Err(err).Str("module", "adapters.httpapi").Str("path", c.FullPath()).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
