package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/presence/internal/adapters/signal"
	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/observability"
)

const sessionVisitsKey = "visits"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// visitCounter keeps a per-browser visit count in the signed cookie session.
func visitCounter() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		n, _ := s.Get(sessionVisitsKey).(int)
		s.Set(sessionVisitsKey, n+1)
		if err := s.Save(); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("session save")
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PresenceSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", visitCounter(), func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(observability.MetricsHandler(gatherer)))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	limiter := signal.NewRoomRateLimiter(cfg.Relay.RateLimit, cfg.Relay.RateWindow, nil)
	ctrl := signal.NewSignalWSController(o, limiter)
	if cfg.ReadLimit > 0 {
		ctrl.ReadLimit = cfg.ReadLimit
	}
	if cfg.PingPeriod > 0 {
		ctrl.PingPeriod = cfg.PingPeriod
	}
	if cfg.Relay.SendQueue > 0 {
		ctrl.SendQueue = cfg.Relay.SendQueue
	}

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"rooms": o.Rooms.List(),
			"ts":    time.Now().UnixMilli(),
		})
	})

	api.GET("/ws/relay", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws relay endpoint hit")
		ctrl.HandleRelay(ctx, c)
	})

	return r
}
