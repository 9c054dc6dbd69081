package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Breakout/internal/adapters/signal"
	"github.com/dkeye/Breakout/internal/app/orch"
	"github.com/dkeye/Breakout/internal/auth"
	"github.com/dkeye/Breakout/internal/config"
	"github.com/dkeye/Breakout/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, issuer *auth.Issuer, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("BreakoutSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "connections": o.Registry.Len()})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	if cfg.Mode == "debug" && cfg.DevTokens {
		api.POST("/dev/token", devToken(issuer, cfg.CallerTokenTTL))
	}

	limiter := signal.NewRoomRateLimiter(o.Sched.Clock(), cfg.JoinRate.Limit, cfg.JoinRate.Interval)
	ctrl := signal.NewSignalWSController(o, limiter, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		AckTimeout: cfg.AckTimeout,
		SendQueue:  cfg.Realtime.SendQueue,
	})

	authed := api.Group("", AuthMiddleware(issuer))
	authed.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(signal.KeyClientToken)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	authed.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, caller(c))
	})

	h := handlers{o: o}
	authed.GET("/sessions/:sid/rooms", h.listRooms)
	authed.GET("/rooms/:rid", h.getRoom)
	authed.GET("/sessions/:sid/assignment", h.myAssignment)

	org := authed.Group("", organizerOnly)
	org.PUT("/sessions/:sid/attendees", h.putAttendees)
	org.GET("/sessions/:sid/segments", h.listSegments)
	org.GET("/sessions/:sid/assignments", h.listAssignments)

	return r
}

type handlers struct {
	o *orch.Orchestrator
}

func (h handlers) listRooms(c *gin.Context) {
	sid := domain.SessionID(c.Param("sid"))
	c.JSON(http.StatusOK, gin.H{"sessionId": sid, "rooms": h.o.Rooms.List(sid)})
}

func (h handlers) getRoom(c *gin.Context) {
	info, err := h.o.Rooms.Get(domain.RoomID(c.Param("rid")))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h handlers) myAssignment(c *gin.Context) {
	a, ok := h.o.Segments.Assignment(domain.SessionID(c.Param("sid")), caller(c).ID)
	if !ok {
		abort(c, fmt.Errorf("assignment: %w", domain.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, a)
}

// putAttendees loads registration attributes used by segment matching.
func (h handlers) putAttendees(c *gin.Context) {
	var attendees []domain.Attendee
	if err := c.ShouldBindJSON(&attendees); err != nil {
		abort(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}
	for _, a := range attendees {
		if a.UserID == "" {
			abort(c, fmt.Errorf("%w: userId required", domain.ErrValidation))
			return
		}
	}
	sid := domain.SessionID(c.Param("sid"))
	h.o.Directory.Upsert(sid, attendees...)
	log.Info().Str("module", "adapters.http").Str("session", string(sid)).Int("count", len(attendees)).Msg("attendees upserted")
	c.JSON(http.StatusOK, gin.H{"sessionId": sid, "count": len(attendees)})
}

func (h handlers) listSegments(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Segments.ListSegments(domain.SessionID(c.Param("sid"))))
}

func (h handlers) listAssignments(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Segments.Assignments(domain.SessionID(c.Param("sid"))))
}

// devToken mints caller tokens for local runs.
func devToken(issuer *auth.Issuer, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			UserID   domain.UserID `json:"userId"`
			Username string        `json:"username"`
			Role     domain.Role   `json:"role"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
			abort(c, fmt.Errorf("%w: userId required", domain.ErrValidation))
			return
		}
		user, err := domain.NewUser(body.UserID, body.Username, body.Role)
		if err != nil {
			abort(c, err)
			return
		}
		token, err := issuer.IssueCaller(*user, ttl)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}
