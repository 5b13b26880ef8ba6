package router

import (
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler

	// CreateLimiter throttles session creation per candidate. Optional.
	CreateLimiter *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	assessments := router.Group("/api/v1/assessments")
	assessments.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.NoStore(),
		middleware.Brotli(brotli.DefaultCompression),
	)
	{
		create := []gin.HandlerFunc{handlers.Session.Create}
		if handlers.CreateLimiter != nil {
			create = append([]gin.HandlerFunc{handlers.CreateLimiter.Middleware()}, create...)
		}
		assessments.POST("/sessions", create...)
		assessments.GET("/sessions/:id", handlers.Session.Get)
		assessments.GET("/sessions/:id/result", handlers.Session.Result)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/assessments/sessions/:id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (Admin JWT + RBAC) ───────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireAdminJWT(authService))
	{
		proctorAPI.GET("/sessions/:id/monitor",
			middleware.RequirePermission(service.PermMonitor),
			handlers.Monitor.MonitorSessionSSE,
		)
		proctorAPI.GET("/system/metrics",
			middleware.RequirePermission(service.PermMonitor),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
