package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Admin   *handler.AdminHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
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
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:      middleware.DefaultBrotliConfig.Quality,
		MinLength:    middleware.DefaultBrotliConfig.MinLength,
		SkipPrefixes: []string{"/ws/"},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Auto-save traffic is bursty but bounded: one request per interval per tab.
	answersLimiter := middleware.NewRateLimiter(60, time.Minute)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), middleware.NoStore())
	{
		studentAPI.POST("/tests/:test_id/sessions", handlers.Session.StartSession)
		studentAPI.GET("/tests/:test_id/result", handlers.Session.GetResult)

		studentAPI.GET("/sessions/:session_id", handlers.Session.GetSession)
		studentAPI.PUT("/sessions/:session_id/answers", answersLimiter.Middleware(), handlers.Session.SaveAnswers)
		studentAPI.GET("/sessions/:session_id/remaining", handlers.Session.GetRemaining)
		studentAPI.POST("/sessions/:session_id/submit-section", handlers.Session.SubmitSection)
		studentAPI.POST("/sessions/:session_id/finish", handlers.Session.FinishSession)

		studentAPI.GET("/leaderboard", handlers.Session.GetLeaderboard)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Admin Group (JWT) ──────────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		adminAPI.POST("/tests/:test_id/students/:student_id/release", handlers.Admin.ReleaseResults)
		adminAPI.GET("/tests/:test_id/students/:student_id/result", handlers.Admin.GetResult)
		adminAPI.POST("/tests/:test_id/refresh-cache", handlers.Admin.RefreshTestCache)
		adminAPI.GET("/tests/:test_id/monitor", handlers.Monitor.MonitorTestSSE)

		adminAPI.GET("/leaderboard", middleware.CacheControl(5), handlers.Admin.GetLeaderboard)

		adminAPI.POST("/sessions/:session_id/enforce", handlers.Admin.EnforceDeadline)
		adminAPI.POST("/sessions/:session_id/finalize", handlers.Admin.FinalizeSession)
		adminAPI.POST("/sessions/:session_id/advance", handlers.Admin.AdvanceSection)
		adminAPI.PUT("/sessions/:session_id/verdicts", handlers.Admin.RecordVerdicts)

		if handlers.System != nil {
			adminAPI.GET("/system/status", handlers.System.StatusSSE)
		}
	}

	return router
}
