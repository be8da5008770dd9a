package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pagemark/pagemark-backend/internal/handlers"
	"github.com/pagemark/pagemark-backend/internal/logger"
	"github.com/pagemark/pagemark-backend/internal/metrics"
	"github.com/pagemark/pagemark-backend/internal/middleware"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthHandler    *handlers.AuthHandler
	UserHandler    *handlers.UserHandler
	CourseHandler  *handlers.CourseHandler
	FileHandler    *handlers.FileHandler
	ExplainHandler *handlers.ExplainHandler
	StickerHandler *handlers.StickerHandler
	SSEHandler     *handlers.SSEHandler
	AuthMiddleware *middleware.AuthMiddleware
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pagemark-backend"))
	router.Use(middleware.AttachTraceContext())
	router.Use(middleware.RequestLogger(cfg.Log))
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS())

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.POST("/register", cfg.AuthHandler.Register)
	router.POST("/login", cfg.AuthHandler.Login)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())

	// Auth
	protected.POST("/refresh", cfg.AuthHandler.Refresh)
	protected.POST("/logout", cfg.AuthHandler.Logout)

	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.Stream)
	protected.POST("/sse/subscribe", cfg.SSEHandler.Subscribe)
	protected.POST("/sse/unsubscribe", cfg.SSEHandler.Unsubscribe)

	api := protected.Group("/api")

	// Profile
	api.GET("/me", cfg.UserHandler.GetMe)
	api.PATCH("/me", cfg.UserHandler.UpdateMe)

	// Courses
	api.POST("/courses", cfg.CourseHandler.Create)
	api.GET("/courses", cfg.CourseHandler.List)
	api.GET("/courses/:id", cfg.CourseHandler.Get)

	// Files
	api.POST("/files", cfg.FileHandler.Upload)
	api.GET("/files/:id", cfg.FileHandler.Get)
	api.GET("/files/:id/stickers", cfg.FileHandler.ListStickers)
	api.GET("/files/:id/context", cfg.FileHandler.ContextStatus)

	// Explain
	api.POST("/explain-page", cfg.ExplainHandler.ExplainPage)
	api.GET("/explain-page/status/:generationId", cfg.ExplainHandler.GenerationStatus)
	api.GET("/explain-page/session/:sessionId", cfg.ExplainHandler.GetSession)
	api.PATCH("/explain-page/session/:sessionId", cfg.ExplainHandler.UpdateSession)
	api.DELETE("/explain-page/session/:sessionId", cfg.ExplainHandler.CancelSession)

	// Sticker versions
	api.POST("/explain-page/sticker/:id/refresh", cfg.StickerHandler.Refresh)
	api.GET("/explain-page/sticker/:id/versions", cfg.StickerHandler.ListVersions)
	api.PATCH("/explain-page/sticker/:id/version", cfg.StickerHandler.SwitchVersion)

	return router
}
