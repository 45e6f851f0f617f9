package main

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/gate"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/logging"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/webhook"
)

// Credits charged per successful operation
const (
	analyzeCredits  = 0
	optimizeCredits = 1
)

// routerDeps are the middleware and callback handlers the router needs
// besides the API itself
type routerDeps struct {
	auth           *middleware.Authenticator
	billing        *webhook.Receiver
	throttle       *middleware.Throttle
	logger         *logging.Logger
	allowedOrigins []string
	trustedProxies []string
}

func setupRouter(api *API, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.logger))
	router.Use(tracing.Middleware())

	if err := router.SetTrustedProxies(deps.trustedProxies); err != nil {
		deps.logger.WarnWithErr("Invalid trusted proxies, trusting none", err)
		router.SetTrustedProxies(nil)
	}

	if len(deps.allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     deps.allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", idempotencyKeyHeader, middleware.RequestIDHeader},
			ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", operationIDHeader, middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Health check
	router.GET("/health", api.healthCheck)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(deps.auth.Identify())
	{
		// Resumes
		v1.POST("/resumes/analyze",
			gate.Require(api.gate, gate.Options{Credits: analyzeCredits}),
			api.analyzeResume)
		v1.POST("/resumes/optimize",
			gate.Require(api.gate, gate.Options{RequireCredits: true, Credits: optimizeCredits}),
			api.optimizeResume)
		v1.POST("/resumes/upload",
			middleware.RequireUser(),
			gate.Require(api.gate, gate.Options{}),
			api.uploadResume)
		v1.GET("/resumes/url", middleware.RequireUser(), api.resumeURL)
		v1.DELETE("/resumes", middleware.RequireUser(), api.deleteResumes)

		// Account
		v1.GET("/templates", gate.Require(api.gate, gate.Options{}), api.listTemplates)
		v1.GET("/credits", middleware.RequireUser(), api.getCredits)
		v1.GET("/usage", middleware.RequireUser(), api.getUsage)
	}

	// Callbacks from the billing system
	internal := router.Group("/internal")
	internal.Use(deps.throttle.Middleware())
	{
		internal.POST("/credits", deps.billing.Handle())
	}

	return router
}
