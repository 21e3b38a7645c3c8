// Package httpapi wires the HTTP transport (Gin) to the application
// services, middleware, and route handlers. It centralizes cross-cutting
// concerns: tracing, correlation IDs, logging/redaction, panic recovery,
// metrics, body limits, rate limiting, CORS, and security headers.
//
// The route table is an explicit allowlist: anything not registered below
// returns 404 regardless of method, which keeps the surface presented to
// the open internet as small as the API itself.
//
// Design goals:
//   - Observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/pagewatch/pagewatch-runner/docs" // swagger spec registration

	"github.com/pagewatch/pagewatch-runner/internal/config"
	"github.com/pagewatch/pagewatch-runner/internal/http/handlers"
	"github.com/pagewatch/pagewatch-runner/internal/http/middleware"
	"github.com/pagewatch/pagewatch-runner/internal/services"
)

// Version is the service version reported by GET /; overridden at build
// time via -ldflags.
var Version = "dev"

// RegisterRoutes attaches all middleware and endpoints to the Gin engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (session payloads carry cookies and storage)
//  6. Gzip compression (result batches embed base64 screenshots)
//  7. Metrics
//  8. Rate limiter (per client/IP)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, tokens *services.TokenService, jobs *services.JobService, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Client-ID",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(cfg.MaxBodyBytes))

	// 6) Response compression
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per client/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture. The extension calls from arbitrary page origins, so
	// the default is allow-all without credentials; a configured allowlist
	// takes precedence.
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Client-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks: the allowlist boundary.
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs (opt-in)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(tokens, jobs, handlers.ChallengeInfo{
		SiteKey: cfg.Captcha.SiteKey,
		Bypass:  cfg.Captcha.Bypass,
	}, Version)

	// Public surface: issuance and disclosure.
	r.GET("/", h.Root)
	r.GET("/captcha/challenge", h.Challenge)
	r.POST("/captcha/verify", h.Verify)
	r.GET("/auth/job/:jobId", h.PickupToken)

	// Everything else requires a bearer token.
	auth := r.Group("", middleware.BearerToken(tokens))
	{
		auth.GET("/auth/token/stats", h.TokenStats)
		auth.POST("/test", h.TestConnection)

		auth.POST("/job", h.SubmitJob)
		auth.GET("/job/:id", h.GetJob)
		auth.DELETE("/job/:id", h.DeleteJob)
		auth.GET("/job/:id/results", h.GetResults)
		auth.POST("/job/:id/purge", h.PurgeResults)
		auth.GET("/jobs", h.ListJobs)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader; oversize bodies surface as read errors downstream.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
