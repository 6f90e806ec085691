// Package httpapi wires the HTTP transport (Gin) to the chat services,
// middleware and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency and edge throttling.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic router setup; collaborators injected through Deps
//   - Streaming routes are never buffered by compression
package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-moderated-chat/docs"
	"github.com/tbourn/go-moderated-chat/internal/config"
	"github.com/tbourn/go-moderated-chat/internal/conversation"
	"github.com/tbourn/go-moderated-chat/internal/http/handlers"
	"github.com/tbourn/go-moderated-chat/internal/http/middleware"
	"github.com/tbourn/go-moderated-chat/internal/ratelimit"
	"github.com/tbourn/go-moderated-chat/internal/services"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Deps are the collaborators behind the routes. DB, Safety, Prompt and LLM
// are required. Limiter, Cache, Edge and Idempotency are built from cfg when
// nil; callers that sweep them in the background pass their own.
type Deps struct {
	DB     *gorm.DB
	Safety services.Classifier
	Prompt services.PromptBuilder
	LLM    services.Generator

	Limiter     services.Limiter
	Cache       services.ConversationStore
	Edge        *middleware.EdgeLimiter
	Idempotency *services.IdempotencyService
}

func (d *Deps) defaults(cfg config.Config) {
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewSlidingWindow(cfg.Chat.RateLimitPerMinute, cfg.Chat.RateLimitBurst)
	}
	if d.Cache == nil {
		d.Cache = conversation.NewCache(cfg.Chat.ConversationTTL)
	}
	if d.Edge == nil && cfg.RateRPS > 0 {
		d.Edge = middleware.NewEdgeLimiter(cfg.RateRPS, cfg.RateBurst, 0, middleware.KeyByIdentity())
	}
	if d.Idempotency == nil {
		d.Idempotency = &services.IdempotencyService{DB: d.DB, TTL: cfg.IdempotencyTTL}
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine: observability, identity, idempotency and throttling, CORS and
// security headers, health, metrics and docs, and then the public API under
// cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip, skipping the streaming chat routes
//  7. Metrics
//  8. Identity (body user_id, X-User-ID, client IP)
//  9. Idempotency validator (before throttling to allow bypass on replay)
//  10. Edge token bucket (per identity, bypass on replay)
//  11. CORS and Security headers
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	d.defaults(cfg)

	base := cfg.APIBasePath
	if base == "" {
		base = "/"
	}
	chatPath := joinPath(base, "/chat")

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Compression; SSE and websocket frames must reach the client unbuffered
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{chatPath})))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics("/metrics", "/swagger"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Who is calling
	r.Use(middleware.Identity())

	// 9) Idempotency validation (before throttling)
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, d.Idempotency.Exists))

	// 10) Token bucket per identity
	if d.Edge != nil {
		r.Use(d.Edge.Handler())
	}

	// 11) CORS posture (safe defaults: allow all if none configured)
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = base
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← db, limiter, cache, classifier, prompt, llm
	chatSvc := services.NewChatService(d.DB, d.Limiter, d.Cache, d.Safety, d.Prompt, d.LLM)
	if cfg.Chat.MaxPromptRunes > 0 {
		chatSvc.MaxPromptRunes = cfg.Chat.MaxPromptRunes
	}
	if cfg.Chat.HistoryTurns > 0 {
		chatSvc.HydrateLimit = 2 * cfg.Chat.HistoryTurns
	}
	msgSvc := &services.MessageService{DB: d.DB}
	fbSvc := &services.FeedbackService{DB: d.DB}

	h := handlers.New(chatSvc, msgSvc, fbSvc, d.Idempotency, handlers.Options{
		MaxPromptRunes:   chatSvc.MaxPromptRunes,
		WSOriginPatterns: originPatterns(cfg.CORS.AllowedOrigins),
	})

	// Public API
	api := groupWithPrefix(r, base)
	{
		api.POST("/chat", h.PostChat)
		if cfg.Chat.WSEnabled {
			api.GET("/chat/ws", h.ChatWS)
		}
		api.POST("/feedback", h.LeaveFeedback)
		api.GET("/conversations/:id/messages", h.ListMessages)
	}
}

func corsMiddleware(origins []string) []gin.HandlerFunc {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match"}
	exposeHeaders := []string{middleware.HeaderRequestID, "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
	methods := []string{"GET", "POST", "OPTIONS"}

	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// ACAO: * even for requests without an Origin header.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// originPatterns turns CORS origins into websocket host patterns. An empty
// list keeps the websocket library's same-host check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
