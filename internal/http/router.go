// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting, and mounts both the
// REST API and the WebSocket endpoints.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/auth"
	"github.com/taskhub/go-taskchat-backend/internal/config"
	"github.com/taskhub/go-taskchat-backend/internal/domain"
	"github.com/taskhub/go-taskchat-backend/internal/http/handlers"
	"github.com/taskhub/go-taskchat-backend/internal/http/middleware"
	"github.com/taskhub/go-taskchat-backend/internal/relay"
	"github.com/taskhub/go-taskchat-backend/internal/repo"
	"github.com/taskhub/go-taskchat-backend/internal/services"
	"github.com/taskhub/go-taskchat-backend/internal/ws"
)

// messageStoreShim adapts the repository free functions to the
// services.MessageStore interface expected by the DeliveryRouter. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type messageStoreShim struct{}

// AppendMessage proxies repo.AppendMessage.
func (messageStoreShim) AppendMessage(ctx context.Context, db *gorm.DB, m domain.Message) (*domain.Message, error) {
	return repo.AppendMessage(ctx, db, m)
}

// readStateShim adapts the repository free functions to services.ReadStateRepo.
type readStateShim struct{}

// UpsertReadState proxies repo.UpsertReadState.
func (readStateShim) UpsertReadState(ctx context.Context, db *gorm.DB, reader, taskID, otherPhone string, ts time.Time) error {
	return repo.UpsertReadState(ctx, db, reader, taskID, otherPhone, ts)
}

// UnreadJoin proxies repo.UnreadJoin.
func (readStateShim) UnreadJoin(ctx context.Context, db *gorm.DB, reader string) ([]repo.UnreadRow, error) {
	return repo.UnreadJoin(ctx, db, reader)
}

// idempotencyShim adapts the repository free functions to
// handlers.IdempotencyStore.
type idempotencyShim struct{ db *gorm.DB }

// Get proxies repo.GetIdempotency.
func (s idempotencyShim) Get(ctx context.Context, userID, taskID, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.db, userID, taskID, key, now)
}

// Create proxies repo.CreateIdempotency.
func (s idempotencyShim) Create(ctx context.Context, userID, taskID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	return repo.CreateIdempotency(ctx, s.db, userID, taskID, key, messageID, status, ttl)
}

// conversationShim adapts the repository free functions to
// services.ConversationRepo.
type conversationShim struct{}

// ListConversations proxies repo.ListConversations.
func (conversationShim) ListConversations(ctx context.Context, db *gorm.DB, phone string) ([]repo.ConversationHead, error) {
	return repo.ListConversations(ctx, db, phone)
}

// CountMessages proxies repo.CountMessages.
func (conversationShim) CountMessages(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string) (int64, error) {
	return repo.CountMessages(ctx, db, taskID, phoneA, phoneB)
}

// ListMessagesPage proxies repo.ListMessagesPage.
func (conversationShim) ListMessagesPage(ctx context.Context, db *gorm.DB, taskID, phoneA, phoneB string, offset, limit int) ([]domain.Message, error) {
	return repo.ListMessagesPage(ctx, db, taskID, phoneA, phoneB, offset, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, then
// mounts the versioned REST API under /api/v* and the WebSocket endpoints
// under /ws.
//
// rl may be nil when the process runs without an out-of-band relay channel;
// delivery then degrades to in-process broadcast only.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, registry *ws.Registry, rl relay.Relay, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"Authorization",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, taskID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, taskID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	limiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(limiter.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

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

	// Dependency injection: services ← repo/db/registry/relay
	verifier := auth.NewTokenVerifier(cfg.JWTSecret)

	var resolver relay.AddressResolver
	if rl != nil {
		resolver = &relay.DirectoryResolver{DB: db}
	}
	router := services.NewDeliveryRouter(db, messageStoreShim{}, registry, rl, resolver)
	router.RelayTimeout = cfg.Relay.Timeout

	readSvc := services.NewReadStateService(db, readStateShim{})
	convSvc := services.NewConversationService(db, conversationShim{})

	h := handlers.New(router, readSvc, convSvc, idempotencyShim{db: db})
	wsh := handlers.NewWS(cfg.WS, verifier, registry, router)

	// WebSocket endpoints authenticate at handshake time (token query param),
	// outside the bearer-token group.
	r.GET("/ws/chat/:task_id/:phones_pair", wsh.ChatSocket)
	r.GET("/ws/notifications", wsh.NotificationsSocket)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	// Compress REST responses only. WebSocket routes must keep a hijackable
	// response writer and /metrics is scraped locally.
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(middleware.RequireAuth(verifier))
	{
		// Chats
		api.GET("/chats", h.ListChats)
		api.POST("/chats/read", h.MarkRead)
		api.GET("/chats/unread", h.UnreadChats)

		// Messages
		api.GET("/messages/:task_id/:other_phone", h.ListMessages)

		// Questions
		api.POST("/questions", h.PostQuestion)
	}
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
