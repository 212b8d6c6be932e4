package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/dunning-engine/internal/middleware"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/security"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// WebhookHandler registers a gateway endpoint behind extra middleware
type WebhookHandler interface {
	RegisterRoutes(r *gin.RouterGroup, mw ...gin.HandlerFunc)
}

// Handlers groups the route sets by the credential they require.
// Nil entries are skipped.
type Handlers struct {
	Health   Handler
	Webhooks WebhookHandler

	// bearer token
	Cases     Handler
	Dashboard Handler

	// bearer token with the admin role
	Organizations Handler
	Plans         Handler

	// service key
	Notifications Handler
	Scheduler     Handler
}

type RouterConfig struct {
	CORS           middleware.CORSConfig
	Security       middleware.SecurityConfig
	SizeLimit      middleware.SizeLimitConfig
	RequestTimeout time.Duration
	// RateLimit guards the public webhook endpoint; nil disables it
	RateLimit      *middleware.RateLimiterConfig
	ServiceKeyHash string
	Release        bool
}

type Router struct {
	engine     *gin.Engine
	auth       *middleware.AuthMiddleware
	hasher     security.SecretHasher
	handlers   Handlers
	config     RouterConfig
	rateLimits *middleware.RateLimiter
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	hasher security.SecretHasher,
	handlers Handlers,
	config RouterConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Router {
	if config.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log, m),
		middleware.ErrorHandler(log),
		middleware.SecurityHeaders(config.Security),
		middleware.CORS(config.CORS),
		middleware.SizeLimit(config.SizeLimit),
		middleware.Timeout(config.RequestTimeout),
	)

	r := &Router{
		engine:   engine,
		auth:     auth,
		hasher:   hasher,
		handlers: handlers,
		config:   config,
	}
	if config.RateLimit != nil {
		r.rateLimits = middleware.NewRateLimiter(*config.RateLimit)
	}
	return r
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1")

	if r.handlers.Health != nil {
		r.handlers.Health.RegisterRoutes(api)
	}

	if r.handlers.Webhooks != nil {
		var mw []gin.HandlerFunc
		if r.rateLimits != nil {
			mw = append(mw, r.rateLimits.RateLimit())
		}
		r.handlers.Webhooks.RegisterRoutes(api, mw...)
	}

	operators := api.Group("")
	operators.Use(r.auth.Authenticate())
	register(operators, r.handlers.Cases, r.handlers.Dashboard)

	admin := api.Group("")
	admin.Use(r.auth.Authenticate(), r.auth.RequireAdmin())
	register(admin, r.handlers.Organizations, r.handlers.Plans)

	internal := api.Group("")
	internal.Use(middleware.ServiceKey(r.hasher, r.config.ServiceKeyHash))
	register(internal, r.handlers.Notifications, r.handlers.Scheduler)
}

func register(rg *gin.RouterGroup, handlers ...Handler) {
	for _, h := range handlers {
		if h != nil {
			h.RegisterRoutes(rg)
		}
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
