package di

import (
	"net/http"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/handler"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/middleware"
	"github.com/abhirambsn/mo-ticket/internal/ratelimit"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/internal/service"
	"github.com/abhirambsn/mo-ticket/pkg/database"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	pkgmiddleware "github.com/abhirambsn/mo-ticket/pkg/middleware"
	"github.com/abhirambsn/mo-ticket/pkg/redis"
	"github.com/abhirambsn/mo-ticket/pkg/response"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Container holds all dependencies for the waitlist service
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *redis.Client
	Store repository.Store

	Metrics  *metrics.Metrics
	Notifier *service.Notifier

	// Services
	OfferManager    service.OfferManager
	WaitlistService service.WaitlistService
	TicketIssuer    service.TicketIssuer
	Cascade         service.CancellationCascade
	CheckoutService service.CheckoutService

	// Handlers
	HealthHandler   *handler.HealthHandler
	WaitlistHandler *handler.WaitlistHandler
	CheckoutHandler *handler.CheckoutHandler
	WebhookHandler  *handler.WebhookHandler

	gatherer prometheus.Gatherer
	auth     middleware.AuthConfig
	tracing  bool
	log      *logger.Logger
}

// ContainerConfig contains configuration for building the container.
// DB and Redis are optional; Store, Payments and Refunds are required.
type ContainerConfig struct {
	DB         *database.PostgresDB
	Redis      *redis.Client
	Store      repository.Store
	Payments   gateway.PaymentGateway
	Refunds    gateway.RefundGateway
	Limiter    ratelimit.Limiter
	Publishers []service.ChangePublisher
	Clock      clock.Clock
	Logger     *logger.Logger

	// Registry receives the metrics; a fresh registry is used when nil
	Registry *prometheus.Registry

	Offers          *service.OfferManagerConfig
	Cancellation    *service.CancellationConfig
	DefaultCurrency string
	WebhookSecret   string
	Auth            middleware.AuthConfig
	Tracing         bool
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Container{
		DB:       cfg.DB,
		Redis:    cfg.Redis,
		Store:    cfg.Store,
		Metrics:  metrics.New(reg),
		gatherer: reg,
		auth:     cfg.Auth,
		tracing:  cfg.Tracing,
		log:      log,
	}
	c.Notifier = service.NewNotifier(log, c.Metrics, cfg.Publishers...)

	// Initialize services
	c.OfferManager = service.NewOfferManager(c.Store, c.Notifier, clk, log, c.Metrics, cfg.Offers)
	c.WaitlistService = service.NewWaitlistService(c.Store, c.OfferManager, cfg.Limiter, c.Notifier, clk, log, c.Metrics)
	c.TicketIssuer = service.NewTicketIssuer(c.Store, c.OfferManager, c.Notifier, clk, log, c.Metrics)
	c.Cascade = service.NewCancellationCascade(c.Store, cfg.Refunds, c.Notifier, clk, log, c.Metrics, cfg.Cancellation)
	c.CheckoutService = service.NewCheckoutService(c.Store, c.OfferManager, cfg.Payments, cfg.DefaultCurrency, log)

	// Initialize handlers
	components := map[string]handler.HealthChecker{"store": c.Store}
	if c.Redis != nil {
		components["redis"] = c.Redis
	}
	c.HealthHandler = handler.NewHealthHandler(components)
	c.WaitlistHandler = handler.NewWaitlistHandler(c.WaitlistService)
	c.CheckoutHandler = handler.NewCheckoutHandler(c.CheckoutService, c.Cascade)
	c.WebhookHandler = handler.NewWebhookHandler(c.TicketIssuer, cfg.Refunds, c.Notifier, cfg.WebhookSecret, log)

	return c
}

// Router builds the HTTP API
func (c *Container) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if c.tracing {
		router.Use(telemetry.TracingMiddleware())
	}
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(c.log))

	router.GET("/health", c.HealthHandler.Health)
	router.GET("/ready", c.HealthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.POST("/webhooks/stripe", c.WebhookHandler.HandleStripeWebhook)

	// cancellations are retried by owners, so repeated keys replay the first outcome
	cancelChain := []gin.HandlerFunc{}
	if c.Redis != nil {
		idem := pkgmiddleware.DefaultIdempotencyConfig(c.Redis)
		idem.Optional = true
		cancelChain = append(cancelChain, pkgmiddleware.Idempotency(idem))
	}
	cancelChain = append(cancelChain, c.CheckoutHandler.Cancel)

	resources := v1.Group("/resources/:id", middleware.Auth(c.auth))
	{
		resources.POST("/waitlist", c.WaitlistHandler.Join)
		resources.DELETE("/waitlist", c.WaitlistHandler.Leave)
		resources.GET("/waitlist/me", c.WaitlistHandler.Position)
		resources.GET("/availability", c.WaitlistHandler.Availability)
		resources.GET("/grants/me", c.WaitlistHandler.MyGrant)
		resources.GET("/grants", c.WaitlistHandler.ListGrants)
		resources.POST("/checkout", c.CheckoutHandler.CreateCheckout)
		resources.POST("/cancel", cancelChain...)
	}

	router.NoRoute(func(ctx *gin.Context) {
		response.Error(ctx, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	return router
}

// Close releases the publishers. Infrastructure is closed by its owner.
func (c *Container) Close() error {
	return c.Notifier.Close()
}
