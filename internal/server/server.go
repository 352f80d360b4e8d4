package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/subtrack/internal/authorization"
	"github.com/smallbiznis/subtrack/internal/billingevent"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/config"
	"github.com/smallbiznis/subtrack/internal/graceperiod"
	"github.com/smallbiznis/subtrack/internal/limits"
	"github.com/smallbiznis/subtrack/internal/notifier"
	"github.com/smallbiznis/subtrack/internal/observability"
	obsmiddleware "github.com/smallbiznis/subtrack/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/subtrack/internal/observability/metrics"
	obstracing "github.com/smallbiznis/subtrack/internal/observability/tracing"
	"github.com/smallbiznis/subtrack/internal/plan"
	"github.com/smallbiznis/subtrack/internal/providers/billing"
	"github.com/smallbiznis/subtrack/internal/providers/email"
	"github.com/smallbiznis/subtrack/internal/ratelimit"
	"github.com/smallbiznis/subtrack/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/smallbiznis/subtrack/internal/usage"
	usagedomain "github.com/smallbiznis/subtrack/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	billing.Module,
	billingevent.Module,
	email.Module,
	notifier.Module,
	graceperiod.Module,
	limits.Module,
	plan.Module,
	ratelimit.Module,
	subscription.Module,
	usage.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	log    *zap.Logger
	holder *config.BillingConfigHolder

	billingEventSvc billingeventdomain.Service
	subscriptionSvc subscriptiondomain.Service
	usageSrc        usagedomain.Source
	plans           plan.Resolver
	authzSvc        authorization.Service
	enforcer        *limits.Enforcer
	limiter         *ratelimit.WebhookIngressLimiter
	metrics         *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin    *gin.Engine
	Log    *zap.Logger
	Holder *config.BillingConfigHolder

	BillingEventSvc billingeventdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	UsageSrc        usagedomain.Source
	Plans           plan.Resolver
	AuthzSvc        authorization.Service
	Enforcer        *limits.Enforcer
	Limiter         *ratelimit.WebhookIngressLimiter `optional:"true"`
	Metrics         *obsmetrics.Metrics              `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		log:             p.Log.Named("http.server"),
		holder:          p.Holder,
		billingEventSvc: p.BillingEventSvc,
		subscriptionSvc: p.SubscriptionSvc,
		usageSrc:        p.UsageSrc,
		plans:           p.Plans,
		authzSvc:        p.AuthzSvc,
		enforcer:        p.Enforcer,
		limiter:         p.Limiter,
		metrics:         p.Metrics,
	}

	s.registerWebhookRoutes()
	s.registerAPIRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/billing/:provider", s.HandleBillingWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(s.TenantContext())
	api.Use(s.EnforcePlanLimits())

	api.GET("/subscriptions", s.ListSubscriptions)
	api.GET("/subscriptions/current", s.GetCurrentSubscription)
	api.GET("/subscriptions/:id", s.GetSubscription)

	api.GET("/billing-events/failed", s.ListFailedEvents)
	api.POST("/billing-events/failed/:id/retry", s.RetryFailedEvent)

	api.GET("/limits/usage", s.GetLimitsUsage)
}
