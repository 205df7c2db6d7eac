// Package api exposes the HTTP surface: the check endpoint, the admin
// configuration plane, and the operational endpoints (health, metrics).
// Handlers translate between JSON DTOs and the domain types; nothing here
// makes rate-limit decisions.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/service"
)

// Checker evaluates rate-limit checks and administrative resets.
// *service.Service satisfies it.
type Checker interface {
	Check(ctx context.Context, req service.CheckRequest) (service.CheckResponse, error)
	Reset(ctx context.Context, scope policy.Scope, identifier string) (int64, error)
}

// AlertTester fires one alert rule on demand. *alerts.Evaluator satisfies it.
type AlertTester interface {
	TestFire(ctx context.Context, ruleID uuid.UUID) error
}

// CacheInvalidator is the slice of the resolver the admin plane calls after
// writes. *policy.Resolver satisfies it.
type CacheInvalidator interface {
	ReplacePolicy(pol *policy.Policy)
	InvalidatePolicy(id uuid.UUID, tenantID *uuid.UUID)
	InvalidateApiKey(keyHash string)
	InvalidateIpRules()
	InvalidatePatternRules()
	InvalidateUserBinding(userID string, tenantID uuid.UUID)
	InvalidateTenantDefault(tenantID uuid.UUID)
}

// PolicyStore is the policy repository surface the handlers use.
type PolicyStore interface {
	Create(ctx context.Context, p *policy.Policy) error
	Update(ctx context.Context, p *policy.Policy) error
	Delete(ctx context.Context, id uuid.UUID) error
	PolicyByID(ctx context.Context, id uuid.UUID) (*policy.Policy, error)
	List(ctx context.Context, tenantID *uuid.UUID) ([]policy.Policy, error)
}

type TenantStore interface {
	Create(ctx context.Context, t *policy.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*policy.Tenant, error)
	List(ctx context.Context) ([]policy.Tenant, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ApiKeyStore interface {
	Create(ctx context.Context, k *policy.ApiKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*policy.ApiKey, error)
	List(ctx context.Context, tenantID *uuid.UUID) ([]policy.ApiKey, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type IpRuleStore interface {
	Create(ctx context.Context, r *policy.IpRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*policy.IpRule, error)
	List(ctx context.Context, ruleType policy.RuleType) ([]policy.IpRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type UserPolicyStore interface {
	Create(ctx context.Context, b *policy.UserPolicy) error
	GetByID(ctx context.Context, id uuid.UUID) (*policy.UserPolicy, error)
	List(ctx context.Context, tenantID *uuid.UUID) ([]policy.UserPolicy, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type PolicyRuleStore interface {
	Create(ctx context.Context, r *policy.PolicyRule) error
	List(ctx context.Context) ([]policy.PolicyRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type AlertRuleStore interface {
	Create(ctx context.Context, r *policy.AlertRule) error
	AlertRuleByID(ctx context.Context, id uuid.UUID) (*policy.AlertRule, error)
	List(ctx context.Context) ([]policy.AlertRule, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// HealthCheck probes one dependency. Failures turn /healthz to 503.
type HealthCheck func(ctx context.Context) error

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Checker      Checker
	Alerts       AlertTester
	Caches       CacheInvalidator
	Policies     PolicyStore
	Tenants      TenantStore
	ApiKeys      ApiKeyStore
	IpRules      IpRuleStore
	UserPolicies UserPolicyStore
	PolicyRules  PolicyRuleStore
	AlertRules   AlertRuleStore
	Health       map[string]HealthCheck
	Metrics      http.Handler
	Clock        clock.Clock
	Log          *zap.Logger
}

// Server routes HTTP traffic to the service and the repositories.
type Server struct {
	deps   Deps
	log    *zap.Logger
	engine *gin.Engine
}

// New builds the router. Callers serve s.Router() with their own
// http.Server so shutdown stays in their hands.
func New(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	s := &Server{deps: d, log: d.Log.Named("api")}
	s.engine = s.buildRouter()
	return s
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/check", s.handleCheck)
		v1.DELETE("/limits/:scope/:identifier", s.handleReset)

		v1.POST("/policies", s.createPolicy)
		v1.GET("/policies", s.listPolicies)
		v1.GET("/policies/:id", s.getPolicy)
		v1.PUT("/policies/:id", s.updatePolicy)
		v1.DELETE("/policies/:id", s.deletePolicy)

		v1.POST("/tenants", s.createTenant)
		v1.GET("/tenants", s.listTenants)
		v1.GET("/tenants/:id", s.getTenant)
		v1.DELETE("/tenants/:id", s.deleteTenant)

		v1.POST("/api-keys", s.createApiKey)
		v1.GET("/api-keys", s.listApiKeys)
		v1.GET("/api-keys/:id", s.getApiKey)
		v1.DELETE("/api-keys/:id", s.deleteApiKey)

		v1.POST("/ip-rules", s.createIpRule)
		v1.GET("/ip-rules", s.listIpRules)
		v1.GET("/ip-rules/:id", s.getIpRule)
		v1.DELETE("/ip-rules/:id", s.deleteIpRule)

		v1.POST("/user-policies", s.createUserPolicy)
		v1.GET("/user-policies", s.listUserPolicies)
		v1.DELETE("/user-policies/:id", s.deleteUserPolicy)

		v1.POST("/policy-rules", s.createPolicyRule)
		v1.GET("/policy-rules", s.listPolicyRules)
		v1.DELETE("/policy-rules/:id", s.deletePolicyRule)

		v1.POST("/alert-rules", s.createAlertRule)
		v1.GET("/alert-rules", s.listAlertRules)
		v1.GET("/alert-rules/:id", s.getAlertRule)
		v1.DELETE("/alert-rules/:id", s.deleteAlertRule)
		v1.POST("/alert-rules/:id/test", s.testAlertRule)
	}

	return r
}

const healthProbeTimeout = 2 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	failed := map[string]string{}
	for name, check := range s.deps.Health {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// pathID parses the :id segment; on failure it writes the 400 itself.
func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// tenantQuery parses an optional ?tenantId= filter; on failure it writes
// the 400 itself and returns ok=false.
func tenantQuery(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.Query("tenantId")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenantId"})
		return nil, false
	}
	return &id, true
}

// fail maps repository errors to status codes.
func (s *Server) fail(c *gin.Context, what string, err error) {
	if errors.Is(err, policy.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.log.Error(what, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
