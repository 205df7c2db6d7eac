package policy

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gatelimit/gatelimit/pkg/cache"
	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

// Resolution sources, in precedence order.
const (
	SourceExplicit      = "explicit"
	SourceApiKey        = "api_key"
	SourceIpRule        = "ip_rule"
	SourceURLPattern    = "url_pattern"
	SourceUserBinding   = "user_binding"
	SourceTenantDefault = "tenant_default"
	SourceGlobalDefault = "global_default"
)

// ResolveRequest carries the inputs the resolver may consult.
type ResolveRequest struct {
	Identifier string
	Scope      Scope
	PolicyID   *uuid.UUID
	TenantID   *uuid.UUID
	ApiKey     string
	IPAddress  string
	Resource   string
	Method     string
}

// Resolution is a successful lookup: the policy plus the precedence step
// that produced it.
type Resolution struct {
	Policy *Policy
	Source string
}

// Repos bundles the readers the resolver consults.
type Repos struct {
	Policies     PolicyReader
	ApiKeys      ApiKeyReader
	IpRules      IpRuleReader
	UserBindings UserPolicyReader
	PolicyRules  PolicyRuleReader
}

// CacheConfig sizes the per-kind lookup caches.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// Resolver maps check requests to policies with per-kind caching and
// request coalescing on misses.
type Resolver struct {
	repos   Repos
	clock   clock.Clock
	log     *zap.Logger
	metrics *telemetry.Collector
	group   singleflight.Group

	policies     *cache.Cache
	apiKeys      *cache.Cache
	ipRules      *cache.Cache
	userBindings *cache.Cache
	patternRules *cache.Cache
	defaults     *cache.Cache
}

// compiledRule pairs a PolicyRule with its parsed pattern.
type compiledRule struct {
	rule    PolicyRule
	pattern *Pattern
}

const (
	kindPolicy      = "policy"
	kindApiKey      = "api_key"
	kindIpRules     = "ip_rules"
	kindUserBinding = "user_binding"
	kindPatternRule = "pattern_rules"
	kindDefault     = "default"

	patternRulesKey  = "enabled"
	globalDefaultKey = "global"
)

// NewResolver builds the resolver and its caches.
func NewResolver(repos Repos, cc CacheConfig, clk clock.Clock, log *zap.Logger, metrics *telemetry.Collector) *Resolver {
	newCache := func() *cache.Cache {
		return cache.New(cache.WithTTL(cc.TTL), cache.WithMaxEntries(cc.MaxEntries), cache.WithClock(clk))
	}
	return &Resolver{
		repos:        repos,
		clock:        clk,
		log:          log.Named("resolver"),
		metrics:      metrics,
		policies:     newCache(),
		apiKeys:      newCache(),
		ipRules:      newCache(),
		userBindings: newCache(),
		patternRules: newCache(),
		defaults:     newCache(),
	}
}

// Close stops the cache janitors.
func (r *Resolver) Close() {
	for _, c := range r.allCaches() {
		c.Close()
	}
}

func (r *Resolver) allCaches() map[string]*cache.Cache {
	return map[string]*cache.Cache{
		kindPolicy:      r.policies,
		kindApiKey:      r.apiKeys,
		kindIpRules:     r.ipRules,
		kindUserBinding: r.userBindings,
		kindPatternRule: r.patternRules,
		kindDefault:     r.defaults,
	}
}

// CacheStats snapshots every lookup cache, keyed by entity kind.
func (r *Resolver) CacheStats() map[string]cache.Stats {
	out := make(map[string]cache.Stats)
	for kind, c := range r.allCaches() {
		out[kind] = c.Stats()
	}
	return out
}

// Resolve walks the precedence ladder and returns the first hit.
// It returns ErrDisabled when resolution lands on a disabled policy and
// ErrNoPolicy when no step matches. Repository failures degrade: the step
// is skipped, never surfaced.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	steps := []func(context.Context, ResolveRequest) (*Resolution, error){
		r.byExplicitID,
		r.byApiKey,
		r.byIpRule,
		r.byURLPattern,
		r.byUserBinding,
		r.byTenantDefault,
		r.byGlobalDefault,
	}
	for _, step := range steps {
		res, err := step(ctx, req)
		if err != nil {
			if errors.Is(err, ErrDisabled) {
				r.metrics.Resolution("disabled")
				return nil, err
			}
			// Degraded lookup: move on to the next step.
			continue
		}
		if res != nil {
			r.metrics.Resolution(res.Source)
			return res, nil
		}
	}
	r.metrics.Resolution("not_found")
	return nil, ErrNoPolicy
}

// resolved applies the disabled short-circuit shared by all steps.
func resolved(pol *Policy, source string) (*Resolution, error) {
	if !pol.Enabled {
		return nil, ErrDisabled
	}
	return &Resolution{Policy: pol, Source: source}, nil
}

func (r *Resolver) byExplicitID(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.PolicyID == nil {
		return nil, nil
	}
	pol, err := r.policyByID(ctx, *req.PolicyID)
	if err != nil {
		return nil, r.degrade(err, "explicit policy lookup")
	}
	return resolved(pol, SourceExplicit)
}

func (r *Resolver) byApiKey(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.ApiKey == "" {
		return nil, nil
	}
	key, err := r.apiKeyByHash(ctx, HashApiKey(req.ApiKey))
	if err != nil {
		return nil, r.degrade(err, "api key lookup")
	}
	if !key.Active(r.clock.Now()) || key.PolicyID == nil {
		return nil, nil
	}
	pol, err := r.policyByID(ctx, *key.PolicyID)
	if err != nil {
		return nil, r.degrade(err, "api key policy lookup")
	}
	return resolved(pol, SourceApiKey)
}

func (r *Resolver) byIpRule(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.IPAddress == "" {
		return nil, nil
	}
	rules, err := r.rulesForIP(ctx, req.IPAddress)
	if err != nil {
		return nil, r.degrade(err, "ip rule lookup")
	}
	if len(rules) == 0 {
		return nil, nil
	}

	best := pickIpRule(rules, req.TenantID)
	pol, err := r.policyByID(ctx, best.PolicyID)
	if err != nil {
		return nil, r.degrade(err, "ip rule policy lookup")
	}
	return resolved(pol, SourceIpRule)
}

// pickIpRule ranks matches: tenant-scoped first when the request carries a
// tenant, then exact IP over CIDR, then newer creation.
func pickIpRule(rules []IpRule, tenantID *uuid.UUID) IpRule {
	ranked := make([]IpRule, len(rules))
	copy(ranked, rules)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if tenantID != nil {
			at := a.TenantID != nil && *a.TenantID == *tenantID
			bt := b.TenantID != nil && *b.TenantID == *tenantID
			if at != bt {
				return at
			}
		}
		if a.Exact() != b.Exact() {
			return a.Exact()
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return ranked[0]
}

func (r *Resolver) byURLPattern(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.Resource == "" {
		return nil, nil
	}
	rules, err := r.enabledPatternRules(ctx)
	if err != nil {
		return nil, r.degrade(err, "pattern rule lookup")
	}
	for _, cr := range rules {
		if !cr.rule.MethodAllowed(req.Method) {
			continue
		}
		if !cr.pattern.Match(req.Resource) {
			continue
		}
		pol, err := r.policyByID(ctx, cr.rule.PolicyID)
		if err != nil {
			return nil, r.degrade(err, "pattern rule policy lookup")
		}
		return resolved(pol, SourceURLPattern)
	}
	return nil, nil
}

func (r *Resolver) byUserBinding(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.Scope != ScopeUser || req.TenantID == nil || req.Identifier == "" {
		return nil, nil
	}
	binding, err := r.userBinding(ctx, req.Identifier, *req.TenantID)
	if err != nil {
		return nil, r.degrade(err, "user binding lookup")
	}
	if !binding.Enabled {
		return nil, nil
	}
	pol, err := r.policyByID(ctx, binding.PolicyID)
	if err != nil {
		return nil, r.degrade(err, "user binding policy lookup")
	}
	return resolved(pol, SourceUserBinding)
}

func (r *Resolver) byTenantDefault(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	if req.TenantID == nil {
		return nil, nil
	}
	pol, err := r.tenantDefault(ctx, *req.TenantID)
	if err != nil {
		return nil, r.degrade(err, "tenant default lookup")
	}
	return resolved(pol, SourceTenantDefault)
}

func (r *Resolver) byGlobalDefault(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	pol, err := r.globalDefault(ctx)
	if err != nil {
		return nil, r.degrade(err, "global default lookup")
	}
	return resolved(pol, SourceGlobalDefault)
}

// degrade logs hard repository failures and turns every lookup error into
// a step miss.
func (r *Resolver) degrade(err error, what string) error {
	if !errors.Is(err, ErrNotFound) {
		r.log.Warn("config store lookup degraded", zap.String("lookup", what), zap.Error(err))
	}
	return err
}

// ─── Cached lookups ──────────────────────────────────────────────────────────

// lookup consults a cache, coalescing concurrent misses for the same key
// into one repository round-trip. Negative results are never cached.
func (r *Resolver) lookup(c *cache.Cache, kind, key string, fetch func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		r.metrics.CacheHit(kind)
		return v, nil
	}
	r.metrics.CacheMiss(kind)
	v, err, _ := r.group.Do(kind+":"+key, func() (interface{}, error) {
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Resolver) policyByID(ctx context.Context, id uuid.UUID) (*Policy, error) {
	v, err := r.lookup(r.policies, kindPolicy, id.String(), func() (interface{}, error) {
		return r.repos.Policies.PolicyByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Policy), nil
}

func (r *Resolver) apiKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	v, err := r.lookup(r.apiKeys, kindApiKey, hash, func() (interface{}, error) {
		return r.repos.ApiKeys.ApiKeyByHash(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ApiKey), nil
}

func (r *Resolver) rulesForIP(ctx context.Context, ip string) ([]IpRule, error) {
	v, err := r.lookup(r.ipRules, kindIpRules, ip, func() (interface{}, error) {
		rules, err := r.repos.IpRules.RulesForIP(ctx, ip)
		if err != nil {
			return nil, err
		}
		if len(rules) == 0 {
			// An empty match set is a negative result; surface the
			// miss without caching it.
			return nil, ErrNotFound
		}
		return rules, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return v.([]IpRule), nil
}

func (r *Resolver) enabledPatternRules(ctx context.Context) ([]compiledRule, error) {
	v, err := r.lookup(r.patternRules, kindPatternRule, patternRulesKey, func() (interface{}, error) {
		rules, err := r.repos.PolicyRules.EnabledRules(ctx)
		if err != nil {
			return nil, err
		}
		compiled := make([]compiledRule, 0, len(rules))
		for _, rule := range rules {
			p, err := CompilePattern(rule.ResourcePattern)
			if err != nil {
				r.log.Warn("skipping unparsable pattern rule",
					zap.String("rule_id", rule.ID.String()),
					zap.Error(err))
				continue
			}
			compiled = append(compiled, compiledRule{rule: rule, pattern: p})
		}
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]compiledRule), nil
}

func (r *Resolver) userBinding(ctx context.Context, userID string, tenantID uuid.UUID) (*UserPolicy, error) {
	key := userID + ":" + tenantID.String()
	v, err := r.lookup(r.userBindings, kindUserBinding, key, func() (interface{}, error) {
		return r.repos.UserBindings.UserBinding(ctx, userID, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserPolicy), nil
}

func (r *Resolver) tenantDefault(ctx context.Context, tenantID uuid.UUID) (*Policy, error) {
	v, err := r.lookup(r.defaults, kindDefault, "tenant:"+tenantID.String(), func() (interface{}, error) {
		return r.repos.Policies.TenantDefault(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Policy), nil
}

func (r *Resolver) globalDefault(ctx context.Context) (*Policy, error) {
	v, err := r.lookup(r.defaults, kindDefault, globalDefaultKey, func() (interface{}, error) {
		return r.repos.Policies.GlobalDefault(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Policy), nil
}

// ─── Invalidation, called on admin writes ────────────────────────────────────

// ReplacePolicy swaps the cached value for an updated policy and clears the
// default slots its flags may have changed.
func (r *Resolver) ReplacePolicy(pol *Policy) {
	r.policies.Set(pol.ID.String(), pol)
	r.invalidateDefaults(pol.TenantID)
}

// InvalidatePolicy drops a policy and the default slots it may have owned.
func (r *Resolver) InvalidatePolicy(id uuid.UUID, tenantID *uuid.UUID) {
	r.policies.Delete(id.String())
	r.invalidateDefaults(tenantID)
}

func (r *Resolver) invalidateDefaults(tenantID *uuid.UUID) {
	r.defaults.Delete(globalDefaultKey)
	if tenantID != nil {
		r.defaults.Delete("tenant:" + tenantID.String())
	}
}

// InvalidateApiKey drops a cached key by its hash.
func (r *Resolver) InvalidateApiKey(keyHash string) {
	r.apiKeys.Delete(keyHash)
}

// InvalidateIpRules drops every cached per-IP match set; rule writes can
// affect addresses that were never queried under the new rule.
func (r *Resolver) InvalidateIpRules() {
	r.ipRules.Clear()
}

// InvalidatePatternRules drops the compiled pattern rule list.
func (r *Resolver) InvalidatePatternRules() {
	r.patternRules.Delete(patternRulesKey)
}

// InvalidateUserBinding drops one (userId, tenantId) binding.
func (r *Resolver) InvalidateUserBinding(userID string, tenantID uuid.UUID) {
	r.userBindings.Delete(userID + ":" + tenantID.String())
}

// InvalidateTenantDefault drops a tenant's cached default policy slot, for
// writes that remove the tenant outright.
func (r *Resolver) InvalidateTenantDefault(tenantID uuid.UUID) {
	r.defaults.Delete("tenant:" + tenantID.String())
}
