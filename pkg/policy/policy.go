// Package policy holds the configuration entities and the resolver that
// maps an incoming check to exactly one policy.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scope says what a policy's counters are keyed by.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeTenant Scope = "TENANT"
	ScopeUser   Scope = "USER"
	ScopeAPI    Scope = "API"
	ScopeIP     Scope = "IP"
)

// Scopes returns every valid scope value.
func Scopes() []Scope {
	return []Scope{ScopeGlobal, ScopeTenant, ScopeUser, ScopeAPI, ScopeIP}
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeUser, ScopeAPI, ScopeIP:
		return true
	}
	return false
}

// Algorithm selects the rate-limit strategy a policy runs.
type Algorithm string

const (
	TokenBucket Algorithm = "TOKEN_BUCKET"
	FixedWindow Algorithm = "FIXED_WINDOW"
	SlidingLog  Algorithm = "SLIDING_LOG"
)

// Algorithms returns every valid algorithm value. The limiter engine checks
// at startup that each one has a registered strategy.
func Algorithms() []Algorithm {
	return []Algorithm{TokenBucket, FixedWindow, SlidingLog}
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case TokenBucket, FixedWindow, SlidingLog:
		return true
	}
	return false
}

// FailMode decides the verdict when the counter store is unavailable.
type FailMode string

const (
	FailOpen   FailMode = "FAIL_OPEN"
	FailClosed FailMode = "FAIL_CLOSED"
)

// RuleType classifies an IP rule. Only RATE_LIMIT rules are accepted at
// write time; BLACKLIST and WHITELIST rows may exist from earlier imports
// and are queryable but never matched by the resolver.
type RuleType string

const (
	RuleRateLimit RuleType = "RATE_LIMIT"
	RuleBlacklist RuleType = "BLACKLIST"
	RuleWhitelist RuleType = "WHITELIST"
)

// Sentinel errors shared by repositories and the resolver.
var (
	// ErrNotFound is the repository-level miss.
	ErrNotFound = errors.New("policy: not found")

	// ErrNoPolicy means no precedence step produced a policy.
	ErrNoPolicy = errors.New("policy: no applicable policy")

	// ErrDisabled means resolution landed on a disabled policy.
	ErrDisabled = errors.New("policy: resolved policy is disabled")
)

// Policy is the unit of rate-limit configuration.
type Policy struct {
	ID            uuid.UUID
	Name          string
	TenantID      *uuid.UUID
	Scope         Scope
	Algorithm     Algorithm
	MaxRequests   int64
	WindowSeconds int64
	BurstCapacity *int64
	RefillRate    *float64
	FailMode      FailMode
	Enabled       bool
	IsDefault     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EffectiveCapacity is the token-bucket burst size: BurstCapacity when set,
// MaxRequests otherwise.
func (p *Policy) EffectiveCapacity() int64 {
	if p.BurstCapacity != nil && *p.BurstCapacity > 0 {
		return *p.BurstCapacity
	}
	return p.MaxRequests
}

// EffectiveRefillRate is the token-bucket refill in tokens per second:
// RefillRate when set, MaxRequests/WindowSeconds otherwise.
func (p *Policy) EffectiveRefillRate() float64 {
	if p.RefillRate != nil && *p.RefillRate > 0 {
		return *p.RefillRate
	}
	return float64(p.MaxRequests) / float64(p.WindowSeconds)
}

// Validate checks the field invariants enforced on admin writes.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("policy: name is required")
	}
	if !p.Scope.Valid() {
		return fmt.Errorf("policy: invalid scope %q", p.Scope)
	}
	if !p.Algorithm.Valid() {
		return fmt.Errorf("policy: invalid algorithm %q", p.Algorithm)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy: maxRequests must be positive")
	}
	if p.WindowSeconds <= 0 {
		return fmt.Errorf("policy: windowSeconds must be positive")
	}
	if p.BurstCapacity != nil {
		if p.Algorithm != TokenBucket {
			return fmt.Errorf("policy: burstCapacity only applies to %s", TokenBucket)
		}
		if *p.BurstCapacity <= 0 {
			return fmt.Errorf("policy: burstCapacity must be positive")
		}
	}
	if p.RefillRate != nil && *p.RefillRate <= 0 {
		return fmt.Errorf("policy: refillRate must be positive")
	}
	if p.FailMode != FailOpen && p.FailMode != FailClosed {
		return fmt.Errorf("policy: invalid failMode %q", p.FailMode)
	}
	return nil
}

// Tenant owns policies, API keys, IP rules, and user bindings.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Tier      string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApiKey binds an opaque credential to a tenant and optionally a policy.
// Only the SHA-256 hash and a short display prefix are stored.
type ApiKey struct {
	ID        uuid.UUID
	KeyHash   string
	KeyPrefix string
	TenantID  uuid.UUID
	PolicyID  *uuid.UUID
	Enabled   bool
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the key may be used at the given instant.
func (k *ApiKey) Active(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// IpRule binds a single IP or a CIDR block to a policy. Exactly one of
// IPAddress and IPCidr is set.
type IpRule struct {
	ID        uuid.UUID
	TenantID  *uuid.UUID
	PolicyID  uuid.UUID
	IPAddress *string
	IPCidr    *string
	RuleType  RuleType
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the write-time invariants.
func (r *IpRule) Validate() error {
	hasIP := r.IPAddress != nil && *r.IPAddress != ""
	hasCidr := r.IPCidr != nil && *r.IPCidr != ""
	if hasIP == hasCidr {
		return fmt.Errorf("policy: exactly one of ipAddress and ipCidr must be set")
	}
	if r.RuleType != RuleRateLimit {
		return fmt.Errorf("policy: unsupported rule type %q", r.RuleType)
	}
	if r.PolicyID == uuid.Nil {
		return fmt.Errorf("policy: ip rule requires a policy")
	}
	return nil
}

// Exact reports whether the rule matches a single address rather than a block.
func (r *IpRule) Exact() bool {
	return r.IPAddress != nil && *r.IPAddress != ""
}

// UserPolicy binds a (userId, tenantId) pair to a policy.
type UserPolicy struct {
	ID        uuid.UUID
	UserID    string
	TenantID  uuid.UUID
	PolicyID  uuid.UUID
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyRule binds a URL glob pattern to a policy. Higher priority wins;
// creation order breaks ties.
type PolicyRule struct {
	ID              uuid.UUID
	PolicyID        uuid.UUID
	ResourcePattern string
	HTTPMethods     string
	Priority        int
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MethodAllowed reports whether the rule applies to an HTTP method. An
// empty method list matches everything.
func (r *PolicyRule) MethodAllowed(method string) bool {
	if strings.TrimSpace(r.HTTPMethods) == "" {
		return true
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range strings.Split(r.HTTPMethods, ",") {
		if strings.ToUpper(strings.TrimSpace(m)) == method {
			return true
		}
	}
	return false
}

// AlertRule triggers notifications when a policy's deny rate crosses a
// threshold.
type AlertRule struct {
	ID                  uuid.UUID
	Name                string
	PolicyID            uuid.UUID
	ThresholdPercentage float64
	WindowSeconds       int64
	CooldownSeconds     int64
	Enabled             bool
	LastTriggeredAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks the write-time invariants.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("policy: alert rule name is required")
	}
	if r.PolicyID == uuid.Nil {
		return fmt.Errorf("policy: alert rule requires a policy")
	}
	if r.ThresholdPercentage < 1 || r.ThresholdPercentage > 100 {
		return fmt.Errorf("policy: thresholdPercentage must be in [1,100]")
	}
	if r.WindowSeconds < 1 {
		return fmt.Errorf("policy: windowSeconds must be at least 1")
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("policy: cooldownSeconds must not be negative")
	}
	return nil
}

// Repositories the resolver reads from. pkg/storage implements them over
// Postgres; tests substitute fakes.

// PolicyReader loads policies and defaults.
type PolicyReader interface {
	PolicyByID(ctx context.Context, id uuid.UUID) (*Policy, error)
	TenantDefault(ctx context.Context, tenantID uuid.UUID) (*Policy, error)
	GlobalDefault(ctx context.Context) (*Policy, error)
}

// ApiKeyReader loads API keys by credential hash.
type ApiKeyReader interface {
	ApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error)
}

// IpRuleReader loads enabled RATE_LIMIT rules matching an address, exact or
// by CIDR containment. Order is unspecified; the resolver ranks matches.
type IpRuleReader interface {
	RulesForIP(ctx context.Context, ip string) ([]IpRule, error)
}

// UserPolicyReader loads user bindings.
type UserPolicyReader interface {
	UserBinding(ctx context.Context, userID string, tenantID uuid.UUID) (*UserPolicy, error)
}

// PolicyRuleReader lists enabled URL-pattern rules ordered by priority
// descending, creation ascending.
type PolicyRuleReader interface {
	EnabledRules(ctx context.Context) ([]PolicyRule, error)
}
