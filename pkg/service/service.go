// Package service is the public entry for rate-limit checks: it validates
// the request, resolves the policy, runs the limiter, shapes the verdict,
// and emits the event. Everything downstream of the counter store call is
// non-blocking.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/events"
	"github.com/gatelimit/gatelimit/pkg/limiter"
	"github.com/gatelimit/gatelimit/pkg/policy"
)

// Denial reasons surfaced to callers.
const (
	ReasonRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ReasonPolicyNotFound     = "POLICY_NOT_FOUND"
	ReasonPolicyDisabled     = "POLICY_DISABLED"
	ReasonCircuitBreakerOpen = "CIRCUIT_BREAKER_OPEN"
)

// ErrInvalidRequest marks requests the service refuses to evaluate.
var ErrInvalidRequest = errors.New("service: invalid request")

// CheckRequest describes one actor asking for one permit.
type CheckRequest struct {
	Identifier string
	Scope      policy.Scope
	PolicyID   *uuid.UUID
	TenantID   *uuid.UUID
	ApiKey     string
	IPAddress  string
	Resource   string
	Method     string
}

// CheckResponse is the verdict plus quota metadata. Reason is set only on
// denial.
type CheckResponse struct {
	Allowed           bool
	Remaining         int64
	Limit             int64
	ResetInSeconds    int64
	RetryAfterSeconds int64
	PolicyID          *uuid.UUID
	Algorithm         string
	Reason            string
}

// Resolver maps a check to a policy.
type Resolver interface {
	Resolve(ctx context.Context, req policy.ResolveRequest) (*policy.Resolution, error)
}

// Limiter executes the policy's algorithm against the counter store.
type Limiter interface {
	Check(ctx context.Context, scope policy.Scope, identifier string, pol *policy.Policy, n int64) (limiter.Result, error)
	Reset(ctx context.Context, scope policy.Scope, identifier string) int64
}

// Publisher accepts verdict events without blocking.
type Publisher interface {
	Publish(ev events.Event) bool
}

// Service orchestrates the check path.
type Service struct {
	resolver Resolver
	limiter  Limiter
	sink     Publisher
	clock    clock.Clock
	log      *zap.Logger
}

// New wires the orchestrator.
func New(resolver Resolver, lim Limiter, sink Publisher, clk clock.Clock, log *zap.Logger) *Service {
	return &Service{
		resolver: resolver,
		limiter:  lim,
		sink:     sink,
		clock:    clk,
		log:      log.Named("service"),
	}
}

// Check evaluates one request and returns a verdict. Resolution failures are
// deny verdicts, not errors; only invalid input is an error.
func (s *Service) Check(ctx context.Context, req CheckRequest) (CheckResponse, error) {
	if err := validate(&req); err != nil {
		return CheckResponse{}, err
	}

	res, err := s.resolver.Resolve(ctx, resolveRequest(req))
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrDisabled):
			return deny(ReasonPolicyDisabled), nil
		case errors.Is(err, policy.ErrNoPolicy):
			return deny(ReasonPolicyNotFound), nil
		default:
			return CheckResponse{}, fmt.Errorf("service: resolve: %w", err)
		}
	}
	pol := res.Policy

	identifier := limiterIdentifier(pol.Scope, req)
	verdict, err := s.limiter.Check(ctx, pol.Scope, identifier, pol, 1)
	if err != nil {
		if errors.Is(err, limiter.ErrInvalidRequest) {
			return CheckResponse{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return CheckResponse{}, err
	}

	out := CheckResponse{
		Allowed:           verdict.Allowed,
		Remaining:         verdict.Remaining,
		Limit:             pol.MaxRequests,
		ResetInSeconds:    verdict.ResetInSec,
		RetryAfterSeconds: verdict.RetryAfterSec,
		PolicyID:          &pol.ID,
		Algorithm:         string(pol.Algorithm),
	}
	if !verdict.Allowed {
		out.Reason = ReasonRateLimitExceeded
		if verdict.Fallback {
			out.Reason = ReasonCircuitBreakerOpen
		}
	}

	s.emit(req, pol.ID, pol.Scope, pol.MaxRequests, identifier, out)
	return out, nil
}

// Reset clears every counter for a (scope, identifier) pair across all
// algorithms and returns the number of keys removed.
func (s *Service) Reset(ctx context.Context, scope policy.Scope, identifier string) (int64, error) {
	if !scope.Valid() {
		return 0, fmt.Errorf("%w: invalid scope %q", ErrInvalidRequest, scope)
	}
	if strings.TrimSpace(identifier) == "" {
		return 0, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	n := s.limiter.Reset(ctx, scope, identifier)
	s.log.Info("counters reset",
		zap.String("scope", string(scope)),
		zap.String("identifier", identifier),
		zap.Int64("keys", n))
	return n, nil
}

func validate(req *CheckRequest) error {
	req.Identifier = strings.TrimSpace(req.Identifier)
	if !req.Scope.Valid() {
		return fmt.Errorf("%w: invalid scope %q", ErrInvalidRequest, req.Scope)
	}
	if req.Identifier == "" && req.IPAddress == "" {
		return fmt.Errorf("%w: identifier or ipAddress is required", ErrInvalidRequest)
	}
	return nil
}

func resolveRequest(req CheckRequest) policy.ResolveRequest {
	return policy.ResolveRequest{
		Identifier: req.Identifier,
		Scope:      req.Scope,
		PolicyID:   req.PolicyID,
		TenantID:   req.TenantID,
		ApiKey:     req.ApiKey,
		IPAddress:  req.IPAddress,
		Resource:   req.Resource,
		Method:     req.Method,
	}
}

// limiterIdentifier picks what the resolved policy's scope keys counters by.
// A TENANT-scoped policy counts per tenant even when the check names a user.
func limiterIdentifier(scope policy.Scope, req CheckRequest) string {
	switch scope {
	case policy.ScopeGlobal:
		return "global"
	case policy.ScopeTenant:
		if req.TenantID != nil {
			return req.TenantID.String()
		}
	case policy.ScopeAPI:
		if req.ApiKey != "" {
			return policy.HashApiKey(req.ApiKey)
		}
	case policy.ScopeIP:
		if req.IPAddress != "" {
			return req.IPAddress
		}
	}
	return req.Identifier
}

func identifierType(scope policy.Scope) string {
	switch scope {
	case policy.ScopeAPI:
		return events.TypeApiKey
	case policy.ScopeIP:
		return events.TypeIP
	case policy.ScopeTenant:
		return events.TypeTenant
	case policy.ScopeGlobal:
		return events.TypeGlobal
	default:
		return events.TypeUser
	}
}

func deny(reason string) CheckResponse {
	return CheckResponse{Allowed: false, Reason: reason}
}

func (s *Service) emit(req CheckRequest, policyID uuid.UUID, scope policy.Scope, limit int64, identifier string, out CheckResponse) {
	now := s.clock.Now()
	s.sink.Publish(events.Event{
		ID:             uuid.New(),
		PolicyID:       policyID,
		Identifier:     identifier,
		IdentifierType: identifierType(scope),
		Allowed:        out.Allowed,
		Remaining:      out.Remaining,
		LimitValue:     limit,
		IPAddress:      req.IPAddress,
		Resource:       req.Resource,
		EventTime:      now,
		PartitionKey:   events.Partition(now),
	})
}
