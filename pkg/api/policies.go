package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type policyPayload struct {
	Name          string     `json:"name"`
	TenantID      *uuid.UUID `json:"tenantId"`
	Scope         string     `json:"scope"`
	Algorithm     string     `json:"algorithm"`
	MaxRequests   int64      `json:"maxRequests"`
	WindowSeconds int64      `json:"windowSeconds"`
	BurstCapacity *int64     `json:"burstCapacity"`
	RefillRate    *float64   `json:"refillRate"`
	FailMode      string     `json:"failMode"`
	Enabled       *bool      `json:"enabled"`
	IsDefault     bool       `json:"isDefault"`
}

type policyDTO struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	TenantID      *uuid.UUID `json:"tenantId,omitempty"`
	Scope         string     `json:"scope"`
	Algorithm     string     `json:"algorithm"`
	MaxRequests   int64      `json:"maxRequests"`
	WindowSeconds int64      `json:"windowSeconds"`
	BurstCapacity *int64     `json:"burstCapacity,omitempty"`
	RefillRate    *float64   `json:"refillRate,omitempty"`
	FailMode      string     `json:"failMode"`
	Enabled       bool       `json:"enabled"`
	IsDefault     bool       `json:"isDefault"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toPolicyDTO(p *policy.Policy) policyDTO {
	return policyDTO{
		ID:            p.ID,
		Name:          p.Name,
		TenantID:      p.TenantID,
		Scope:         string(p.Scope),
		Algorithm:     string(p.Algorithm),
		MaxRequests:   p.MaxRequests,
		WindowSeconds: p.WindowSeconds,
		BurstCapacity: p.BurstCapacity,
		RefillRate:    p.RefillRate,
		FailMode:      string(p.FailMode),
		Enabled:       p.Enabled,
		IsDefault:     p.IsDefault,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// apply copies the payload onto a policy, leaving identity and CreatedAt
// alone. Enabled defaults to true, failMode to FAIL_CLOSED.
func (in *policyPayload) apply(p *policy.Policy) {
	p.Name = in.Name
	p.TenantID = in.TenantID
	p.Scope = policy.Scope(in.Scope)
	p.Algorithm = policy.Algorithm(in.Algorithm)
	p.MaxRequests = in.MaxRequests
	p.WindowSeconds = in.WindowSeconds
	p.BurstCapacity = in.BurstCapacity
	p.RefillRate = in.RefillRate
	p.FailMode = policy.FailMode(in.FailMode)
	if in.FailMode == "" {
		p.FailMode = policy.FailClosed
	}
	p.Enabled = in.Enabled == nil || *in.Enabled
	p.IsDefault = in.IsDefault
}

func (s *Server) createPolicy(c *gin.Context) {
	var in policyPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.deps.Clock.Now()
	p := &policy.Policy{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
	in.apply(p)
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Policies.Create(c.Request.Context(), p); err != nil {
		s.fail(c, "create policy", err)
		return
	}
	s.deps.Caches.ReplacePolicy(p)
	c.JSON(http.StatusCreated, toPolicyDTO(p))
}

func (s *Server) listPolicies(c *gin.Context) {
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}
	out, err := s.deps.Policies.List(c.Request.Context(), tenantID)
	if err != nil {
		s.fail(c, "list policies", err)
		return
	}
	dtos := make([]policyDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toPolicyDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) getPolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := s.deps.Policies.PolicyByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get policy", err)
		return
	}
	c.JSON(http.StatusOK, toPolicyDTO(p))
}

func (s *Server) updatePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in policyPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.deps.Policies.PolicyByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "update policy", err)
		return
	}
	in.apply(p)
	p.UpdatedAt = s.deps.Clock.Now()
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.Policies.Update(c.Request.Context(), p); err != nil {
		s.fail(c, "update policy", err)
		return
	}
	s.deps.Caches.ReplacePolicy(p)
	c.JSON(http.StatusOK, toPolicyDTO(p))
}

func (s *Server) deletePolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := s.deps.Policies.PolicyByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "delete policy", err)
		return
	}
	if err := s.deps.Policies.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete policy", err)
		return
	}
	s.deps.Caches.InvalidatePolicy(id, p.TenantID)
	c.Status(http.StatusNoContent)
}
