package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type policyRulePayload struct {
	PolicyID        uuid.UUID `json:"policyId"`
	ResourcePattern string    `json:"resourcePattern"`
	HTTPMethods     string    `json:"httpMethods"`
	Priority        int       `json:"priority"`
	Enabled         *bool     `json:"enabled"`
}

type policyRuleDTO struct {
	ID              uuid.UUID `json:"id"`
	PolicyID        uuid.UUID `json:"policyId"`
	ResourcePattern string    `json:"resourcePattern"`
	HTTPMethods     string    `json:"httpMethods"`
	Priority        int       `json:"priority"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toPolicyRuleDTO(r *policy.PolicyRule) policyRuleDTO {
	return policyRuleDTO{ID: r.ID, PolicyID: r.PolicyID, ResourcePattern: r.ResourcePattern,
		HTTPMethods: r.HTTPMethods, Priority: r.Priority, Enabled: r.Enabled,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

func (s *Server) createPolicyRule(c *gin.Context) {
	var in policyRulePayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if in.PolicyID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "policyId is required"})
		return
	}
	if in.Priority < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority must not be negative"})
		return
	}
	// Reject patterns the resolver could not compile later.
	if _, err := policy.CompilePattern(in.ResourcePattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.deps.Clock.Now()
	rule := &policy.PolicyRule{
		ID:              uuid.New(),
		PolicyID:        in.PolicyID,
		ResourcePattern: in.ResourcePattern,
		HTTPMethods:     in.HTTPMethods,
		Priority:        in.Priority,
		Enabled:         in.Enabled == nil || *in.Enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.deps.PolicyRules.Create(c.Request.Context(), rule); err != nil {
		s.fail(c, "create policy rule", err)
		return
	}
	s.deps.Caches.InvalidatePatternRules()
	c.JSON(http.StatusCreated, toPolicyRuleDTO(rule))
}

func (s *Server) listPolicyRules(c *gin.Context) {
	out, err := s.deps.PolicyRules.List(c.Request.Context())
	if err != nil {
		s.fail(c, "list policy rules", err)
		return
	}
	dtos := make([]policyRuleDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toPolicyRuleDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) deletePolicyRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.PolicyRules.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete policy rule", err)
		return
	}
	s.deps.Caches.InvalidatePatternRules()
	c.Status(http.StatusNoContent)
}
