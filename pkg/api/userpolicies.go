package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type userPolicyPayload struct {
	UserID   string    `json:"userId"`
	TenantID uuid.UUID `json:"tenantId"`
	PolicyID uuid.UUID `json:"policyId"`
	Enabled  *bool     `json:"enabled"`
}

type userPolicyDTO struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"userId"`
	TenantID  uuid.UUID `json:"tenantId"`
	PolicyID  uuid.UUID `json:"policyId"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toUserPolicyDTO(b *policy.UserPolicy) userPolicyDTO {
	return userPolicyDTO{ID: b.ID, UserID: b.UserID, TenantID: b.TenantID,
		PolicyID: b.PolicyID, Enabled: b.Enabled, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt}
}

func (s *Server) createUserPolicy(c *gin.Context) {
	var in userPolicyPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(in.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if in.TenantID == uuid.Nil || in.PolicyID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId and policyId are required"})
		return
	}

	now := s.deps.Clock.Now()
	b := &policy.UserPolicy{
		ID:        uuid.New(),
		UserID:    in.UserID,
		TenantID:  in.TenantID,
		PolicyID:  in.PolicyID,
		Enabled:   in.Enabled == nil || *in.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.UserPolicies.Create(c.Request.Context(), b); err != nil {
		s.fail(c, "create user policy", err)
		return
	}
	s.deps.Caches.InvalidateUserBinding(b.UserID, b.TenantID)
	c.JSON(http.StatusCreated, toUserPolicyDTO(b))
}

func (s *Server) listUserPolicies(c *gin.Context) {
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}
	out, err := s.deps.UserPolicies.List(c.Request.Context(), tenantID)
	if err != nil {
		s.fail(c, "list user policies", err)
		return
	}
	dtos := make([]userPolicyDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toUserPolicyDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) deleteUserPolicy(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := s.deps.UserPolicies.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "delete user policy", err)
		return
	}
	if err := s.deps.UserPolicies.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete user policy", err)
		return
	}
	s.deps.Caches.InvalidateUserBinding(b.UserID, b.TenantID)
	c.Status(http.StatusNoContent)
}
