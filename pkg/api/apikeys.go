package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type apiKeyPayload struct {
	TenantID  uuid.UUID  `json:"tenantId"`
	PolicyID  *uuid.UUID `json:"policyId"`
	Enabled   *bool      `json:"enabled"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type apiKeyDTO struct {
	ID        uuid.UUID  `json:"id"`
	KeyPrefix string     `json:"keyPrefix"`
	TenantID  uuid.UUID  `json:"tenantId"`
	PolicyID  *uuid.UUID `json:"policyId,omitempty"`
	Enabled   bool       `json:"enabled"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	// Key carries the raw credential exactly once, on creation. It is
	// never recoverable afterwards.
	Key string `json:"key,omitempty"`
}

func toApiKeyDTO(k *policy.ApiKey) apiKeyDTO {
	return apiKeyDTO{
		ID:        k.ID,
		KeyPrefix: k.KeyPrefix,
		TenantID:  k.TenantID,
		PolicyID:  k.PolicyID,
		Enabled:   k.Enabled,
		ExpiresAt: k.ExpiresAt,
		CreatedAt: k.CreatedAt,
		UpdatedAt: k.UpdatedAt,
	}
}

func (s *Server) createApiKey(c *gin.Context) {
	var in apiKeyPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if in.TenantID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenantId is required"})
		return
	}

	raw, err := policy.NewRawApiKey()
	if err != nil {
		s.fail(c, "generate api key", err)
		return
	}

	now := s.deps.Clock.Now()
	k := &policy.ApiKey{
		ID:        uuid.New(),
		KeyHash:   policy.HashApiKey(raw),
		KeyPrefix: policy.KeyPrefix(raw),
		TenantID:  in.TenantID,
		PolicyID:  in.PolicyID,
		Enabled:   in.Enabled == nil || *in.Enabled,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.ApiKeys.Create(c.Request.Context(), k); err != nil {
		s.fail(c, "create api key", err)
		return
	}

	dto := toApiKeyDTO(k)
	dto.Key = raw
	c.JSON(http.StatusCreated, dto)
}

func (s *Server) listApiKeys(c *gin.Context) {
	tenantID, ok := tenantQuery(c)
	if !ok {
		return
	}
	out, err := s.deps.ApiKeys.List(c.Request.Context(), tenantID)
	if err != nil {
		s.fail(c, "list api keys", err)
		return
	}
	dtos := make([]apiKeyDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toApiKeyDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) getApiKey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	k, err := s.deps.ApiKeys.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get api key", err)
		return
	}
	c.JSON(http.StatusOK, toApiKeyDTO(k))
}

func (s *Server) deleteApiKey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	k, err := s.deps.ApiKeys.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "delete api key", err)
		return
	}
	if err := s.deps.ApiKeys.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete api key", err)
		return
	}
	s.deps.Caches.InvalidateApiKey(k.KeyHash)
	c.Status(http.StatusNoContent)
}
