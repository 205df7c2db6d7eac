package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type tenantPayload struct {
	Name    string `json:"name"`
	Tier    string `json:"tier"`
	Enabled *bool  `json:"enabled"`
}

type tenantDTO struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Tier      string    `json:"tier"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toTenantDTO(t *policy.Tenant) tenantDTO {
	return tenantDTO{ID: t.ID, Name: t.Name, Tier: t.Tier, Enabled: t.Enabled,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

func (s *Server) createTenant(c *gin.Context) {
	var in tenantPayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if in.Tier == "" {
		in.Tier = "standard"
	}

	now := s.deps.Clock.Now()
	t := &policy.Tenant{
		ID:        uuid.New(),
		Name:      in.Name,
		Tier:      in.Tier,
		Enabled:   in.Enabled == nil || *in.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Tenants.Create(c.Request.Context(), t); err != nil {
		s.fail(c, "create tenant", err)
		return
	}
	c.JSON(http.StatusCreated, toTenantDTO(t))
}

func (s *Server) listTenants(c *gin.Context) {
	out, err := s.deps.Tenants.List(c.Request.Context())
	if err != nil {
		s.fail(c, "list tenants", err)
		return
	}
	dtos := make([]tenantDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toTenantDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) getTenant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := s.deps.Tenants.GetByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get tenant", err)
		return
	}
	c.JSON(http.StatusOK, toTenantDTO(t))
}

// deleteTenant cascades to the tenant's policies, keys, rules, and bindings
// in the database; the cached default slot is dropped here.
func (s *Server) deleteTenant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.Tenants.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete tenant", err)
		return
	}
	s.deps.Caches.InvalidateTenantDefault(id)
	c.Status(http.StatusNoContent)
}
