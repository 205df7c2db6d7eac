package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

type alertRulePayload struct {
	Name                string    `json:"name"`
	PolicyID            uuid.UUID `json:"policyId"`
	ThresholdPercentage float64   `json:"thresholdPercentage"`
	WindowSeconds       int64     `json:"windowSeconds"`
	CooldownSeconds     int64     `json:"cooldownSeconds"`
	Enabled             *bool     `json:"enabled"`
}

type alertRuleDTO struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	PolicyID            uuid.UUID  `json:"policyId"`
	ThresholdPercentage float64    `json:"thresholdPercentage"`
	WindowSeconds       int64      `json:"windowSeconds"`
	CooldownSeconds     int64      `json:"cooldownSeconds"`
	Enabled             bool       `json:"enabled"`
	LastTriggeredAt     *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func toAlertRuleDTO(r *policy.AlertRule) alertRuleDTO {
	return alertRuleDTO{
		ID:                  r.ID,
		Name:                r.Name,
		PolicyID:            r.PolicyID,
		ThresholdPercentage: r.ThresholdPercentage,
		WindowSeconds:       r.WindowSeconds,
		CooldownSeconds:     r.CooldownSeconds,
		Enabled:             r.Enabled,
		LastTriggeredAt:     r.LastTriggeredAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (s *Server) createAlertRule(c *gin.Context) {
	var in alertRulePayload
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := s.deps.Clock.Now()
	rule := &policy.AlertRule{
		ID:                  uuid.New(),
		Name:                in.Name,
		PolicyID:            in.PolicyID,
		ThresholdPercentage: in.ThresholdPercentage,
		WindowSeconds:       in.WindowSeconds,
		CooldownSeconds:     in.CooldownSeconds,
		Enabled:             in.Enabled == nil || *in.Enabled,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.deps.AlertRules.Create(c.Request.Context(), rule); err != nil {
		s.fail(c, "create alert rule", err)
		return
	}
	c.JSON(http.StatusCreated, toAlertRuleDTO(rule))
}

func (s *Server) listAlertRules(c *gin.Context) {
	out, err := s.deps.AlertRules.List(c.Request.Context())
	if err != nil {
		s.fail(c, "list alert rules", err)
		return
	}
	dtos := make([]alertRuleDTO, 0, len(out))
	for i := range out {
		dtos = append(dtos, toAlertRuleDTO(&out[i]))
	}
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) getAlertRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rule, err := s.deps.AlertRules.AlertRuleByID(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "get alert rule", err)
		return
	}
	c.JSON(http.StatusOK, toAlertRuleDTO(rule))
}

func (s *Server) deleteAlertRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.AlertRules.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, "delete alert rule", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// testAlertRule fires one rule's notifiers immediately, bypassing threshold
// and cooldown. The rule keeps its lastTriggeredAt.
func (s *Server) testAlertRule(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.deps.Alerts.TestFire(c.Request.Context(), id); err != nil {
		s.fail(c, "test alert rule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
