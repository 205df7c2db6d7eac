package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/service"
)

type checkRequest struct {
	Identifier string     `json:"identifier"`
	Scope      string     `json:"scope"`
	PolicyID   *uuid.UUID `json:"policyId"`
	TenantID   *uuid.UUID `json:"tenantId"`
	ApiKey     string     `json:"apiKey"`
	IPAddress  string     `json:"ipAddress"`
	Resource   string     `json:"resource"`
	Method     string     `json:"method"`
}

type checkResponse struct {
	Allowed           bool       `json:"allowed"`
	Remaining         int64      `json:"remaining"`
	Limit             int64      `json:"limit"`
	ResetInSeconds    int64      `json:"resetInSeconds"`
	RetryAfterSeconds int64      `json:"retryAfterSeconds"`
	PolicyID          *uuid.UUID `json:"policyId,omitempty"`
	Algorithm         string     `json:"algorithm,omitempty"`
	Reason            string     `json:"reason,omitempty"`
}

// handleCheck serves POST /v1/check. Verdicts are HTTP 200 whether allowed
// or denied; only malformed input is a 400.
func (s *Server) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "detail": err.Error()})
		return
	}

	out, err := s.deps.Checker.Check(c.Request.Context(), service.CheckRequest{
		Identifier: req.Identifier,
		Scope:      policy.Scope(strings.ToUpper(req.Scope)),
		PolicyID:   req.PolicyID,
		TenantID:   req.TenantID,
		ApiKey:     req.ApiKey,
		IPAddress:  req.IPAddress,
		Resource:   req.Resource,
		Method:     req.Method,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "detail": err.Error()})
			return
		}
		s.log.Error("check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	setQuotaHeaders(c, out)
	c.JSON(http.StatusOK, checkResponse{
		Allowed:           out.Allowed,
		Remaining:         out.Remaining,
		Limit:             out.Limit,
		ResetInSeconds:    out.ResetInSeconds,
		RetryAfterSeconds: out.RetryAfterSeconds,
		PolicyID:          out.PolicyID,
		Algorithm:         out.Algorithm,
		Reason:            out.Reason,
	})
}

// handleReset serves DELETE /v1/limits/:scope/:identifier and clears every
// counter for the pair.
func (s *Server) handleReset(c *gin.Context) {
	scope := policy.Scope(strings.ToUpper(c.Param("scope")))
	identifier := c.Param("identifier")

	n, err := s.deps.Checker.Reset(c.Request.Context(), scope, identifier)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "detail": err.Error()})
			return
		}
		s.fail(c, "reset failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func setQuotaHeaders(c *gin.Context, out service.CheckResponse) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(out.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(out.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(out.ResetInSeconds, 10))
	if !out.Allowed && out.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.FormatInt(out.RetryAfterSeconds, 10))
	}
}
