package policy_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

func validPolicy() policy.Policy {
	return policy.Policy{
		ID:            uuid.New(),
		Name:          "default",
		Scope:         policy.ScopeUser,
		Algorithm:     policy.TokenBucket,
		MaxRequests:   100,
		WindowSeconds: 60,
		FailMode:      policy.FailClosed,
		Enabled:       true,
	}
}

func TestPolicyValidate(t *testing.T) {
	burst := int64(50)
	rate := -1.0

	tests := []struct {
		name   string
		mutate func(*policy.Policy)
		wantOK bool
	}{
		{"valid", func(p *policy.Policy) {}, true},
		{"blank name", func(p *policy.Policy) { p.Name = "  " }, false},
		{"bad scope", func(p *policy.Policy) { p.Scope = "ROOM" }, false},
		{"bad algorithm", func(p *policy.Policy) { p.Algorithm = "LEAKY_BUCKET" }, false},
		{"zero max requests", func(p *policy.Policy) { p.MaxRequests = 0 }, false},
		{"zero window", func(p *policy.Policy) { p.WindowSeconds = 0 }, false},
		{"burst on fixed window", func(p *policy.Policy) {
			p.Algorithm = policy.FixedWindow
			p.BurstCapacity = &burst
		}, false},
		{"negative refill rate", func(p *policy.Policy) { p.RefillRate = &rate }, false},
		{"bad fail mode", func(p *policy.Policy) { p.FailMode = "FAIL_SOMETIMES" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPolicyEffectiveTokenParams(t *testing.T) {
	p := validPolicy()
	assert.Equal(t, int64(100), p.EffectiveCapacity())
	assert.InDelta(t, 100.0/60.0, p.EffectiveRefillRate(), 1e-9)

	burst := int64(250)
	rate := 5.5
	p.BurstCapacity = &burst
	p.RefillRate = &rate
	assert.Equal(t, int64(250), p.EffectiveCapacity())
	assert.Equal(t, 5.5, p.EffectiveRefillRate())
}

func TestApiKeyActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	k := policy.ApiKey{Enabled: true}
	assert.True(t, k.Active(now), "no expiry")

	k.ExpiresAt = &future
	assert.True(t, k.Active(now))

	k.ExpiresAt = &past
	assert.False(t, k.Active(now))

	k = policy.ApiKey{Enabled: false, ExpiresAt: &future}
	assert.False(t, k.Active(now), "disabled key")
}

func TestIpRuleValidate(t *testing.T) {
	ip := "10.0.0.1"
	cidr := "10.0.0.0/8"
	polID := uuid.New()

	ok := policy.IpRule{PolicyID: polID, IPAddress: &ip, RuleType: policy.RuleRateLimit}
	assert.NoError(t, ok.Validate())

	both := policy.IpRule{PolicyID: polID, IPAddress: &ip, IPCidr: &cidr, RuleType: policy.RuleRateLimit}
	assert.Error(t, both.Validate())

	neither := policy.IpRule{PolicyID: polID, RuleType: policy.RuleRateLimit}
	assert.Error(t, neither.Validate())

	blacklist := policy.IpRule{PolicyID: polID, IPAddress: &ip, RuleType: policy.RuleBlacklist}
	assert.Error(t, blacklist.Validate())

	noPolicy := policy.IpRule{IPAddress: &ip, RuleType: policy.RuleRateLimit}
	assert.Error(t, noPolicy.Validate())
}

func TestMethodAllowed(t *testing.T) {
	r := policy.PolicyRule{HTTPMethods: ""}
	assert.True(t, r.MethodAllowed("GET"))

	r.HTTPMethods = "GET, post"
	assert.True(t, r.MethodAllowed("GET"))
	assert.True(t, r.MethodAllowed("POST"), "method comparison is case-insensitive")
	assert.False(t, r.MethodAllowed("DELETE"))
}

func TestAlertRuleValidate(t *testing.T) {
	valid := policy.AlertRule{
		Name:                "high-denies",
		PolicyID:            uuid.New(),
		ThresholdPercentage: 50,
		WindowSeconds:       300,
		CooldownSeconds:     600,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*policy.AlertRule)
	}{
		{"blank name", func(r *policy.AlertRule) { r.Name = "" }},
		{"no policy", func(r *policy.AlertRule) { r.PolicyID = uuid.Nil }},
		{"threshold too low", func(r *policy.AlertRule) { r.ThresholdPercentage = 0.5 }},
		{"threshold too high", func(r *policy.AlertRule) { r.ThresholdPercentage = 101 }},
		{"zero window", func(r *policy.AlertRule) { r.WindowSeconds = 0 }},
		{"negative cooldown", func(r *policy.AlertRule) { r.CooldownSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestHashApiKey(t *testing.T) {
	h := policy.HashApiKey("sk_live_12345678")
	assert.Len(t, h, 64)
	assert.Equal(t, h, policy.HashApiKey("sk_live_12345678"), "hashing is deterministic")
	assert.NotEqual(t, h, policy.HashApiKey("sk_live_12345679"))

	assert.Equal(t, "sk_live_", policy.KeyPrefix("sk_live_12345678"))
	assert.Equal(t, "short", policy.KeyPrefix("short"))
}
