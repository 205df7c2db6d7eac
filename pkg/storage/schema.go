package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL DEFAULT 'standard',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS policies (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	tenant_id UUID REFERENCES tenants(id) ON DELETE CASCADE,
	scope TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	max_requests BIGINT NOT NULL,
	window_seconds BIGINT NOT NULL,
	burst_capacity BIGINT,
	refill_rate DOUBLE PRECISION,
	fail_mode TEXT NOT NULL DEFAULT 'FAIL_CLOSED',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies (tenant_id);
CREATE INDEX IF NOT EXISTS idx_policies_default ON policies (tenant_id, is_default) WHERE is_default;

CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id UUID REFERENCES policies(id) ON DELETE SET NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ip_rules (
	id UUID PRIMARY KEY,
	tenant_id UUID REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	ip_address INET,
	ip_cidr CIDR,
	rule_type TEXT NOT NULL DEFAULT 'RATE_LIMIT',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((ip_address IS NULL) <> (ip_cidr IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_ip_rules_enabled ON ip_rules (enabled) WHERE enabled;

CREATE TABLE IF NOT EXISTS user_policies (
	id UUID PRIMARY KEY,
	user_id TEXT NOT NULL,
	tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, tenant_id)
);

CREATE TABLE IF NOT EXISTS policy_rules (
	id UUID PRIMARY KEY,
	policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	resource_pattern TEXT NOT NULL,
	http_methods TEXT NOT NULL DEFAULT '',
	priority INT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_policy_rules_priority ON policy_rules (priority DESC, created_at ASC) WHERE enabled;

CREATE TABLE IF NOT EXISTS alert_rules (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
	threshold_percentage DOUBLE PRECISION NOT NULL,
	window_seconds BIGINT NOT NULL,
	cooldown_seconds BIGINT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	last_triggered_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id UUID PRIMARY KEY,
	policy_id UUID NOT NULL,
	identifier TEXT NOT NULL,
	identifier_type TEXT NOT NULL,
	allowed BOOLEAN NOT NULL,
	remaining BIGINT NOT NULL,
	limit_value BIGINT NOT NULL,
	ip_address TEXT,
	resource TEXT,
	event_time TIMESTAMPTZ NOT NULL,
	partition_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_policy_time ON rate_limit_events (policy_id, event_time);
CREATE INDEX IF NOT EXISTS idx_events_identifier_time ON rate_limit_events (identifier, event_time);
CREATE INDEX IF NOT EXISTS idx_events_partition ON rate_limit_events (partition_key);
`

// InitSchema creates every table and index the service uses. Statements are
// idempotent; running it on every boot is safe.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: init schema: %w", err)
	}
	return nil
}
