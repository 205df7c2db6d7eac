package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/events"
)

const insertEventSQL = `
	INSERT INTO rate_limit_events (id, policy_id, identifier, identifier_type,
		allowed, remaining, limit_value, ip_address, resource, event_time, partition_key)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// EventStore writes and counts verdict events. It implements events.Store
// for the sink and analytics.Querier for the aggregator.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// InsertBatch writes a whole batch in one transaction so a mid-batch failure
// leaves no partial window behind.
func (s *EventStore) InsertBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin event batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("storage: prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range batch {
		_, err := stmt.ExecContext(ctx, ev.ID, ev.PolicyID, ev.Identifier, ev.IdentifierType,
			ev.Allowed, ev.Remaining, ev.LimitValue, nullString(&ev.IPAddress),
			nullString(&ev.Resource), ev.EventTime, ev.PartitionKey)
		if err != nil {
			return fmt.Errorf("storage: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit event batch: %w", err)
	}
	return nil
}

// CountEvents counts verdicts for a policy over the half-open interval
// [from, to). A nil allowed counts everything; otherwise only matching
// verdicts.
func (s *EventStore) CountEvents(ctx context.Context, policyID uuid.UUID, from, to time.Time, allowed *bool) (int64, error) {
	q := `
		SELECT COUNT(*) FROM rate_limit_events
		WHERE policy_id = $1 AND event_time >= $2 AND event_time < $3
	`
	args := []interface{}{policyID, from, to}
	if allowed != nil {
		q += ` AND allowed = $4`
		args = append(args, *allowed)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return n, nil
}

// DeniedByIdentifierSince counts denials for one identifier since from.
func (s *EventStore) DeniedByIdentifierSince(ctx context.Context, identifier string, from time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_events
		WHERE identifier = $1 AND allowed = FALSE AND event_time >= $2
	`, identifier, from).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count denials: %w", err)
	}
	return n, nil
}

// PurgePartition removes every event in one yyyy-MM partition and reports
// how many rows went away. Retention jobs call it with past months.
func (s *EventStore) PurgePartition(ctx context.Context, partitionKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_events WHERE partition_key = $1
	`, partitionKey)
	if err != nil {
		return 0, fmt.Errorf("storage: purge partition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: purge partition: %w", err)
	}
	return n, nil
}
