// Package events carries rate-limit verdicts from the check path to the
// event store without blocking it. Producers publish into a bounded buffer;
// a worker pool batches and persists asynchronously.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identifier types recorded on events.
const (
	TypeUser   = "USER"
	TypeApiKey = "API_KEY"
	TypeIP     = "IP"
	TypeTenant = "TENANT"
	TypeGlobal = "GLOBAL"
)

// Event is one rate-limit verdict, append-only once persisted.
type Event struct {
	ID             uuid.UUID
	PolicyID       uuid.UUID
	Identifier     string
	IdentifierType string
	Allowed        bool
	Remaining      int64
	LimitValue     int64
	IPAddress      string
	Resource       string
	EventTime      time.Time
	PartitionKey   string
}

// Partition derives the monthly partition key for an event time.
func Partition(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store persists event batches. One call is one transaction.
type Store interface {
	InsertBatch(ctx context.Context, batch []Event) error
}
