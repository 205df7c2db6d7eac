// Package analytics is a read-only facade over the event store: windowed
// counts and deny rates per policy. All intervals are half-open [from, to).
package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Querier is the slice of the event store the aggregator reads. allowed=nil
// counts every verdict; otherwise only matching ones.
type Querier interface {
	CountEvents(ctx context.Context, policyID uuid.UUID, from, to time.Time, allowed *bool) (int64, error)
	DeniedByIdentifierSince(ctx context.Context, identifier string, from time.Time) (int64, error)
}

// WindowStats summarizes one policy over one interval.
type WindowStats struct {
	Total    int64
	Allowed  int64
	Denied   int64
	DenyRate float64
}

// Aggregator computes windowed statistics.
type Aggregator struct {
	q Querier
}

// New returns an aggregator over the given event querier.
func New(q Querier) *Aggregator {
	return &Aggregator{q: q}
}

// Total counts every verdict for a policy in [from, to).
func (a *Aggregator) Total(ctx context.Context, policyID uuid.UUID, from, to time.Time) (int64, error) {
	return a.q.CountEvents(ctx, policyID, from, to, nil)
}

// Allowed counts allowed verdicts for a policy in [from, to).
func (a *Aggregator) Allowed(ctx context.Context, policyID uuid.UUID, from, to time.Time) (int64, error) {
	allowed := true
	return a.q.CountEvents(ctx, policyID, from, to, &allowed)
}

// Denied counts denied verdicts for a policy in [from, to).
func (a *Aggregator) Denied(ctx context.Context, policyID uuid.UUID, from, to time.Time) (int64, error) {
	allowed := false
	return a.q.CountEvents(ctx, policyID, from, to, &allowed)
}

// DenyRate is denied/total for [from, to); zero when the window is empty.
func (a *Aggregator) DenyRate(ctx context.Context, policyID uuid.UUID, from, to time.Time) (float64, error) {
	stats, err := a.Window(ctx, policyID, from, to)
	if err != nil {
		return 0, err
	}
	return stats.DenyRate, nil
}

// Window computes total, allowed, denied, and deny rate in two queries.
func (a *Aggregator) Window(ctx context.Context, policyID uuid.UUID, from, to time.Time) (WindowStats, error) {
	total, err := a.Total(ctx, policyID, from, to)
	if err != nil {
		return WindowStats{}, err
	}
	if total == 0 {
		return WindowStats{}, nil
	}
	denied, err := a.Denied(ctx, policyID, from, to)
	if err != nil {
		return WindowStats{}, err
	}
	return WindowStats{
		Total:    total,
		Allowed:  total - denied,
		Denied:   denied,
		DenyRate: float64(denied) / float64(total),
	}, nil
}

// RejectedByIdentifierSince counts denials for one identifier since from.
func (a *Aggregator) RejectedByIdentifierSince(ctx context.Context, identifier string, from time.Time) (int64, error) {
	return a.q.DeniedByIdentifierSince(ctx, identifier, from)
}
