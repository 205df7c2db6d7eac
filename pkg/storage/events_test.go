package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelimit/gatelimit/pkg/events"
)

func testEvent(identifier string, allowed bool) events.Event {
	return events.Event{
		ID:             uuid.New(),
		PolicyID:       uuid.New(),
		Identifier:     identifier,
		IdentifierType: events.TypeUser,
		Allowed:        allowed,
		Remaining:      41,
		LimitValue:     100,
		EventTime:      stamp,
		PartitionKey:   "2025-06",
	}
}

func TestEventStore_InsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)
	first := testEvent("user-1", true)
	first.IPAddress = "203.0.113.7"
	second := testEvent("user-2", false)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO rate_limit_events"))
	prep.ExpectExec().
		WithArgs(first.ID, first.PolicyID, "user-1", "USER", true, int64(41), int64(100),
			"203.0.113.7", nil, stamp, "2025-06").
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs(second.ID, second.PolicyID, "user-2", "USER", false, int64(41), int64(100),
			nil, nil, stamp, "2025-06").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = store.InsertBatch(context.Background(), []events.Event{first, second})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_InsertBatch_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO rate_limit_events"))
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.InsertBatch(context.Background(), []events.Event{testEvent("user-1", true)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_InsertBatch_EmptyIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)

	require.NoError(t, store.InsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_CountEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)
	policyID := uuid.New()
	from := stamp.Add(-5 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_limit_events WHERE policy_id = $1 AND event_time >= $2 AND event_time < $3")).
		WithArgs(policyID, from, stamp).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(200)))

	total, err := store.CountEvents(context.Background(), policyID, from, stamp, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(200), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_CountEvents_AllowedFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)
	policyID := uuid.New()
	from := stamp.Add(-5 * time.Minute)
	denied := false

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_limit_events WHERE policy_id = $1 AND event_time >= $2 AND event_time < $3 AND allowed = $4")).
		WithArgs(policyID, from, stamp, false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(50)))

	n, err := store.CountEvents(context.Background(), policyID, from, stamp, &denied)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_DeniedByIdentifierSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)
	from := stamp.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM rate_limit_events WHERE identifier = $1 AND allowed = FALSE AND event_time >= $2")).
		WithArgs("user-9", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.DeniedByIdentifierSince(context.Background(), "user-9", from)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_PurgePartition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewEventStore(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rate_limit_events WHERE partition_key = $1")).
		WithArgs("2025-01").
		WillReturnResult(sqlmock.NewResult(0, 1234))

	n, err := store.PurgePartition(context.Background(), "2025-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
