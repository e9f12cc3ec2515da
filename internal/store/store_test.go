package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value (used for timestamps we can't predict exactly)
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func utcTime(want time.Time) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		got, ok := v.(time.Time)
		return ok && got.Location() == time.UTC && got.Equal(want)
	}
}

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	store, mockPool := newTestStore(t, zap.NewNop())

	mockPool.ExpectExec(flexibleSQLMatcher(Schema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))

	migrateErr := errors.New("permission denied for schema public")
	mockPool.ExpectExec(flexibleSQLMatcher(Schema)).WillReturnError(migrateErr)
	err := store.Migrate(context.Background())
	assert.ErrorIs(t, err, migrateErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersist(t *testing.T) {
	ctx := context.Background()

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	createdLocal := time.Date(2025, 11, 20, 10, 0, 0, 0, loc)
	started := createdLocal.Add(time.Second)

	task := schemas.Task{
		ID:          "task-1",
		Description: "open the billing page",
		Status:      schemas.TaskInProgress,
		CreatedAt:   createdLocal,
		StartedAt:   &started,
	}
	entry := schemas.ActivityEntry{
		ID:        "entry-1",
		Seq:       1,
		TaskID:    "task-1",
		Kind:      schemas.EntryAction,
		Content:   "click_at",
		Timestamp: createdLocal,
		Args:      map[string]any{"x": 500, "y": 500},
	}

	t.Run("should persist entries and tasks without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newTestStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"activity_entries"}, entryColumns).
			WillReturnResult(1)

		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertTask)).
			WithArgs(
				task.ID,
				task.Description,
				string(task.Status),
				"",
				"",
				utcTime(createdLocal),
				anyTime,
				anyTime,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		// Expect Commit AND the subsequent Rollback (which returns ErrTxClosed)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.Persist(ctx, []schemas.Task{task}, []schemas.ActivityEntry{entry}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip the round trip when there is nothing to write", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())
		require.NoError(t, store.Persist(ctx, nil, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.Persist(ctx, []schemas.Task{task}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying entries fails", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		copyErr := errors.New("copy from failed")
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"activity_entries"}, entryColumns).
			WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.Persist(ctx, nil, []schemas.ActivityEntry{entry})
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail on a short copy", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"activity_entries"}, entryColumns).
			WillReturnResult(1)
		mockPool.ExpectRollback()

		second := entry
		second.ID, second.Seq = "entry-2", 2
		err := store.Persist(ctx, nil, []schemas.ActivityEntry{entry, second})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if the task upsert fails", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		batchErr := errors.New("batch execution failed")
		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsertTask)).
			WithArgs(task.ID, task.Description, string(task.Status), "", "", anyTime, anyTime, anyTime).
			WillReturnError(batchErr)
		mockPool.ExpectRollback()

		err := store.Persist(ctx, []schemas.Task{task}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, batchErr)
		assert.Contains(t, err.Error(), "failed to upsert task task-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEncodeArgs(t *testing.T) {
	assert.Equal(t, "{}", string(encodeArgs(nil)))
	assert.Equal(t, "{}", string(encodeArgs(map[string]any{})))
	assert.JSONEq(t, `{"keys":"Control+A"}`, string(encodeArgs(map[string]any{"keys": "Control+A"})))
	assert.Equal(t, "{}", string(encodeArgs(map[string]any{"bad": make(chan int)})), "unencodable args fall back to an empty object")
}

func TestEntriesForTask(t *testing.T) {
	ctx := context.Background()
	query := `
        SELECT id, seq, kind, content, args, created_at
        FROM activity_entries
        WHERE task_id = $1
        ORDER BY seq ASC;
    `
	columns := []string{"id", "seq", "kind", "content", "args", "created_at"}

	t.Run("should return entries in order", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		rows := pgxmock.NewRows(columns).
			AddRow("e-1", int64(1), "reasoning", "Looking for the login form.", []byte("{}"), at).
			AddRow("e-2", int64(2), "action", "click_at", []byte(`{"x":500,"y":250}`), at.Add(time.Second))
		mockPool.ExpectQuery(flexibleSQLMatcher(query)).WithArgs("task-1").WillReturnRows(rows)

		entries, err := store.EntriesForTask(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, uint64(1), entries[0].Seq)
		assert.Equal(t, schemas.EntryReasoning, entries[0].Kind)
		assert.Nil(t, entries[0].Args)
		assert.Equal(t, "task-1", entries[0].TaskID)

		assert.Equal(t, schemas.EntryAction, entries[1].Kind)
		assert.Equal(t, map[string]any{"x": float64(500), "y": float64(250)}, entries[1].Args)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery(flexibleSQLMatcher(query)).WithArgs("task-1").WillReturnError(queryErr)

		_, err := store.EntriesForTask(ctx, "task-1")
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should surface row iteration errors", func(t *testing.T) {
		store, mockPool := newTestStore(t, zap.NewNop())

		iterErr := errors.New("connection reset")
		rows := pgxmock.NewRows(columns).
			AddRow("e-1", int64(1), "action", "wait", []byte("{}"), time.Now()).
			RowError(0, iterErr)
		mockPool.ExpectQuery(flexibleSQLMatcher(query)).WithArgs("task-1").WillReturnRows(rows)

		_, err := store.EntriesForTask(ctx, "task-1")
		assert.ErrorIs(t, err, iterErr)
	})
}
