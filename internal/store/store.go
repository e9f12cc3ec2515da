package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can hand in pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the audit tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    description  TEXT NOT NULL,
    status       TEXT NOT NULL,
    result       TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS activity_entries (
    id         TEXT PRIMARY KEY,
    seq        BIGINT NOT NULL,
    task_id    TEXT NOT NULL,
    kind       TEXT NOT NULL,
    content    TEXT NOT NULL,
    args       JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_entries_task_seq ON activity_entries (task_id, seq);
`

const sqlUpsertTask = `
        INSERT INTO tasks (id, description, status, result, error, created_at, started_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            result = EXCLUDED.result,
            error = EXCLUDED.error,
            started_at = EXCLUDED.started_at,
            completed_at = EXCLUDED.completed_at;
    `

var entryColumns = []string{"id", "seq", "task_id", "kind", "content", "args", "created_at"}

// Store persists tasks and activity entries to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the audit tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Persist writes a batch of entries and task snapshots in one transaction.
// Entries go through COPY; task rows are upserted so later snapshots win.
func (s *Store) Persist(ctx context.Context, tasks []schemas.Task, entries []schemas.ActivityEntry) error {
	if len(tasks) == 0 && len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if len(entries) > 0 {
		if err := s.copyEntries(ctx, tx, entries); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		if err := s.upsertTasks(ctx, tx, tasks); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyEntries(ctx context.Context, tx pgx.Tx, entries []schemas.ActivityEntry) error {
	rows := make([][]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = []interface{}{
			e.ID, int64(e.Seq), e.TaskID, string(e.Kind), e.Content,
			encodeArgs(e.Args), e.Timestamp.UTC(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"activity_entries"}, entryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy activity entries: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("mismatch in copied entries count: expected %d, got %d", len(entries), n)
	}
	return nil
}

func (s *Store) upsertTasks(ctx context.Context, tx pgx.Tx, tasks []schemas.Task) error {
	batch := &pgx.Batch{}
	for _, t := range tasks {
		batch.Queue(sqlUpsertTask,
			t.ID, t.Description, string(t.Status), t.Result, t.Error,
			t.CreatedAt.UTC(), utcOrNil(t.StartedAt), utcOrNil(t.CompletedAt),
		)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range tasks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", tasks[i].ID, err)
		}
	}
	return nil
}

// EntriesForTask returns a task's persisted activity in sequence order.
func (s *Store) EntriesForTask(ctx context.Context, taskID string) ([]schemas.ActivityEntry, error) {
	query := `
        SELECT id, seq, kind, content, args, created_at
        FROM activity_entries
        WHERE task_id = $1
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity entries: %w", err)
	}
	defer rows.Close()

	var entries []schemas.ActivityEntry
	for rows.Next() {
		var (
			e    schemas.ActivityEntry
			seq  int64
			kind string
			args []byte
		)
		if err := rows.Scan(&e.ID, &seq, &kind, &e.Content, &args, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = schemas.EntryKind(kind)
		e.TaskID = taskID
		if len(args) > 0 && string(args) != "{}" {
			if err := json.Unmarshal(args, &e.Args); err != nil {
				return nil, fmt.Errorf("failed to decode args of entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// encodeArgs never returns null so the JSONB column stays an object.
func encodeArgs(args map[string]any) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(args)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
