package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// Persister is what a Sink writes batches through. *Store implements it.
type Persister interface {
	Persist(ctx context.Context, tasks []schemas.Task, entries []schemas.ActivityEntry) error
}

// EntrySource is the activity log as seen by the sink.
type EntrySource interface {
	Subscribe(ctx context.Context) <-chan schemas.ActivityEntry
}

// Sink mirrors an activity log and task snapshots into the audit store.
// Persistence failures are logged and the batch is dropped; the agent never
// waits on the database.
type Sink struct {
	persister Persister
	source    EntrySource
	logger    *zap.Logger
	tasks     chan schemas.Task

	batchSize     int
	flushInterval time.Duration
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithBatchSize flushes once this many entries are buffered.
func WithBatchSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval flushes buffered work at least this often.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func NewSink(persister Persister, source EntrySource, logger *zap.Logger, opts ...SinkOption) *Sink {
	s := &Sink{
		persister:     persister,
		source:        source,
		logger:        logger.Named("audit_sink"),
		tasks:         make(chan schemas.Task, 64),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObserveTask queues a task snapshot. It never blocks; snapshots are dropped
// when the sink is behind, and the next snapshot of the same task supersedes
// them anyway.
func (s *Sink) ObserveTask(task schemas.Task) {
	task.Entries = nil
	select {
	case s.tasks <- task:
	default:
		s.logger.Warn("Audit sink is behind, dropping task snapshot.",
			zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
	}
}

// Run consumes the activity log until ctx ends or the log closes, then
// flushes whatever is still buffered.
func (s *Sink) Run(ctx context.Context) error {
	entries := s.source.Subscribe(ctx)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var (
		pendingEntries []schemas.ActivityEntry
		pendingTasks   = make(map[string]schemas.Task)
		taskOrder      []string
	)

	flush := func(ctx context.Context) {
		if len(pendingEntries) == 0 && len(pendingTasks) == 0 {
			return
		}
		tasks := make([]schemas.Task, 0, len(taskOrder))
		for _, id := range taskOrder {
			tasks = append(tasks, pendingTasks[id])
		}
		if err := s.persister.Persist(ctx, tasks, pendingEntries); err != nil {
			s.logger.Error("Failed to persist audit batch.",
				zap.Int("entries", len(pendingEntries)),
				zap.Int("tasks", len(tasks)),
				zap.Error(err))
		}
		pendingEntries = nil
		pendingTasks = make(map[string]schemas.Task)
		taskOrder = nil
	}

	addTask := func(t schemas.Task) {
		if _, seen := pendingTasks[t.ID]; !seen {
			taskOrder = append(taskOrder, t.ID)
		}
		pendingTasks[t.ID] = t
	}

	finalFlush := func() {
		// Pick up snapshots that raced with shutdown.
		for {
			select {
			case t := <-s.tasks:
				addTask(t)
				continue
			default:
			}
			break
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		defer cancel()
		flush(flushCtx)
	}

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				finalFlush()
				s.logger.Debug("Activity log closed, audit sink finished.")
				return nil
			}
			pendingEntries = append(pendingEntries, e)
			if len(pendingEntries) >= s.batchSize {
				flush(ctx)
			}
		case t := <-s.tasks:
			addTask(t)
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			finalFlush()
			return nil
		}
	}
}
