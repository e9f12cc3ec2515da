// internal/activity/log.go
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Log is an append-only, ordered record of everything a session did.
// It has a single writer (the session's runner) and any number of readers.
// Readers never block the writer: each subscriber is woken through a
// one-slot notification channel and catches up from its own cursor.
type Log struct {
	mu      sync.RWMutex
	entries []schemas.ActivityEntry
	subs    map[uint64]chan struct{}
	nextSub uint64
	closed  bool
	done    chan struct{}

	clock  func() time.Time
	logger *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// NewLog creates an empty activity log.
func NewLog(logger *zap.Logger, opts ...Option) *Log {
	l := &Log{
		subs:   make(map[uint64]chan struct{}),
		done:   make(chan struct{}),
		clock:  time.Now,
		logger: logger.Named("activity"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a new entry and wakes subscribers. Appends after Close are
// dropped and reported with ok=false.
func (l *Log) Append(taskID string, kind schemas.EntryKind, content string, args map[string]any) (schemas.ActivityEntry, bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("Dropping activity entry appended after close.", zap.String("kind", string(kind)))
		return schemas.ActivityEntry{}, false
	}
	entry := schemas.ActivityEntry{
		ID:        uuid.NewString(),
		Seq:       uint64(len(l.entries)) + 1,
		TaskID:    taskID,
		Kind:      kind,
		Content:   content,
		Timestamp: l.clock().UTC(),
		Args:      cloneArgs(args),
	}
	l.entries = append(l.entries, entry)
	for _, notify := range l.subs {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	l.logger.Debug("Activity appended.",
		zap.Uint64("seq", entry.Seq),
		zap.String("task_id", taskID),
		zap.String("kind", string(kind)),
	)
	return entry, true
}

// cloneArgs copies args, including nested maps and slices, so a caller
// reusing its map cannot rewrite a recorded entry.
func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Entries returns a snapshot of every entry in order.
func (l *Log) Entries() []schemas.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schemas.ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForTask returns the entries belonging to one task, in order.
func (l *Log) ForTask(taskID string) []schemas.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []schemas.ActivityEntry
	for _, e := range l.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Subscribe replays every entry from the start and then streams new ones as
// they are appended. The channel closes when ctx ends, or after the final
// entry has been delivered once the log is closed.
func (l *Log) Subscribe(ctx context.Context) <-chan schemas.ActivityEntry {
	out := make(chan schemas.ActivityEntry)
	notify := make(chan struct{}, 1)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = notify
	l.mu.Unlock()

	go func() {
		defer close(out)
		defer l.unsubscribe(id)

		cursor := 0
		for {
			l.mu.RLock()
			pending := l.entries[cursor:len(l.entries):len(l.entries)]
			closed := l.closed
			l.mu.RUnlock()

			for _, e := range pending {
				select {
				case out <- e:
					cursor++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}

			select {
			case <-notify:
			case <-l.done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Log) unsubscribe(id uint64) {
	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
}

// Close stops accepting entries. Subscribers drain what remains and finish.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
}
