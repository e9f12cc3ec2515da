// Package agent runs natural-language tasks against a remote session: it asks
// the model for actions, routes each one through the approval gate or straight
// to the executor, and records everything in the session's activity log.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/activity"
	"github.com/xkilldash9x/pilot-cli/internal/approval"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/executor"
)

// TaskObserver is called with a snapshot after every task status change. It
// runs on the session goroutine and must not block.
type TaskObserver func(task schemas.Task)

// Option configures a Session.
type Option func(*Session)

// WithTaskObserver registers an observer for task transitions.
func WithTaskObserver(obs TaskObserver) Option {
	return func(s *Session) { s.observers = append(s.observers, obs) }
}

// WithGateOptions forwards options to the approval gate.
func WithGateOptions(opts ...approval.Option) Option {
	return func(s *Session) { s.gateOpts = append(s.gateOpts, opts...) }
}

// WithExecutorOptions forwards options to the executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Session) { s.execOpts = append(s.execOpts, opts...) }
}

// WithClock overrides the time source for task timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

type opKind int

const (
	opSubmit opKind = iota
	opCancel
	opStop
)

type command struct {
	op    opKind
	arg   string
	reply chan commandReply
}

type commandReply struct {
	task schemas.Task
	n    int
	err  error
}

type taskResult struct {
	id     string
	result string
	err    error
}

type runningTask struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Session is the per-connection agent context. It owns the activity log and
// the task table; one goroutine (Run) drives every task transition.
type Session struct {
	cfg    config.AgentConfig
	logger *zap.Logger
	clock  func() time.Time

	model  schemas.ModelClient
	remote schemas.RemoteSession
	log    *activity.Log
	gate   *approval.Gate
	runner *runner

	commands  chan command
	done      chan struct{}
	observers []TaskObserver
	gateOpts  []approval.Option
	execOpts  []executor.Option

	mu    sync.RWMutex
	tasks map[string]*schemas.Task
	order []string
}

// NewSession wires the activity log, approval gate and executor around the
// model and remote collaborators.
func NewSession(cfg config.AgentConfig, model schemas.ModelClient, remote schemas.RemoteSession, logger *zap.Logger, opts ...Option) *Session {
	logger = logger.Named("agent")
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
		model:    model,
		remote:   remote,
		commands: make(chan command),
		done:     make(chan struct{}),
		tasks:    make(map[string]*schemas.Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxTurns <= 0 {
		s.cfg.MaxTurns = 1
	}
	if s.cfg.TaskQueueSize <= 0 {
		s.cfg.TaskQueueSize = 32
	}

	s.log = activity.NewLog(logger, activity.WithClock(s.clock))
	s.gate = approval.NewGate(s.log, logger, s.gateOpts...)
	exec := executor.New(remote, s.log, executor.Config{
		SettleDelay:  cfg.SettleDelay,
		WaitDuration: cfg.WaitDuration,
	}, logger, s.execOpts...)
	s.runner = &runner{
		cfg:    s.cfg,
		model:  model,
		screen: remote,
		exec:   exec,
		gate:   s.gate,
		log:    s.log,
		logger: logger,
	}
	return s
}

// Log is the session's activity log.
func (s *Session) Log() *activity.Log { return s.log }

// Run drives the session until ctx ends. Tasks run one at a time in submission
// order. On return every unfinished task is cancelled and the activity log is
// closed.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.log.Close()

	s.logger.Info("Agent session started.", zap.Int("max_turns", s.cfg.MaxTurns))

	var (
		queue   []string
		running *runningTask
		results = make(chan taskResult, 1)
		events  = s.remote.Events()
	)

	startNext := func() {
		if running != nil || len(queue) == 0 {
			return
		}
		id := queue[0]
		queue = queue[1:]

		taskCtx, cancel := context.WithCancelCause(ctx)
		running = &runningTask{id: id, ctx: taskCtx, cancel: cancel}
		task := s.transition(id, func(t *schemas.Task) {
			now := s.clock().UTC()
			t.Status = schemas.TaskInProgress
			t.StartedAt = &now
		})

		go func() {
			result, err := s.runner.run(taskCtx, task)
			results <- taskResult{id: task.ID, result: result, err: err}
		}()
	}

	finish := func(r taskResult) {
		rt := running
		running = nil
		s.finishTask(rt, r)
		rt.cancel(nil)
	}

	cancelQueued := func(cause error) int {
		n := len(queue)
		for _, id := range queue {
			s.cancelPending(id, cause)
		}
		queue = nil
		return n
	}

	for {
		select {
		case cmd := <-s.commands:
			switch cmd.op {
			case opSubmit:
				if len(queue) >= s.cfg.TaskQueueSize {
					cmd.reply <- commandReply{err: fmt.Errorf("%w (%d waiting)", ErrQueueFull, len(queue))}
					continue
				}
				task := s.createTask(cmd.arg)
				queue = append(queue, task.ID)
				cmd.reply <- commandReply{task: task}
				startNext()

			case opCancel:
				cmd.reply <- commandReply{err: s.cancel(cmd.arg, running, &queue)}

			case opStop:
				n := cancelQueued(ErrEmergencyStop)
				if running != nil {
					running.cancel(ErrEmergencyStop)
					n++
				}
				s.logger.Warn("Emergency stop.", zap.Int("tasks_cancelled", n))
				cmd.reply <- commandReply{n: n}
			}

		case r := <-results:
			finish(r)
			startNext()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			current := ""
			if running != nil {
				current = running.id
			}
			s.handleSessionEvent(ev, current)

		case <-ctx.Done():
			cancelQueued(schemas.ErrSessionStopped)
			if running != nil {
				running.cancel(schemas.ErrSessionStopped)
				finish(<-results)
			}
			s.logger.Info("Agent session stopped.")
			return nil
		}
	}
}

// cancelCause reports why a task context ended. Shutdown of the session
// context surfaces as schemas.ErrSessionStopped.
func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return schemas.ErrSessionStopped
	}
	return cause
}

func (s *Session) cancel(id string, running *runningTask, queue *[]string) error {
	if running != nil && running.id == id {
		running.cancel(ErrTaskCancelled)
		return nil
	}
	for i, queued := range *queue {
		if queued == id {
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			s.cancelPending(id, ErrTaskCancelled)
			return nil
		}
	}
	s.mu.RLock()
	t, ok := s.tasks[id]
	var status schemas.TaskStatus
	if ok {
		status = t.Status
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, schemas.ErrTaskNotFound)
	}
	return fmt.Errorf("cancel %s: task already %s", id, status)
}

func (s *Session) createTask(description string) schemas.Task {
	task := &schemas.Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      schemas.TaskPending,
		CreatedAt:   s.clock().UTC(),
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	snapshot := *task
	s.mu.Unlock()

	s.logger.Info("Task queued.", zap.String("task_id", task.ID))
	s.notify(snapshot)
	return snapshot
}

// transition mutates a task under the lock and notifies observers.
func (s *Session) transition(id string, mutate func(t *schemas.Task)) schemas.Task {
	s.mu.Lock()
	t := s.tasks[id]
	mutate(t)
	snapshot := *t
	s.mu.Unlock()

	s.notify(snapshot)
	return snapshot
}

func (s *Session) notify(task schemas.Task) {
	for _, obs := range s.observers {
		obs(task)
	}
}

// cancelPending ends a task that never started.
func (s *Session) cancelPending(id string, cause error) {
	s.log.Append(id, schemas.EntryError, fmt.Sprintf("Task cancelled before it started: %v", cause),
		map[string]any{"code": string(schemas.ErrCodeCancelled)})
	s.transition(id, func(t *schemas.Task) {
		now := s.clock().UTC()
		t.Status = schemas.TaskCancelled
		t.Error = cause.Error()
		t.CompletedAt = &now
	})
}

// finishTask records the terminal status. The audit entry for a failure is
// already in the log; cancellation appends its own before the transition.
func (s *Session) finishTask(rt *runningTask, r taskResult) {
	logger := s.logger.With(zap.String("task_id", r.id))

	status := schemas.TaskCompleted
	var errText string
	switch {
	case r.err == nil:
	case rt.ctx.Err() != nil:
		status = schemas.TaskCancelled
		cause := cancelCause(rt.ctx)
		errText = cause.Error()
		s.log.Append(r.id, schemas.EntryError, fmt.Sprintf("Task cancelled: %v", cause),
			map[string]any{"code": string(schemas.ErrCodeCancelled)})
	default:
		status = schemas.TaskFailed
		errText = r.err.Error()
	}

	s.transition(r.id, func(t *schemas.Task) {
		now := s.clock().UTC()
		t.Status = status
		t.Result = r.result
		t.Error = errText
		t.CompletedAt = &now
	})

	switch status {
	case schemas.TaskCompleted:
		logger.Info("Task completed.")
	case schemas.TaskCancelled:
		logger.Warn("Task cancelled.", zap.String("cause", errText))
	default:
		logger.Error("Task failed.", zap.Error(r.err))
	}
}

// handleSessionEvent records remote-session lifecycle problems.
func (s *Session) handleSessionEvent(ev schemas.SessionEvent, taskID string) {
	switch ev.Kind {
	case schemas.SessionError:
		msg := ev.Detail
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		s.log.Append(taskID, schemas.EntryError, "Remote session error: "+msg,
			map[string]any{"code": string(schemas.ErrCodeTransport)})
		s.logger.Warn("Remote session error.", zap.String("detail", msg))
	case schemas.SessionDisconnected:
		s.log.Append(taskID, schemas.EntryError, "Remote session disconnected: "+ev.Detail,
			map[string]any{"code": string(schemas.ErrCodeTransport)})
		s.logger.Warn("Remote session disconnected.", zap.String("detail", ev.Detail))
	case schemas.SessionConnected:
		s.logger.Info("Remote session connected.", zap.String("detail", ev.Detail))
	default:
		s.logger.Debug("Remote session event.", zap.String("kind", string(ev.Kind)), zap.String("detail", ev.Detail))
	}
}

func (s *Session) send(ctx context.Context, cmd command) (commandReply, error) {
	select {
	case s.commands <- cmd:
	case <-s.done:
		return commandReply{}, schemas.ErrSessionStopped
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
	return <-cmd.reply, nil
}

// Submit queues a task and returns its pending snapshot.
func (s *Session) Submit(ctx context.Context, description string) (schemas.Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return schemas.Task{}, ErrEmptyTask
	}
	r, err := s.send(ctx, command{op: opSubmit, arg: description, reply: make(chan commandReply, 1)})
	if err != nil {
		return schemas.Task{}, err
	}
	return r.task, r.err
}

// Cancel stops a queued or running task. A pending approval is denied.
func (s *Session) Cancel(ctx context.Context, taskID string) error {
	r, err := s.send(ctx, command{op: opCancel, arg: taskID, reply: make(chan commandReply, 1)})
	if err != nil {
		return err
	}
	return r.err
}

// Stop cancels the running task and everything queued behind it, returning
// how many tasks were affected.
func (s *Session) Stop(ctx context.Context) (int, error) {
	r, err := s.send(ctx, command{op: opStop, reply: make(chan commandReply, 1)})
	if err != nil {
		return 0, err
	}
	return r.n, r.err
}

// Approve releases the pending action.
func (s *Session) Approve() error { return s.gate.Approve() }

// Deny discards the pending action.
func (s *Session) Deny() error { return s.gate.Deny() }

// Decide resolves the pending request only when its id matches.
func (s *Session) Decide(requestID string, approve bool) error {
	return s.gate.Decide(requestID, approve)
}

// Pending reports the action awaiting approval, if any.
func (s *Session) Pending() (schemas.PendingApproval, bool) { return s.gate.Pending() }

// WatchPending is Pending plus a channel closed when the approval changes.
func (s *Session) WatchPending() (schemas.PendingApproval, bool, <-chan struct{}) {
	return s.gate.Watch()
}

// Task returns a snapshot of a task including its activity entries.
func (s *Session) Task(id string) (schemas.Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	var snapshot schemas.Task
	if ok {
		snapshot = *t
	}
	s.mu.RUnlock()
	if !ok {
		return schemas.Task{}, fmt.Errorf("task %s: %w", id, schemas.ErrTaskNotFound)
	}
	snapshot.Entries = s.log.ForTask(id)
	return snapshot, nil
}

// Tasks returns snapshots of every task in submission order, without entries.
func (s *Session) Tasks() []schemas.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schemas.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }
