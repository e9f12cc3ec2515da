// Package control exposes a running agent session over an authenticated
// WebSocket: observers receive the activity log, task updates and pending
// approvals; clients may submit tasks, decide approvals and stop the agent.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

const (
	shutdownTimeout = 5 * time.Second
	commandTimeout  = 10 * time.Second
)

// Controller is the slice of an agent session the control surface drives.
type Controller interface {
	Submit(ctx context.Context, description string) (schemas.Task, error)
	Cancel(ctx context.Context, taskID string) error
	Stop(ctx context.Context) (int, error)
	Decide(requestID string, approve bool) error
	// WatchPending returns the live approval, if any, and a channel closed
	// on its next change.
	WatchPending() (schemas.PendingApproval, bool, <-chan struct{})
}

// EntrySource is the activity log as seen by clients.
type EntrySource interface {
	Subscribe(ctx context.Context) <-chan schemas.ActivityEntry
}

// Server is the WebSocket control surface.
type Server struct {
	cfg     config.ControlConfig
	ctl     Controller
	entries EntrySource
	auth    *Authenticator
	logger  *zap.Logger
	hub     *hub

	baseCtx context.Context
}

// NewServer builds a control server; it does not listen until Serve or Run.
func NewServer(cfg config.ControlConfig, ctl Controller, entries EntrySource, auth *Authenticator, logger *zap.Logger) *Server {
	logger = logger.Named("control")
	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		entries: entries,
		auth:    auth,
		logger:  logger,
		hub:     newHub(logger),
		baseCtx: context.Background(),
	}
}

// Handler routes /ws behind bearer auth and an unauthenticated /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.auth.Middleware(http.HandlerFunc(s.handleWS)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.run(gctx)
		return nil
	})
	g.Go(func() error {
		s.watchApprovals(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Control surface listening.", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Control server shutdown did not complete cleanly.", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// ObserveTask broadcasts a task snapshot. It never blocks.
func (s *Server) ObserveTask(task schemas.Task) {
	task.Entries = nil
	s.hub.publish(Message{Type: MessageTask, Task: &task})
}

// watchApprovals publishes the pending approval on every change, including
// each countdown tick, and a clear message once it resolves.
func (s *Server) watchApprovals(ctx context.Context) {
	var lastID string
	for {
		pending, ok, changed := s.ctl.WatchPending()
		switch {
		case ok:
			lastID = pending.Request.ID
			s.hub.publish(Message{Type: MessagePending, Pending: &pending})
		case lastID != "":
			s.hub.publish(Message{Type: MessageApprovalCleared})
			lastID = ""
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// handleCommand applies one client command to the session.
func (s *Server) handleCommand(ctx context.Context, cmd Command) Reply {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	reply := Reply{ID: cmd.ID, Command: cmd.Type}
	var err error
	switch cmd.Type {
	case CommandSubmit:
		var task schemas.Task
		task, err = s.ctl.Submit(ctx, cmd.Task)
		reply.TaskID = task.ID
	case CommandApprove:
		err = s.ctl.Decide(cmd.RequestID, true)
	case CommandDeny:
		err = s.ctl.Decide(cmd.RequestID, false)
	case CommandCancel:
		reply.TaskID = cmd.TaskID
		err = s.ctl.Cancel(ctx, cmd.TaskID)
	case CommandStop:
		reply.Cancelled, err = s.ctl.Stop(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		reply.Error = err.Error()
		s.logger.Warn("Control command failed.", zap.String("command", cmd.Type), zap.Error(err))
		return reply
	}
	reply.OK = true
	s.logger.Info("Control command applied.", zap.String("command", cmd.Type), zap.String("task_id", reply.TaskID))
	return reply
}
