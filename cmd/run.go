// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/agent"
	"github.com/xkilldash9x/pilot-cli/internal/observability"
)

const stopTimeout = 10 * time.Second

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Runs a single task against the remote browser and waits for it to finish",
		Long: `Submits one natural-language task to the agent. Actions the model flags as
needing confirmation are shown on the terminal; answer y to approve. Ctrl+C
stops the agent immediately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := initializeAgentComponents(ctx, cfg, logger)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			task, err := runTask(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), components, strings.Join(args, " "), logger)
			if err != nil {
				return err
			}
			if task.Status != schemas.TaskCompleted {
				return fmt.Errorf("task %s %s: %s", task.ID, task.Status, task.Error)
			}
			return nil
		},
	}

	runCmd.Flags().Bool("headless", true, "Run the local browser headless. (Overrides config/env)")
	runCmd.Flags().String("host", "", "DevTools host of a remote browser. Empty launches a local one. (Overrides config/env)")
	runCmd.Flags().Int("port", 9222, "DevTools port of the remote browser. (Overrides config/env)")
	runCmd.Flags().Int("max-turns", 1, "Maximum observe/propose/act rounds for the task. (Overrides config/env)")
	runCmd.Flags().Bool("audit", false, "Persist the task and its activity to the audit database. (Overrides config/env)")
	return runCmd
}

// runTask drives one task to a terminal state, printing activity to out and
// reading approval answers from in. Cancelling ctx triggers an emergency stop.
func runTask(ctx context.Context, in io.Reader, out io.Writer, components *agentComponents, description string, logger *zap.Logger) (schemas.Task, error) {
	session := components.Session

	terminal := make(chan schemas.Task, 16)
	components.Tasks.add(func(task schemas.Task) {
		if !task.Status.IsTerminal() {
			return
		}
		select {
		case terminal <- task:
		default:
		}
	})

	// The session outlives ctx so an interrupt can be turned into an emergency stop.
	sessionCtx, stopSession := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSession()

	g, gctx := errgroup.WithContext(sessionCtx)
	g.Go(func() error { return session.Run(gctx) })
	if components.Sink != nil {
		g.Go(func() error { return components.Sink.Run(gctx) })
	}
	g.Go(func() error {
		printActivity(gctx, out, session)
		return nil
	})
	g.Go(func() error {
		promptApprovals(gctx, in, out, session, logger)
		return nil
	})
	defer func() {
		stopSession()
		if err := g.Wait(); err != nil {
			logger.Warn("Agent session ended with an error.", zap.Error(err))
		}
	}()

	submitted, err := session.Submit(ctx, description)
	if err != nil {
		return schemas.Task{}, fmt.Errorf("failed to submit task: %w", err)
	}
	fmt.Fprintf(out, "Task %s submitted.\n", submitted.ID)

	interrupted := ctx.Done()
	for {
		select {
		case task := <-terminal:
			if task.ID != submitted.ID {
				continue
			}
			reportTask(out, task)
			return task, nil
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(out, "\nInterrupted, stopping the agent.")
			stopCtx, cancel := context.WithTimeout(sessionCtx, stopTimeout)
			n, err := session.Stop(stopCtx)
			cancel()
			if err != nil {
				return schemas.Task{}, fmt.Errorf("emergency stop failed: %w", err)
			}
			logger.Info("Emergency stop issued.", zap.Int("cancelled", n))
		}
	}
}

func reportTask(out io.Writer, task schemas.Task) {
	switch task.Status {
	case schemas.TaskCompleted:
		fmt.Fprintf(out, "\nTask %s completed.\n", task.ID)
		if task.Result != "" {
			fmt.Fprintln(out, task.Result)
		}
	default:
		fmt.Fprintf(out, "\nTask %s %s: %s\n", task.ID, task.Status, task.Error)
	}
}

// printActivity streams the activity log to out as it grows.
func printActivity(ctx context.Context, out io.Writer, session *agent.Session) {
	for e := range session.Log().Subscribe(ctx) {
		line := fmt.Sprintf("[%s] %-12s %s", e.Timestamp.Format("15:04:05"), e.Kind, e.Content)
		if code, ok := e.Args["code"]; ok {
			line += fmt.Sprintf(" (%v)", code)
		}
		fmt.Fprintln(out, line)
	}
}

// promptApprovals asks on the terminal whenever the gate holds a request.
// Any answer other than y or yes denies.
func promptApprovals(ctx context.Context, in io.Reader, out io.Writer, session *agent.Session, logger *zap.Logger) {
	lines := readLines(ctx, in)
	var prompted string
	for {
		pending, ok, changed := session.WatchPending()
		if ok && pending.Request.ID != prompted {
			prompted = pending.Request.ID
			fmt.Fprint(out, formatApprovalPrompt(pending))
			if !awaitAnswer(ctx, lines, out, session, pending, logger) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// awaitAnswer applies the next input line to p, or gives up when the gate
// moves on first. It returns false once ctx is done.
func awaitAnswer(ctx context.Context, lines <-chan string, out io.Writer, session *agent.Session, p schemas.PendingApproval, logger *zap.Logger) bool {
	for {
		current, ok, changed := session.WatchPending()
		if !ok || current.Request.ID != p.Request.ID {
			fmt.Fprintln(out, "\nApproval window closed.")
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case line, open := <-lines:
			if !open {
				lines = nil
				continue
			}
			if err := session.Decide(p.Request.ID, isYes(line)); err != nil {
				fmt.Fprintf(out, "Decision not applied: %v\n", err)
				logger.Debug("Approval decision rejected.", zap.Error(err))
			}
			return true
		case <-changed:
		}
	}
}

func formatApprovalPrompt(p schemas.PendingApproval) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n== Approval required [%s risk] ==\n", strings.ToUpper(string(p.Request.Risk)))
	fmt.Fprintf(&b, "Action:    %s\n", p.Request.Descriptor.Name)
	if len(p.Request.Descriptor.Args) > 0 {
		if args, err := json.Marshal(p.Request.Descriptor.Args); err == nil {
			fmt.Fprintf(&b, "Arguments: %s\n", args)
		}
	}
	if p.Request.Reasoning != "" {
		fmt.Fprintf(&b, "Reasoning: %s\n", p.Request.Reasoning)
	}
	fmt.Fprintf(&b, "Approve? [y/N] (auto-deny in %ds): ", p.RemainingSeconds)
	return b.String()
}

func isYes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// readLines delivers lines from in until EOF. The reader goroutine may
// outlive ctx when in is a terminal blocked in Read.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
			observability.GetLogger().Debug("Stopped reading approvals from input.", zap.Error(err))
		}
	}()
	return lines
}
