package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/activity"
	"github.com/xkilldash9x/pilot-cli/internal/approval"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/executor"
	"github.com/xkilldash9x/pilot-cli/internal/risk"
)

// runner executes one task at a time. It is only ever used from the task
// goroutine the session starts, so lastCapture needs no lock.
type runner struct {
	cfg    config.AgentConfig
	model  schemas.ModelClient
	screen schemas.ScreenSource
	exec   *executor.Executor
	gate   *approval.Gate
	log    *activity.Log
	logger *zap.Logger

	// lastCapture is the most recent frame, reused when a fresh one fails.
	lastCapture *schemas.Capture
}

// run drives a task through up to MaxTurns model rounds. The returned string
// is the model's last reasoning, used as the task result. A non-nil error is
// fatal; if ctx is done the session treats it as cancellation.
func (r *runner) run(ctx context.Context, task schemas.Task) (string, error) {
	logger := r.logger.With(zap.String("task_id", task.ID))
	logger.Info("Task started.", zap.String("description", task.Description))

	var (
		history []schemas.ModelTurn
		result  string
	)
	for turn := 1; turn <= r.cfg.MaxTurns; turn++ {
		capture := r.capture(ctx, task.ID)
		if err := ctx.Err(); err != nil {
			return result, context.Cause(ctx)
		}

		resp, err := r.model.Propose(ctx, schemas.ModelRequest{
			Instruction: task.Description,
			Capture:     capture,
			History:     history,
		})
		// A reply that lands after cancellation is discarded, error or not.
		if ctx.Err() != nil {
			return result, context.Cause(ctx)
		}
		if err != nil {
			if !errors.Is(err, schemas.ErrModelUnavailable) {
				err = fmt.Errorf("%w: %w", schemas.ErrModelUnavailable, err)
			}
			r.log.Append(task.ID, schemas.EntryError, fmt.Sprintf("Model request failed: %v", err),
				map[string]any{"code": string(schemas.ErrCodeModelUnavailable)})
			return result, err
		}
		if resp == nil {
			resp = &schemas.ModelResponse{}
		}

		if text := strings.TrimSpace(resp.Reasoning); text != "" {
			r.log.Append(task.ID, schemas.EntryReasoning, text, map[string]any{"turn": turn})
			result = text
		}
		logger.Debug("Model proposed actions.", zap.Int("turn", turn), zap.Int("actions", len(resp.Actions)))
		if len(resp.Actions) == 0 {
			break
		}

		results, err := r.processBatch(ctx, task.ID, resp)
		if err != nil {
			return result, err
		}
		history = append(history, schemas.ModelTurn{Reasoning: resp.Reasoning, Results: results})
	}
	return result, nil
}

// capture grabs a fresh frame, falling back to the cached one.
func (r *runner) capture(ctx context.Context, taskID string) *schemas.Capture {
	c, err := r.screen.Capture(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("Screen capture failed, reusing the last frame.",
				zap.String("task_id", taskID), zap.Error(err))
		}
		return r.lastCapture
	}
	r.lastCapture = c
	return c
}

// processBatch handles descriptors strictly in order. Only cancellation and
// transport failures stop the batch.
func (r *runner) processBatch(ctx context.Context, taskID string, resp *schemas.ModelResponse) ([]schemas.ActionResult, error) {
	results := make([]schemas.ActionResult, 0, len(resp.Actions))
	for _, d := range resp.Actions {
		if err := ctx.Err(); err != nil {
			return results, context.Cause(ctx)
		}
		res, err := r.process(ctx, taskID, d, resp.Reasoning)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *runner) process(ctx context.Context, taskID string, d schemas.ActionDescriptor, reasoning string) (schemas.ActionResult, error) {
	name, known := schemas.ParseActionName(string(d.Name))
	d.Name = name
	res := schemas.ActionResult{Descriptor: d}

	kind := schemas.EntryAction
	if d.RequiresConfirmation() {
		kind = schemas.EntrySafetyCheck
	}
	r.log.Append(taskID, kind, d.String(), entryArgs(d))

	if !known {
		res.Error = fmt.Sprintf("unknown action %q", d.Name)
		r.skip(taskID, d, schemas.ErrCodeUnknownAction, res.Error)
		return res, nil
	}
	if err := executor.Validate(d); err != nil {
		res.Error = err.Error()
		r.skip(taskID, d, schemas.ErrCodeInvalidParameters, res.Error)
		return res, nil
	}

	switch d.Decision() {
	case schemas.DecisionBlocked:
		res.Error = "blocked by safety decision"
		if why := d.Explanation(); why != "" {
			res.Error += ": " + why
		}
		r.skip(taskID, d, schemas.ErrCodeBlocked, res.Error)
		return res, nil

	case schemas.DecisionRequireConfirmation:
		resolution, err := r.awaitApproval(ctx, taskID, d, reasoning)
		if err != nil {
			res.Error = err.Error()
			return res, err
		}
		if !resolution.Approved() {
			res.Error = fmt.Sprintf("%s: %s", resolution.Outcome, resolution.Cause)
			return res, nil
		}
	}

	return r.execute(ctx, taskID, d, res)
}

func (r *runner) execute(ctx context.Context, taskID string, d schemas.ActionDescriptor, res schemas.ActionResult) (schemas.ActionResult, error) {
	outcome := r.exec.Execute(ctx, taskID, d)
	if outcome.Success {
		res.Executed = true
		if outcome.Capture != nil {
			r.lastCapture = outcome.Capture
			r.log.Append(taskID, schemas.EntryObservation,
				fmt.Sprintf("Screen captured after %s.", d.Name),
				map[string]any{
					"action": string(d.Name),
					"width":  outcome.Capture.Width,
					"height": outcome.Capture.Height,
				})
		}
		return res, nil
	}

	res.Error = outcome.Err.Error()
	switch outcome.Code {
	case schemas.ErrCodeCancelled:
		return res, context.Cause(ctx)
	case schemas.ErrCodeInvalidParameters:
		// Already in the log; the rest of the batch proceeds.
		return res, nil
	default:
		return res, outcome.Err
	}
}

// awaitApproval opens the gate and suspends until it resolves or ctx ends.
// On cancellation the pending request is force-denied before returning.
func (r *runner) awaitApproval(ctx context.Context, taskID string, d schemas.ActionDescriptor, reasoning string) (schemas.Resolution, error) {
	if why := d.Explanation(); why != "" {
		reasoning = why
	}
	resolved, err := r.gate.Open(schemas.ApprovalRequest{
		TaskID:     taskID,
		Descriptor: d,
		Reasoning:  reasoning,
		Risk:       risk.Classify(d),
		Timeout:    r.cfg.ApprovalTimeout,
		Screenshot: r.lastCapture,
	})
	if err != nil {
		r.log.Append(taskID, schemas.EntryError, fmt.Sprintf("Could not request approval for %s: %v", d.Name, err), nil)
		return schemas.Resolution{}, err
	}

	select {
	case res := <-resolved:
		return res, nil
	case <-ctx.Done():
		r.gate.ForceDeny(fmt.Sprintf("task stopped: %v", cancelCause(ctx)))
		<-resolved
		return schemas.Resolution{}, context.Cause(ctx)
	}
}

// skip records why a descriptor was not executed.
func (r *runner) skip(taskID string, d schemas.ActionDescriptor, code schemas.ErrorCode, reason string) {
	r.log.Append(taskID, schemas.EntryError,
		fmt.Sprintf("Skipped %s: %s", d.Name, reason),
		map[string]any{"action": string(d.Name), "code": string(code)})
	r.logger.Warn("Action skipped.",
		zap.String("task_id", taskID),
		zap.String("action", string(d.Name)),
		zap.String("code", string(code)),
		zap.String("reason", reason),
	)
}

func entryArgs(d schemas.ActionDescriptor) map[string]any {
	args := map[string]any{"action": string(d.Name)}
	if len(d.Args) > 0 {
		args["args"] = d.Args
	}
	if d.SafetyDecision != nil {
		args["decision"] = string(d.Decision())
		if d.SafetyDecision.Explanation != "" {
			args["explanation"] = d.SafetyDecision.Explanation
		}
	}
	return args
}
