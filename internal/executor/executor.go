// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

const (
	// DefaultSettleDelay lets the remote UI react before the post-action capture.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultWaitDuration is how long the wait action suspends.
	DefaultWaitDuration = 5 * time.Second

	unitsPerNotch = 100.0
	dragSteps     = 10
)

// Surface is the part of a remote session the executor drives.
type Surface interface {
	schemas.InputSink
	schemas.ScreenSource
	schemas.BrowserControl
}

// Appender is the slice of the activity log the executor writes to.
type Appender interface {
	Append(taskID string, kind schemas.EntryKind, content string, args map[string]any) (schemas.ActivityEntry, bool)
}

// Outcome is the result of executing one descriptor.
type Outcome struct {
	Success bool
	Capture *schemas.Capture
	Code    schemas.ErrorCode
	Err     error
}

// Config tunes executor timing.
type Config struct {
	SettleDelay  time.Duration
	WaitDuration time.Duration
}

// Executor translates action descriptors into primitive remote input.
type Executor struct {
	surface Surface
	log     Appender
	logger  *zap.Logger
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the context-aware sleep used for settle and wait delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an executor bound to a remote surface.
func New(surface Surface, log Appender, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = DefaultWaitDuration
	}
	e := &Executor{
		surface: surface,
		log:     log,
		logger:  logger.Named("executor"),
		cfg:     cfg,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute dispatches d against the remote surface, waits for the UI to
// settle and captures the screen. Transport failures are logged to the
// activity log and returned as a failed outcome; they are never retried.
func (e *Executor) Execute(ctx context.Context, taskID string, d schemas.ActionDescriptor) Outcome {
	if d.Blocked() {
		return Outcome{Code: schemas.ErrCodeBlocked, Err: fmt.Errorf("refusing to execute %s: %w", d.Name, schemas.ErrBlocked)}
	}
	if err := Validate(d); err != nil {
		return Outcome{Code: schemas.ErrCodeInvalidParameters, Err: err}
	}

	logger := e.logger.With(zap.String("task_id", taskID), zap.String("action", string(d.Name)))
	logger.Debug("Dispatching action.")

	if err := e.dispatch(ctx, d); err != nil {
		return e.failure(ctx, taskID, d, err)
	}
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return e.failure(ctx, taskID, d, err)
	}
	capture, err := e.surface.Capture(ctx)
	if err != nil {
		return e.failure(ctx, taskID, d, fmt.Errorf("post-action capture: %w", err))
	}

	logger.Debug("Action executed.")
	return Outcome{Success: true, Capture: capture}
}

// Validate applies the descriptor schema plus the checks only the executor
// can make, such as whether a key combination names known keys.
func Validate(d schemas.ActionDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Name == schemas.ActionKeyCombination {
		combo, _ := d.RequiredString("keys")
		if _, err := ParseKeyCombination(combo); err != nil {
			return &schemas.ValidationError{Action: d.Name, Field: "keys", Reason: err.Error()}
		}
	}
	return nil
}

func (e *Executor) failure(ctx context.Context, taskID string, d schemas.ActionDescriptor, err error) Outcome {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return Outcome{Code: schemas.ErrCodeCancelled, Err: err}
	}
	code := schemas.ErrCodeTransport
	switch {
	case errors.Is(err, schemas.ErrValidation):
		code = schemas.ErrCodeInvalidParameters
	case !errors.Is(err, schemas.ErrTransport):
		err = fmt.Errorf("%w: %w", schemas.ErrTransport, err)
	}
	e.log.Append(taskID, schemas.EntryError,
		fmt.Sprintf("Executing %s failed: %v", d.Name, err),
		map[string]any{"action": string(d.Name), "code": string(code)})
	e.logger.Error("Action failed.",
		zap.String("task_id", taskID),
		zap.String("action", string(d.Name)),
		zap.String("code", string(code)),
		zap.Error(err),
	)
	return Outcome{Code: code, Err: err}
}

func (e *Executor) dispatch(ctx context.Context, d schemas.ActionDescriptor) error {
	switch d.Name {
	case schemas.ActionOpenWebBrowser:
		return e.surface.OpenBrowser(ctx)
	case schemas.ActionWait:
		return e.sleep(ctx, e.cfg.WaitDuration)
	case schemas.ActionGoBack:
		return e.surface.GoBack(ctx)
	case schemas.ActionGoForward:
		return e.surface.GoForward(ctx)
	case schemas.ActionSearch:
		return e.surface.Search(ctx, d.OptionalString("query"))
	case schemas.ActionNavigate:
		raw, _ := d.RequiredString("url")
		return e.surface.Navigate(ctx, NormalizeURL(raw))
	case schemas.ActionClickAt:
		x, y, err := e.pixel(d, "x", "y")
		if err != nil {
			return err
		}
		return e.click(ctx, x, y)
	case schemas.ActionHoverAt:
		x, y, err := e.pixel(d, "x", "y")
		if err != nil {
			return err
		}
		return e.surface.PointerMove(ctx, x, y)
	case schemas.ActionTypeTextAt:
		return e.typeTextAt(ctx, d)
	case schemas.ActionKeyCombination:
		combo, _ := d.RequiredString("keys")
		keys, err := ParseKeyCombination(combo)
		if err != nil {
			return fmt.Errorf("%w: %v", schemas.ErrValidation, err)
		}
		return e.pressCombination(ctx, keys)
	case schemas.ActionScrollDocument:
		w, h := e.surface.SurfaceSize()
		return e.scroll(ctx, d, w/2, h/2)
	case schemas.ActionScrollAt:
		x, y, err := e.pixel(d, "x", "y")
		if err != nil {
			return err
		}
		return e.scroll(ctx, d, x, y)
	case schemas.ActionDragAndDrop:
		return e.dragAndDrop(ctx, d)
	default:
		return fmt.Errorf("%w: no handler for %s", schemas.ErrValidation, d.Name)
	}
}

func (e *Executor) pixel(d schemas.ActionDescriptor, xKey, yKey string) (int, int, error) {
	p, err := d.Point(xKey, yKey)
	if err != nil {
		return 0, 0, err
	}
	w, h := e.surface.SurfaceSize()
	x, y := Denormalize(p, w, h)
	return x, y, nil
}

func (e *Executor) click(ctx context.Context, x, y int) error {
	if err := e.surface.PointerMove(ctx, x, y); err != nil {
		return err
	}
	if err := e.surface.PointerButton(ctx, schemas.ButtonLeft); err != nil {
		return err
	}
	return e.surface.PointerButton(ctx, 0)
}

func (e *Executor) tap(ctx context.Context, keysym uint32) error {
	if err := e.surface.KeyEvent(ctx, keysym, true); err != nil {
		return err
	}
	return e.surface.KeyEvent(ctx, keysym, false)
}

// pressCombination presses keys in order and releases them in reverse.
func (e *Executor) pressCombination(ctx context.Context, keys []uint32) error {
	pressed := 0
	var err error
	for _, k := range keys {
		if err = e.surface.KeyEvent(ctx, k, true); err != nil {
			break
		}
		pressed++
	}
	for i := pressed - 1; i >= 0; i-- {
		if relErr := e.surface.KeyEvent(ctx, keys[i], false); relErr != nil && err == nil {
			err = relErr
		}
	}
	return err
}

func (e *Executor) typeTextAt(ctx context.Context, d schemas.ActionDescriptor) error {
	x, y, err := e.pixel(d, "x", "y")
	if err != nil {
		return err
	}
	text, err := d.RequiredString("text")
	if err != nil {
		return err
	}
	pressEnter, _ := d.BoolArg("press_enter", true)
	clearFirst, _ := d.BoolArg("clear_before_typing", true)

	if err := e.click(ctx, x, y); err != nil {
		return err
	}
	if clearFirst {
		if err := e.pressCombination(ctx, []uint32{KeysymControlL, 'a'}); err != nil {
			return err
		}
		if err := e.tap(ctx, KeysymDelete); err != nil {
			return err
		}
	}
	for _, r := range text {
		if err := e.tap(ctx, RuneKeysym(r)); err != nil {
			return err
		}
	}
	if pressEnter {
		return e.tap(ctx, KeysymReturn)
	}
	return nil
}

func (e *Executor) scroll(ctx context.Context, d schemas.ActionDescriptor, x, y int) error {
	dir, err := d.Direction()
	if err != nil {
		return err
	}
	magnitude, err := d.Magnitude()
	if err != nil {
		return err
	}
	if err := e.surface.PointerMove(ctx, x, y); err != nil {
		return err
	}
	button := wheelButton(dir)
	for i := 0; i < wheelNotches(magnitude); i++ {
		if err := e.surface.PointerButton(ctx, button); err != nil {
			return err
		}
		if err := e.surface.PointerButton(ctx, 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) dragAndDrop(ctx context.Context, d schemas.ActionDescriptor) error {
	x0, y0, err := e.pixel(d, "x", "y")
	if err != nil {
		return err
	}
	x1, y1, err := e.pixel(d, "destination_x", "destination_y")
	if err != nil {
		return err
	}
	if err := e.surface.PointerMove(ctx, x0, y0); err != nil {
		return err
	}
	if err := e.surface.PointerButton(ctx, schemas.ButtonLeft); err != nil {
		return err
	}
	for _, pt := range interpolate(x0, y0, x1, y1, dragSteps) {
		if err := e.surface.PointerMove(ctx, pt[0], pt[1]); err != nil {
			return err
		}
	}
	return e.surface.PointerButton(ctx, 0)
}
