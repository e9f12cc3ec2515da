// internal/approval/gate.go
package approval

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// State is the gate's position in its Idle -> Pending -> resolved cycle.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateTimedOut State = "timed_out"
)

// DefaultTimeout is used when a request does not set one.
const DefaultTimeout = 30 * time.Second

// Appender is the slice of the activity log the gate writes to.
type Appender interface {
	Append(taskID string, kind schemas.EntryKind, content string, args map[string]any) (schemas.ActivityEntry, bool)
}

// Ticker is the countdown's time source.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Gate holds at most one action awaiting a human decision.
type Gate struct {
	mu      sync.Mutex
	state   State
	last    State
	pending *pendingRequest
	changed chan struct{}

	log       Appender
	logger    *zap.Logger
	newTicker TickerFactory
	clock     func() time.Time
}

type pendingRequest struct {
	req       schemas.ApprovalRequest
	openedAt  time.Time
	remaining int
	resolved  chan schemas.Resolution
	stop      chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithTickerFactory replaces the one-second countdown ticker.
func WithTickerFactory(f TickerFactory) Option {
	return func(g *Gate) { g.newTicker = f }
}

// WithClock overrides the time source used for snapshots.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// NewGate creates an idle gate that records denials to log.
func NewGate(log Appender, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		state:     StateIdle,
		last:      StateIdle,
		changed:   make(chan struct{}),
		log:       log,
		logger:    logger.Named("approval_gate"),
		newTicker: newRealTicker,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open places req in the gate and starts its countdown. The returned channel
// receives exactly one Resolution. Opening while a request is pending fails
// with schemas.ErrGateBusy.
func (g *Gate) Open(req schemas.ApprovalRequest) (<-chan schemas.Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StatePending {
		return nil, fmt.Errorf("cannot open approval for %s: %w", req.Descriptor.Name, schemas.ErrGateBusy)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	p := &pendingRequest{
		req:       req,
		openedAt:  g.clock(),
		remaining: int(math.Ceil(req.Timeout.Seconds())),
		resolved:  make(chan schemas.Resolution, 1),
		stop:      make(chan struct{}),
	}
	g.pending = p
	g.state = StatePending
	g.notifyLocked()

	ticker := g.newTicker(time.Second)
	go g.countdown(p, ticker)

	g.logger.Info("Approval requested.",
		zap.String("request_id", req.ID),
		zap.String("task_id", req.TaskID),
		zap.String("action", string(req.Descriptor.Name)),
		zap.String("risk", string(req.Risk)),
		zap.Int("timeout_seconds", p.remaining),
	)
	return p.resolved, nil
}

func (g *Gate) countdown(p *pendingRequest, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C():
			g.mu.Lock()
			if g.pending != p {
				g.mu.Unlock()
				return
			}
			p.remaining--
			if p.remaining <= 0 {
				g.resolveLocked(schemas.ApprovalTimedOut,
					fmt.Sprintf("no decision within %d seconds", int(math.Ceil(p.req.Timeout.Seconds()))))
				g.mu.Unlock()
				return
			}
			g.notifyLocked()
			g.mu.Unlock()
		}
	}
}

// notifyLocked wakes every Watch caller. Callers hold g.mu.
func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Approve releases the pending action for execution.
func (g *Gate) Approve() error {
	return g.Decide("", true)
}

// Deny discards the pending action.
func (g *Gate) Deny() error {
	return g.Decide("", false)
}

// Decide approves or denies the pending request. A non-empty requestID must
// match the pending request, so stale decisions from remote observers fail.
func (g *Gate) Decide(requestID string, approve bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StatePending {
		return schemas.ErrNoPendingApproval
	}
	if requestID != "" && requestID != g.pending.req.ID {
		return fmt.Errorf("request %s is not the pending request: %w", requestID, schemas.ErrNoPendingApproval)
	}
	if approve {
		g.resolveLocked(schemas.ApprovalApproved, "approved by user")
	} else {
		g.resolveLocked(schemas.ApprovalDenied, "denied by user")
	}
	return nil
}

// ForceDeny resolves any pending request as denied, for cancellation paths.
// It reports whether a request was pending.
func (g *Gate) ForceDeny(cause string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StatePending {
		return false
	}
	g.resolveLocked(schemas.ApprovalDenied, cause)
	return true
}

// resolveLocked finalizes the pending request. Denials are logged before the
// resolution is delivered. Callers hold g.mu.
func (g *Gate) resolveLocked(outcome schemas.ApprovalOutcome, cause string) {
	p := g.pending
	close(p.stop)

	switch outcome {
	case schemas.ApprovalApproved:
		g.last = StateApproved
	case schemas.ApprovalTimedOut:
		g.last = StateTimedOut
		g.log.Append(p.req.TaskID, schemas.EntryError,
			fmt.Sprintf("Action %s auto-denied: %s", p.req.Descriptor.Name, cause),
			map[string]any{"request_id": p.req.ID, "outcome": string(outcome)})
	default:
		g.last = StateDenied
		g.log.Append(p.req.TaskID, schemas.EntryError,
			fmt.Sprintf("Action %s denied: %s", p.req.Descriptor.Name, cause),
			map[string]any{"request_id": p.req.ID, "outcome": string(outcome)})
	}

	p.resolved <- schemas.Resolution{RequestID: p.req.ID, Outcome: outcome, Cause: cause}
	g.pending = nil
	g.state = StateIdle
	g.notifyLocked()

	g.logger.Info("Approval resolved.",
		zap.String("request_id", p.req.ID),
		zap.String("outcome", string(outcome)),
		zap.String("cause", cause),
	)
}

// State returns the current state. Resolution returns the gate to Idle
// immediately; LastOutcome reports how the previous request ended.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastOutcome is the terminal state of the most recently resolved request.
func (g *Gate) LastOutcome() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Pending returns a snapshot of the live request, if any.
func (g *Gate) Pending() (schemas.PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Watch returns the same snapshot as Pending together with a channel that is
// closed on the next change: a new request, a countdown tick or a resolution.
func (g *Gate) Watch() (schemas.PendingApproval, bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.snapshotLocked()
	return p, ok, g.changed
}

func (g *Gate) snapshotLocked() (schemas.PendingApproval, bool) {
	if g.pending == nil {
		return schemas.PendingApproval{}, false
	}
	return schemas.PendingApproval{
		Request:          g.pending.req,
		OpenedAt:         g.pending.openedAt,
		RemainingSeconds: g.pending.remaining,
	}, true
}
