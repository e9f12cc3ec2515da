package schemas

import "time"

// -- Task Schemas --

// TaskStatus is the lifecycle state of a submitted task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one natural-language instruction and its execution record.
type Task struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Entries     []ActivityEntry `json:"entries,omitempty"`
}

// -- Activity Schemas --

// EntryKind classifies an activity log entry.
type EntryKind string

const (
	EntryObservation EntryKind = "observation"
	EntryReasoning   EntryKind = "reasoning"
	EntryAction      EntryKind = "action"
	EntrySafetyCheck EntryKind = "safety_check"
	EntryError       EntryKind = "error"
)

// ActivityEntry is one immutable record in a session's activity log.
type ActivityEntry struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	TaskID    string         `json:"task_id,omitempty"`
	Kind      EntryKind      `json:"kind"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Args      map[string]any `json:"args,omitempty"`
}

// -- Approval Schemas --

// RiskTier is the display severity attached to an approval request.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ApprovalRequest is a descriptor held back for a human decision.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id,omitempty"`
	Descriptor ActionDescriptor `json:"descriptor"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Risk       RiskTier         `json:"risk"`
	Timeout    time.Duration    `json:"timeout"`
	Screenshot *Capture         `json:"-"`
}

// ApprovalOutcome is how a pending approval request was resolved.
type ApprovalOutcome string

const (
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalDenied   ApprovalOutcome = "denied"
	ApprovalTimedOut ApprovalOutcome = "timed_out"
)

// Resolution is delivered exactly once for every opened approval request.
type Resolution struct {
	RequestID string          `json:"request_id"`
	Outcome   ApprovalOutcome `json:"outcome"`
	Cause     string          `json:"cause,omitempty"`
}

// Approved reports whether the held descriptor should be executed.
func (r Resolution) Approved() bool {
	return r.Outcome == ApprovalApproved
}

// PendingApproval is an observer-facing snapshot of the live request.
type PendingApproval struct {
	Request          ApprovalRequest `json:"request"`
	OpenedAt         time.Time       `json:"opened_at"`
	RemainingSeconds int             `json:"remaining_seconds"`
}
