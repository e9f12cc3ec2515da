// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrQueueFull is returned by Submit when agent.task_queue_size tasks are waiting.
	ErrQueueFull = errors.New("task queue is full")
	// ErrEmergencyStop is the cancellation cause of tasks ended by Stop.
	ErrEmergencyStop = errors.New("emergency stop")
	// ErrTaskCancelled is the cancellation cause of tasks ended by Cancel.
	ErrTaskCancelled = errors.New("task cancelled by user")
	// ErrEmptyTask rejects blank task descriptions.
	ErrEmptyTask = errors.New("task description is empty")
)
