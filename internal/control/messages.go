package control

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound command types.
const (
	CommandSubmit  = "submit"
	CommandApprove = "approve"
	CommandDeny    = "deny"
	CommandCancel  = "cancel"
	CommandStop    = "stop"
)

// Outbound message types.
const (
	MessageEntry           = "entry"
	MessagePending         = "pending"
	MessageApprovalCleared = "approval_cleared"
	MessageTask            = "task"
	MessageReply           = "reply"
)

// Command is a client request. ID is echoed back in the reply.
type Command struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	Task      string `json:"task,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Reply reports the result of one Command.
type Reply struct {
	ID        string `json:"id,omitempty"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Cancelled int    `json:"cancelled,omitempty"`
}

// Message is everything the server pushes to clients.
type Message struct {
	Type    string                   `json:"type"`
	Entry   *schemas.ActivityEntry   `json:"entry,omitempty"`
	Pending *schemas.PendingApproval `json:"pending,omitempty"`
	Task    *schemas.Task            `json:"task,omitempty"`
	Reply   *Reply                   `json:"reply,omitempty"`
}
