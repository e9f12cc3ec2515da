package schemas

import (
	"context"
	"time"
)

// -- Screen --

// Capture is a single frame grabbed from the remote surface.
type Capture struct {
	Data     []byte    `json:"-"`
	MimeType string    `json:"mime_type"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	TakenAt  time.Time `json:"taken_at"`
}

// -- Model Collaborator --

// ActionResult reports how a previously proposed descriptor fared.
type ActionResult struct {
	Descriptor ActionDescriptor `json:"descriptor"`
	Executed   bool             `json:"executed"`
	Error      string           `json:"error,omitempty"`
}

// ModelTurn is one completed propose/execute round, replayed as history.
type ModelTurn struct {
	Reasoning string         `json:"reasoning,omitempty"`
	Results   []ActionResult `json:"results"`
}

// ModelRequest carries the instruction and the latest frame to the model.
type ModelRequest struct {
	Instruction string
	Capture     *Capture
	History     []ModelTurn
}

// ModelResponse is the model's proposal for the next round.
type ModelResponse struct {
	Reasoning string
	Actions   []ActionDescriptor
}

// ModelClient proposes UI actions. Any error is fatal to the current task.
type ModelClient interface {
	Propose(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	Close() error
}

// -- Remote-Session Collaborator --

// ButtonMask is the pointer button bitmask, bit n set meaning button n+1 is down.
type ButtonMask uint8

const (
	ButtonLeft       ButtonMask = 1 << 0
	ButtonMiddle     ButtonMask = 1 << 1
	ButtonRight      ButtonMask = 1 << 2
	ButtonWheelUp    ButtonMask = 1 << 3
	ButtonWheelDown  ButtonMask = 1 << 4
	ButtonWheelLeft  ButtonMask = 1 << 5
	ButtonWheelRight ButtonMask = 1 << 6
)

// SessionEventKind is the lifecycle signal reported by a remote session.
type SessionEventKind string

const (
	SessionConnected    SessionEventKind = "connected"
	SessionDisconnected SessionEventKind = "disconnected"
	SessionError        SessionEventKind = "error"
	SessionFrame        SessionEventKind = "frame"
)

// SessionEvent is emitted on the session's event channel.
type SessionEvent struct {
	Kind   SessionEventKind
	Detail string
	Err    error
	At     time.Time
}

// InputSink accepts primitive input events.
type InputSink interface {
	PointerMove(ctx context.Context, x, y int) error
	PointerButton(ctx context.Context, mask ButtonMask) error
	KeyEvent(ctx context.Context, keysym uint32, pressed bool) error
}

// ScreenSource produces frames of the remote surface.
type ScreenSource interface {
	Capture(ctx context.Context) (*Capture, error)
	SurfaceSize() (width, height int)
}

// BrowserControl is the set of browser-level operations.
type BrowserControl interface {
	OpenBrowser(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Search(ctx context.Context, query string) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
}

// RemoteSession is the full remote-desktop/browser collaborator.
type RemoteSession interface {
	InputSink
	ScreenSource
	BrowserControl
	Connect(ctx context.Context, host string, port int, credentials string) error
	Disconnect() error
	Events() <-chan SessionEvent
}
