// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// -- Model Client Mock --

// MockModelClient mocks schemas.ModelClient.
type MockModelClient struct {
	mock.Mock
}

func (m *MockModelClient) Propose(ctx context.Context, req schemas.ModelRequest) (*schemas.ModelResponse, error) {
	args := m.Called(ctx, req)
	var resp *schemas.ModelResponse
	if v := args.Get(0); v != nil {
		resp = v.(*schemas.ModelResponse)
	}
	return resp, args.Error(1)
}

func (m *MockModelClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ schemas.ModelClient = (*MockModelClient)(nil)

// -- Remote Session Fake --

// EventKind names a primitive recorded by RecordingSession.
type EventKind string

const (
	EventPointerMove   EventKind = "pointer_move"
	EventPointerButton EventKind = "pointer_button"
	EventKeyDown       EventKind = "key_down"
	EventKeyUp         EventKind = "key_up"
	EventCapture       EventKind = "capture"
	EventOpenBrowser   EventKind = "open_browser"
	EventNavigate      EventKind = "navigate"
	EventSearch        EventKind = "search"
	EventGoBack        EventKind = "go_back"
	EventGoForward     EventKind = "go_forward"
)

// Event is one recorded primitive.
type Event struct {
	Kind   EventKind
	X, Y   int
	Mask   schemas.ButtonMask
	Keysym uint32
	Value  string
}

func (e Event) String() string {
	switch e.Kind {
	case EventPointerMove:
		return fmt.Sprintf("%s(%d,%d)", e.Kind, e.X, e.Y)
	case EventPointerButton:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Mask)
	case EventKeyDown, EventKeyUp:
		return fmt.Sprintf("%s(%#x)", e.Kind, e.Keysym)
	default:
		if e.Value != "" {
			return fmt.Sprintf("%s(%s)", e.Kind, e.Value)
		}
		return string(e.Kind)
	}
}

// RecordingSession is an in-memory schemas.RemoteSession that records every
// primitive it receives. FailOn makes the named primitive return an error.
type RecordingSession struct {
	mu        sync.Mutex
	width     int
	height    int
	events    []Event
	failOn    map[EventKind]error
	connected bool
	frame     []byte
	eventsCh  chan schemas.SessionEvent
}

// NewRecordingSession creates a fake surface of the given size.
func NewRecordingSession(width, height int) *RecordingSession {
	return &RecordingSession{
		width:    width,
		height:   height,
		failOn:   make(map[EventKind]error),
		frame:    []byte{0x89, 'P', 'N', 'G'},
		eventsCh: make(chan schemas.SessionEvent, 16),
	}
}

// FailOn makes every subsequent primitive of kind return err.
func (s *RecordingSession) FailOn(kind EventKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[kind] = err
}

// Recorded returns every recorded primitive except captures.
func (s *RecordingSession) Recorded() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if e.Kind != EventCapture {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many primitives of kind were recorded.
func (s *RecordingSession) Count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// CommandCount counts every primitive that changes remote state.
func (s *RecordingSession) CommandCount() int {
	return len(s.Recorded())
}

// Emit pushes a lifecycle event onto the session's event channel.
func (s *RecordingSession) Emit(ev schemas.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.eventsCh <- ev
}

func (s *RecordingSession) record(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[e.Kind]; ok {
		return err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *RecordingSession) Connect(ctx context.Context, host string, port int, credentials string) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.Emit(schemas.SessionEvent{Kind: schemas.SessionConnected, Detail: fmt.Sprintf("%s:%d", host, port)})
	return nil
}

func (s *RecordingSession) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *RecordingSession) Events() <-chan schemas.SessionEvent { return s.eventsCh }

func (s *RecordingSession) SurfaceSize() (int, int) { return s.width, s.height }

func (s *RecordingSession) PointerMove(ctx context.Context, x, y int) error {
	return s.record(Event{Kind: EventPointerMove, X: x, Y: y})
}

func (s *RecordingSession) PointerButton(ctx context.Context, mask schemas.ButtonMask) error {
	return s.record(Event{Kind: EventPointerButton, Mask: mask})
}

func (s *RecordingSession) KeyEvent(ctx context.Context, keysym uint32, pressed bool) error {
	kind := EventKeyUp
	if pressed {
		kind = EventKeyDown
	}
	return s.record(Event{Kind: kind, Keysym: keysym})
}

func (s *RecordingSession) Capture(ctx context.Context) (*schemas.Capture, error) {
	if err := s.record(Event{Kind: EventCapture}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(s.frame))
	copy(data, s.frame)
	return &schemas.Capture{Data: data, MimeType: "image/png", Width: s.width, Height: s.height, TakenAt: time.Now().UTC()}, nil
}

func (s *RecordingSession) OpenBrowser(ctx context.Context) error {
	return s.record(Event{Kind: EventOpenBrowser})
}

func (s *RecordingSession) Navigate(ctx context.Context, url string) error {
	return s.record(Event{Kind: EventNavigate, Value: url})
}

func (s *RecordingSession) Search(ctx context.Context, query string) error {
	return s.record(Event{Kind: EventSearch, Value: query})
}

func (s *RecordingSession) GoBack(ctx context.Context) error {
	return s.record(Event{Kind: EventGoBack})
}

func (s *RecordingSession) GoForward(ctx context.Context) error {
	return s.record(Event{Kind: EventGoForward})
}

var _ schemas.RemoteSession = (*RecordingSession)(nil)
