package cdp

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/executor"
)

// newTestSession returns a session whose actions are captured instead of run.
func newTestSession(t *testing.T) (*Session, *[]chromedp.Action) {
	t.Helper()
	s := NewSession(config.RemoteConfig{Width: 1440, Height: 900, HomePage: "about:blank"}, zaptest.NewLogger(t))
	var captured []chromedp.Action
	s.run = func(ctx context.Context, actions ...chromedp.Action) error {
		captured = append(captured, actions...)
		return nil
	}
	return s, &captured
}

func mouseEvents(t *testing.T, actions []chromedp.Action) []*input.DispatchMouseEventParams {
	t.Helper()
	var out []*input.DispatchMouseEventParams
	for _, a := range actions {
		p, ok := a.(*input.DispatchMouseEventParams)
		require.True(t, ok, "action %T should be DispatchMouseEventParams", a)
		out = append(out, p)
	}
	return out
}

func TestSession_NotConnected(t *testing.T) {
	s := NewSession(config.RemoteConfig{Width: 10, Height: 10}, zaptest.NewLogger(t))
	err := s.PointerMove(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, s.Disconnect(), "disconnecting an idle session is a no-op")
}

func TestSession_Click(t *testing.T) {
	s, captured := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.PointerMove(ctx, 720, 450))
	require.NoError(t, s.PointerButton(ctx, schemas.ButtonLeft))
	require.NoError(t, s.PointerButton(ctx, 0))

	events := mouseEvents(t, *captured)
	require.Len(t, events, 3)

	assert.Equal(t, input.MouseMoved, events[0].Type)
	assert.Equal(t, 720.0, events[0].X)
	assert.Equal(t, 450.0, events[0].Y)

	assert.Equal(t, input.MousePressed, events[1].Type)
	assert.Equal(t, input.Left, events[1].Button)
	assert.Equal(t, int64(1), events[1].Buttons)
	assert.Equal(t, 720.0, events[1].X)

	assert.Equal(t, input.MouseReleased, events[2].Type)
	assert.Equal(t, input.Left, events[2].Button)
	assert.Equal(t, int64(0), events[2].Buttons)
}

func TestSession_DragCarriesHeldButton(t *testing.T) {
	s, captured := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.PointerMove(ctx, 10, 10))
	require.NoError(t, s.PointerButton(ctx, schemas.ButtonLeft))
	require.NoError(t, s.PointerMove(ctx, 50, 60))

	events := mouseEvents(t, *captured)
	last := events[len(events)-1]
	assert.Equal(t, input.MouseMoved, last.Type)
	assert.Equal(t, int64(1), last.Buttons)
	assert.Equal(t, input.Left, last.Button)
}

func TestSession_WheelIsNotHeld(t *testing.T) {
	s, captured := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.PointerMove(ctx, 100, 100))
	require.NoError(t, s.PointerButton(ctx, schemas.ButtonWheelDown))
	require.NoError(t, s.PointerButton(ctx, 0))
	require.NoError(t, s.PointerButton(ctx, schemas.ButtonWheelDown))

	events := mouseEvents(t, *captured)
	require.Len(t, events, 3, "one move and one wheel event per notch")
	for _, e := range events[1:] {
		assert.Equal(t, input.MouseWheel, e.Type)
		assert.Equal(t, wheelDeltaPx, e.DeltaY)
		assert.Equal(t, 100.0, e.X)
	}
}

func TestSession_KeyEvents(t *testing.T) {
	s, captured := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.KeyEvent(ctx, executor.KeysymControlL, true))
	require.NoError(t, s.KeyEvent(ctx, 'a', true))
	require.NoError(t, s.KeyEvent(ctx, 'a', false))
	require.NoError(t, s.KeyEvent(ctx, executor.KeysymControlL, false))
	require.NoError(t, s.KeyEvent(ctx, 'b', true))

	require.Len(t, *captured, 5)
	keys := make([]*input.DispatchKeyEventParams, 0, 5)
	for _, a := range *captured {
		p, ok := a.(*input.DispatchKeyEventParams)
		require.True(t, ok)
		keys = append(keys, p)
	}

	assert.Equal(t, input.KeyRawDown, keys[0].Type)
	assert.Equal(t, "Control", keys[0].Key)
	assert.Equal(t, input.ModifierCtrl, keys[0].Modifiers)

	assert.Equal(t, input.KeyRawDown, keys[1].Type, "shortcut keys carry no text")
	assert.Empty(t, keys[1].Text)
	assert.Equal(t, input.ModifierCtrl, keys[1].Modifiers)
	assert.Equal(t, "KeyA", keys[1].Code)

	assert.Equal(t, input.KeyUp, keys[2].Type)
	assert.Equal(t, input.KeyUp, keys[3].Type)
	assert.Equal(t, input.Modifier(0), keys[3].Modifiers)

	assert.Equal(t, input.KeyDown, keys[4].Type)
	assert.Equal(t, "b", keys[4].Text)
	assert.Equal(t, input.Modifier(0), keys[4].Modifiers)
}

func TestSession_UnmappedKeysym(t *testing.T) {
	s, captured := newTestSession(t)
	err := s.KeyEvent(context.Background(), 0xfe03, true)
	require.Error(t, err)
	assert.Empty(t, *captured)
}

func TestSession_RunErrorPropagates(t *testing.T) {
	s, _ := newTestSession(t)
	boom := errors.New("websocket closed")
	s.run = func(ctx context.Context, actions ...chromedp.Action) error { return boom }

	assert.ErrorIs(t, s.Navigate(context.Background(), "https://example.com"), boom)
	_, err := s.Capture(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSession_BrowserOperationsQueueOneAction(t *testing.T) {
	s, captured := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.OpenBrowser(ctx))
	require.NoError(t, s.Navigate(ctx, "https://example.com"))
	require.NoError(t, s.Search(ctx, "go modules"))
	require.NoError(t, s.GoBack(ctx))
	require.NoError(t, s.GoForward(ctx))
	assert.Len(t, *captured, 5)
}

func TestSession_Capture(t *testing.T) {
	s, _ := newTestSession(t)
	capture, err := s.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "image/png", capture.MimeType)
	assert.Equal(t, 1440, capture.Width)
	assert.Equal(t, 900, capture.Height)
	assert.False(t, capture.TakenAt.IsZero())
}

func TestSession_EmitDropsWhenFull(t *testing.T) {
	s, _ := newTestSession(t)
	for i := 0; i < eventBuffer+5; i++ {
		s.emit(schemas.SessionEvent{Kind: schemas.SessionFrame})
	}
	assert.Len(t, s.Events(), eventBuffer)
}

func TestSearchURL(t *testing.T) {
	assert.Equal(t, "https://www.google.com/search?q=go+modules", searchURL("", "go modules"))
	assert.Equal(t, "https://duckduckgo.com/", searchURL("https://duckduckgo.com/?q=", ""))
	assert.Equal(t, "https://duckduckgo.com/?q=a%26b", searchURL("https://duckduckgo.com/?q=", "a&b"))
}

func TestDevtoolsURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.5:9222", devtoolsURL("10.0.0.5", 9222, ""))
	assert.Equal(t, "ws://pilot:s3cret@[::1]:9222", devtoolsURL("::1", 9222, "s3cret"))
}
