// Package cdp drives a Chrome tab over the DevTools protocol as the remote
// surface the agent operates.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

const eventBuffer = 32

// ErrNotConnected is returned by every primitive before Connect succeeds.
var ErrNotConnected = errors.New("cdp: session not connected")

// Session is a schemas.RemoteSession backed by chromedp.
type Session struct {
	cfg    config.RemoteConfig
	logger *zap.Logger

	mu          sync.Mutex
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	x, y        int
	buttons     schemas.ButtonMask
	modifiers   int64

	// run executes actions against the tab; swapped out in tests.
	run    func(ctx context.Context, actions ...chromedp.Action) error
	events chan schemas.SessionEvent
}

// NewSession creates an unconnected session.
func NewSession(cfg config.RemoteConfig, logger *zap.Logger) *Session {
	s := &Session{
		cfg:    cfg,
		logger: logger.Named("cdp_session"),
		events: make(chan schemas.SessionEvent, eventBuffer),
	}
	s.run = s.runActions
	return s
}

// Connect attaches to a DevTools endpoint at host:port, or launches a local
// browser when host is empty. A non-empty credential is sent as the basic
// auth password when discovering the remote endpoint.
func (s *Session) Connect(ctx context.Context, host string, port int, credentials string) error {
	s.mu.Lock()
	if s.tabCtx != nil {
		s.mu.Unlock()
		return fmt.Errorf("cdp: session already connected")
	}
	s.mu.Unlock()

	// The browser outlives the call that connects it.
	parent := context.WithoutCancel(ctx)

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	detail := "local browser"
	if host != "" {
		endpoint := devtoolsURL(host, port, credentials)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(parent, endpoint)
		detail = net.JoinHostPort(host, strconv.Itoa(port))
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(parent, s.allocatorOptions()...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(s.logger.Sugar().Debugf),
		chromedp.WithErrorf(s.logger.Sugar().Warnf),
	)

	s.listen(tabCtx)

	// The first Run allocates the browser; it must use the tab context itself.
	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(s.cfg.Width), int64(s.cfg.Height))); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("%w: connecting to %s: %w", schemas.ErrTransport, detail, err)
	}

	s.mu.Lock()
	s.tabCtx, s.tabCancel, s.allocCancel = tabCtx, tabCancel, allocCancel
	s.mu.Unlock()

	s.logger.Info("Remote session connected.", zap.String("endpoint", detail),
		zap.Int("width", s.cfg.Width), zap.Int("height", s.cfg.Height))
	s.emit(schemas.SessionEvent{Kind: schemas.SessionConnected, Detail: detail})
	return nil
}

func devtoolsURL(host string, port int, credentials string) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	if credentials != "" {
		u.User = url.UserPassword("pilot", credentials)
	}
	return u.String()
}

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.WindowSize(s.cfg.Width, s.cfg.Height),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	return opts
}

// listen turns target lifecycle events into session events.
func (s *Session) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *inspector.EventDetached:
			s.emit(schemas.SessionEvent{Kind: schemas.SessionDisconnected, Detail: string(e.Reason)})
		case *inspector.EventTargetCrashed:
			s.emit(schemas.SessionEvent{Kind: schemas.SessionError, Detail: "target crashed", Err: errors.New("target crashed")})
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				s.emit(schemas.SessionEvent{Kind: schemas.SessionFrame, Detail: e.Frame.URL})
			}
		}
	})
}

// emit never blocks; ListenTarget callbacks run on the chromedp event loop.
func (s *Session) emit(ev schemas.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Session event dropped; consumer is behind.", zap.String("kind", string(ev.Kind)))
	}
}

// Disconnect closes the tab and the browser. It is safe to call twice.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	tabCtx, tabCancel, allocCancel := s.tabCtx, s.tabCancel, s.allocCancel
	s.tabCtx, s.tabCancel, s.allocCancel = nil, nil, nil
	s.buttons, s.modifiers = 0, 0
	s.mu.Unlock()

	if tabCtx == nil {
		return nil
	}
	err := chromedp.Cancel(tabCtx)
	tabCancel()
	allocCancel()
	s.emit(schemas.SessionEvent{Kind: schemas.SessionDisconnected, Detail: "closed by client"})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cdp: closing browser: %w", err)
	}
	return nil
}

// Events reports connect, disconnect, error and top-level navigation events.
func (s *Session) Events() <-chan schemas.SessionEvent { return s.events }

// runActions runs actions on the tab, bounded by the caller's ctx.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	tab := s.tabCtx
	s.mu.Unlock()
	if tab == nil {
		return ErrNotConnected
	}

	opCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// SurfaceSize reports the emulated viewport.
func (s *Session) SurfaceSize() (int, int) { return s.cfg.Width, s.cfg.Height }

// PointerMove moves the pointer, carrying any held buttons.
func (s *Session) PointerMove(ctx context.Context, x, y int) error {
	s.mu.Lock()
	s.x, s.y = x, y
	held := s.buttons
	s.mu.Unlock()

	ev := input.DispatchMouseEvent(input.MouseMoved, float64(x), float64(y)).WithButtons(domButtons(held))
	if held&schemas.ButtonLeft != 0 {
		ev = ev.WithButton(input.Left)
	}
	return s.run(ctx, ev)
}

// PointerButton sets the button mask at the current pointer position.
func (s *Session) PointerButton(ctx context.Context, mask schemas.ButtonMask) error {
	s.mu.Lock()
	prev := s.buttons
	x, y := float64(s.x), float64(s.y)
	s.buttons = heldButtons(mask)
	s.mu.Unlock()

	events := buttonTransitions(prev, mask, x, y)
	if len(events) == 0 {
		return nil
	}
	actions := make([]chromedp.Action, len(events))
	for i, e := range events {
		actions[i] = e
	}
	return s.run(ctx, actions...)
}

// KeyEvent presses or releases the key for keysym.
func (s *Session) KeyEvent(ctx context.Context, keysym uint32, pressed bool) error {
	def, ok := keyDefinition(keysym)
	if !ok {
		return fmt.Errorf("cdp: no key mapping for keysym %#x", keysym)
	}
	s.mu.Lock()
	if def.modifier != 0 {
		if pressed {
			s.modifiers |= int64(def.modifier)
		} else {
			s.modifiers &^= int64(def.modifier)
		}
	}
	mods := input.Modifier(s.modifiers)
	s.mu.Unlock()
	return s.run(ctx, keyEventParams(def, pressed, mods))
}

// Capture grabs a PNG of the viewport.
func (s *Session) Capture(ctx context.Context) (*schemas.Capture, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("cdp: capture: %w", err)
	}
	return &schemas.Capture{
		Data:     buf,
		MimeType: "image/png",
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
		TakenAt:  time.Now().UTC(),
	}, nil
}

// OpenBrowser brings the tab to the configured home page.
func (s *Session) OpenBrowser(ctx context.Context) error {
	home := s.cfg.HomePage
	if home == "" {
		home = "about:blank"
	}
	return s.run(ctx, chromedp.Navigate(home))
}

func (s *Session) Navigate(ctx context.Context, target string) error {
	return s.run(ctx, chromedp.Navigate(target))
}

// Search opens the configured search engine, with results when query is set.
func (s *Session) Search(ctx context.Context, query string) error {
	return s.run(ctx, chromedp.Navigate(searchURL(s.cfg.SearchURL, query)))
}

func searchURL(base, query string) string {
	if base == "" {
		base = "https://www.google.com/search?q="
	}
	if query != "" {
		return base + url.QueryEscape(query)
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Scheme + "://" + u.Host + "/"
}

func (s *Session) GoBack(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateBack())
}

func (s *Session) GoForward(ctx context.Context) error {
	return s.run(ctx, chromedp.NavigateForward())
}

var _ schemas.RemoteSession = (*Session)(nil)
