// Package browser drives a local Chromium through the DevTools protocol.
package browser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/actuator"
	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const (
	maxDOMText     = 20000
	maxLogBuffer   = 200
	maxFrames      = 600
	frameQuality   = 60
	defaultScrollY = 600
	viewportWidth  = 1280
	viewportHeight = 800
)

type Launcher struct {
	execPath      string
	userAgent     string
	actionTimeout time.Duration
	logger        *slog.Logger
}

type Option func(*Launcher)

func WithExecPath(path string) Option {
	return func(l *Launcher) { l.execPath = path }
}

func WithUserAgent(userAgent string) Option {
	return func(l *Launcher) { l.userAgent = userAgent }
}

func WithActionTimeout(timeout time.Duration) Option {
	return func(l *Launcher) {
		if timeout > 0 {
			l.actionTimeout = timeout
		}
	}
}

func NewLauncher(logger *slog.Logger, opts ...Option) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{actionTimeout: 30 * time.Second, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Launcher) Open(ctx context.Context, opts actuator.SessionOptions) (actuator.Session, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Browser)) {
	case "", "chromium", "chrome":
	default:
		l.logger.Warn("browser not supported by devtools launcher, using chromium", "run_id", opts.RunID, "browser", opts.Browser)
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	if l.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.execPath))
	}
	if l.userAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(l.userAgent))
	}

	// The browser outlives the request that opened it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	session := &Session{
		browserCtx:    browserCtx,
		cancel:        func() { browserCancel(); allocCancel() },
		actionTimeout: l.actionTimeout,
		sanitizer:     bluemonday.StrictPolicy(),
	}
	chromedp.ListenTarget(browserCtx, session.onEvent)

	startCtx, cancelStart := context.WithTimeout(browserCtx, l.actionTimeout)
	defer cancelStart()
	stop := context.AfterFunc(ctx, cancelStart)
	defer stop()
	if err := chromedp.Run(startCtx,
		network.Enable(),
		runtime.Enable(),
		page.StartScreencast().WithFormat(page.ScreencastFormatJpeg).WithQuality(frameQuality),
	); err != nil {
		session.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return session, nil
}

type Session struct {
	browserCtx    context.Context
	cancel        context.CancelFunc
	actionTimeout time.Duration
	sanitizer     *bluemonday.Policy

	mu      sync.Mutex
	logs    []actuator.LogLine
	frames  [][]byte
	cursorX int
	cursorY int
	closed  bool
}

func (s *Session) onEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if len(arg.Value) > 0 {
				parts = append(parts, strings.Trim(string(arg.Value), `"`))
			} else if arg.Description != "" {
				parts = append(parts, arg.Description)
			}
		}
		s.appendLog(string(e.Type), strings.Join(parts, " "))
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			s.appendLog("error", e.ExceptionDetails.Text)
		}
	case *network.EventLoadingFailed:
		s.appendLog("network", fmt.Sprintf("%s %s", e.Type, e.ErrorText))
	case *network.EventResponseReceived:
		if e.Response != nil && e.Response.Status >= 400 {
			s.appendLog("network", fmt.Sprintf("%d %s", int(e.Response.Status), e.Response.URL))
		}
	case *page.EventScreencastFrame:
		if err := s.appendFrame(e.Data); err != nil {
			s.appendLog("recording", err.Error())
		}
		// Chromium stops sending frames until the last one is acknowledged.
		go func() { _ = chromedp.Run(s.browserCtx, page.ScreencastFrameAck(e.SessionID)) }()
	}
}

func (s *Session) appendFrame(encoded string) error {
	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode screencast frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if len(s.frames) >= maxFrames {
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, frame)
	return nil
}

// Recording joins the captured screencast frames into a motion JPEG stream.
func (s *Session) Recording() (actuator.Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return actuator.Recording{}, false
	}
	return actuator.Recording{Data: bytes.Join(s.frames, nil), Extension: "mjpeg"}, true
}

func (s *Session) appendLog(level string, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) >= maxLogBuffer {
		s.logs = s.logs[1:]
	}
	s.logs = append(s.logs, actuator.LogLine{Level: level, Message: message, At: time.Now().UTC()})
}

func (s *Session) drainLogs() []actuator.LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.logs
	s.logs = nil
	return logs
}

func (s *Session) Do(ctx context.Context, action store.Action) (actuator.Observation, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return actuator.Observation{}, actuator.ErrSessionClosed
	}

	actionCtx, cancel := context.WithTimeout(s.browserCtx, s.actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	tasks, err := s.tasksFor(action)
	if err != nil {
		return actuator.Observation{}, err
	}
	if err := chromedp.Run(actionCtx, tasks); err != nil {
		return actuator.Observation{Logs: s.drainLogs()}, fmt.Errorf("%s: %w", action.Kind, err)
	}
	obs, err := s.observe(actionCtx)
	obs.Logs = s.drainLogs()
	return obs, err
}

func (s *Session) tasksFor(action store.Action) (chromedp.Tasks, error) {
	switch action.Kind {
	case store.ActionNavigate:
		if action.URL == "" {
			return nil, fmt.Errorf("navigate requires a url")
		}
		return chromedp.Tasks{chromedp.Navigate(action.URL), chromedp.WaitReady("body", chromedp.ByQuery)}, nil
	case store.ActionClick:
		if action.Selector == "" {
			return nil, fmt.Errorf("click requires a selector")
		}
		return chromedp.Tasks{
			chromedp.WaitVisible(action.Selector, chromedp.ByQuery),
			s.trackCursor(action.Selector),
			chromedp.Click(action.Selector, chromedp.ByQuery),
		}, nil
	case store.ActionType:
		if action.Selector == "" {
			return nil, fmt.Errorf("type requires a selector")
		}
		return chromedp.Tasks{
			chromedp.WaitVisible(action.Selector, chromedp.ByQuery),
			s.trackCursor(action.Selector),
			chromedp.SendKeys(action.Selector, action.Text, chromedp.ByQuery),
		}, nil
	case store.ActionScroll:
		if action.Selector != "" {
			return chromedp.Tasks{chromedp.ScrollIntoView(action.Selector, chromedp.ByQuery)}, nil
		}
		distance := defaultScrollY
		if parsed, err := strconv.Atoi(strings.TrimSpace(action.Text)); err == nil {
			distance = parsed
		}
		return chromedp.Tasks{chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", distance), nil)}, nil
	case store.ActionWait:
		if action.Selector != "" {
			return chromedp.Tasks{chromedp.WaitVisible(action.Selector, chromedp.ByQuery)}, nil
		}
		wait := time.Second
		if parsed, err := time.ParseDuration(strings.TrimSpace(action.Text)); err == nil && parsed > 0 {
			wait = parsed
		}
		return chromedp.Tasks{chromedp.Sleep(wait)}, nil
	case store.ActionBack:
		return chromedp.Tasks{chromedp.NavigateBack(), chromedp.WaitReady("body", chromedp.ByQuery)}, nil
	case store.ActionReload:
		return chromedp.Tasks{chromedp.Reload(), chromedp.WaitReady("body", chromedp.ByQuery)}, nil
	case store.ActionSnapshot, store.ActionExtract:
		return chromedp.Tasks{}, nil
	}
	return nil, fmt.Errorf("%w: %s", actuator.ErrUnsupportedAction, action.Kind)
}

func (s *Session) trackCursor(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		quoted, err := json.Marshal(selector)
		if err != nil {
			return err
		}
		var center []float64
		script := fmt.Sprintf(`(() => { const r = document.querySelector(%s).getBoundingClientRect(); return [r.x + r.width / 2, r.y + r.height / 2]; })()`, quoted)
		if err := chromedp.Evaluate(script, &center).Do(ctx); err != nil {
			return err
		}
		if len(center) == 2 {
			s.mu.Lock()
			s.cursorX, s.cursorY = int(center[0]), int(center[1])
			s.mu.Unlock()
		}
		return nil
	})
}

func (s *Session) observe(ctx context.Context) (actuator.Observation, error) {
	var (
		location   string
		title      string
		html       string
		screenshot []byte
		viewport   []int
	)
	if err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(`[window.innerWidth, window.innerHeight]`, &viewport),
		chromedp.CaptureScreenshot(&screenshot),
	); err != nil {
		return actuator.Observation{}, fmt.Errorf("observe page: %w", err)
	}
	obs := actuator.Observation{
		URL:        location,
		Title:      title,
		HTML:       html,
		DOMText:    s.pageText(location, html),
		Screenshot: screenshot,
	}
	if len(viewport) == 2 {
		obs.ViewportWidth, obs.ViewportHeight = viewport[0], viewport[1]
	}
	s.mu.Lock()
	obs.CursorX, obs.CursorY = s.cursorX, s.cursorY
	s.mu.Unlock()
	return obs, nil
}

var whitespace = regexp.MustCompile(`\s+`)

// pageText prefers the readable article body and falls back to the whole
// document stripped of markup.
func (s *Session) pageText(location string, html string) string {
	text := ""
	if parsed, err := url.Parse(location); err == nil {
		if article, err := readability.FromReader(strings.NewReader(html), parsed); err == nil {
			text = strings.TrimSpace(article.TextContent)
		}
	}
	if text == "" {
		text = s.sanitizer.Sanitize(html)
	}
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	return truncate(text, maxDOMText)
}

// truncate cuts text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}
