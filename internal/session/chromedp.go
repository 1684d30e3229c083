package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// DefaultUserAgent is presented by the browser unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

const fingerprintScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => false });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
`

// ChromeConfig controls the headless Chrome browser.
type ChromeConfig struct {
	UserAgent        string
	Headless         bool
	ExecPath         string
	WindowWidth      int
	WindowHeight     int
	ChallengeTimeout time.Duration
	ChallengeSettle  time.Duration
}

// ChromeBrowser implements Browser using chromedp.
type ChromeBrowser struct {
	cfg           ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewChromeLauncher returns a Launcher that starts chromedp-backed browsers.
func NewChromeLauncher(cfg ChromeConfig) Launcher {
	return func(ctx context.Context) (Browser, error) {
		return NewChromeBrowser(ctx, cfg)
	}
}

// NewChromeBrowser starts Chrome and opens the first tab.
func NewChromeBrowser(ctx context.Context, cfg ChromeConfig) (*ChromeBrowser, error) {
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &ChromeBrowser{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}

	stop := forwardCancel(ctx, browserCancel)
	defer stop()
	if err := chromedp.Run(browserCtx, b.setupAction()); err != nil {
		b.Close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return b, nil
}

func (c ChromeConfig) withDefaults() ChromeConfig {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1920
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 1080
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 30 * time.Second
	}
	if c.ChallengeSettle <= 0 {
		c.ChallengeSettle = 5 * time.Second
	}
	return c
}

func (b *ChromeBrowser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(fingerprintScript).Do(ctx); err != nil {
			return fmt.Errorf("apply fingerprint: %w", err)
		}
		return nil
	})
}

// Navigate loads url in the session tab and returns the rendered DOM. The
// status is taken from the main document response.
func (b *ChromeBrowser) Navigate(ctx context.Context, url string) (Page, error) {
	taskCtx, cancel := context.WithCancel(b.browserCtx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
	)
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("navigate %s: %w", url, ctxErr)
		}
		return Page{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return Page{URL: responseURL, StatusCode: status, HTML: []byte(html)}, nil
}

// PassChallenge lets the interstitial settle, ticks its verification box
// when one is offered and waits for the real document to load.
func (b *ChromeBrowser) PassChallenge(ctx context.Context) error {
	taskCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.ChallengeTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, chromedp.Sleep(b.cfg.ChallengeSettle)); err != nil {
		return fmt.Errorf("challenge settle: %w", err)
	}

	var boxes int
	if err := chromedp.Run(taskCtx,
		chromedp.Evaluate(`document.querySelectorAll('input[type="checkbox"]').length`, &boxes),
	); err != nil {
		return fmt.Errorf("challenge probe: %w", err)
	}
	if boxes > 0 {
		if err := chromedp.Run(taskCtx,
			chromedp.Click(`input[type="checkbox"]`, chromedp.ByQuery, chromedp.NodeVisible),
			chromedp.Sleep(b.cfg.ChallengeSettle),
		); err != nil {
			return fmt.Errorf("challenge click: %w", err)
		}
	}

	var ready bool
	err := chromedp.Run(taskCtx,
		chromedp.Poll(`document.readyState === "complete"`, &ready, chromedp.WithPollingInterval(500*time.Millisecond)),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("challenge wait: %w", err)
	}
	return nil
}

// Close tears down the tab and the Chrome process.
func (b *ChromeBrowser) Close() {
	b.closeOnce.Do(func() {
		if b.browserCtx != nil {
			if err := chromedp.Cancel(b.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
				b.browserCancel()
			}
		}
		b.browserCancel()
		b.allocCancel()
	})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
