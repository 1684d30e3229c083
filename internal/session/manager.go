package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
	"github.com/JakeFAU/gallery-proxy/internal/metrics"
)

// Config controls renewal policy and per-operation timeouts.
type Config struct {
	BaseURL          string
	RenewalInterval  time.Duration
	MaxRetries       int
	RenewingWait     time.Duration
	BackoffBase      time.Duration
	ProbeTimeout     time.Duration
	FetchTimeout     time.Duration
	ChallengeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RenewingWait <= 0 {
		c.RenewingWait = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 30 * time.Second
	}
	return c
}

// Manager owns the single browser session. mu guards the renewal state;
// handleMu guards the browser handle, which is replaced wholesale on renewal.
type Manager struct {
	cfg    Config
	launch Launcher
	clock  gallery.Clock
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	renewing    bool
	renewed     chan struct{}
	lastRenewal time.Time
	lastResult  bool

	handleMu sync.Mutex
	browser  Browser
}

// Option customises a Manager.
type Option func(*Manager)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewManager constructs a Manager. The browser is launched lazily by the
// first EnsureValid or Renew call.
func NewManager(cfg Config, launch Launcher, clock gallery.Clock, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg.withDefaults(),
		launch: launch,
		clock:  clock,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValid reports whether the session can be used. A renewal already in
// flight is awaited for at most RenewingWait and then assumed good.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	m.mu.Lock()
	if m.renewing {
		done := m.renewed
		m.mu.Unlock()
		m.logger.Debug("session renewal in progress, waiting")
		m.wait(ctx, done, m.cfg.RenewingWait)
		return true
	}
	stale := m.clock.Now().Sub(m.lastRenewal) > m.cfg.RenewalInterval
	m.mu.Unlock()

	if stale {
		m.logger.Info("session renewal interval elapsed")
		return m.Renew(ctx)
	}
	if m.probe(ctx) {
		return true
	}
	m.logger.Warn("session probe failed, renewing")
	return m.Renew(ctx)
}

// Renew replaces the browser session, retrying with exponential backoff.
// Concurrent callers wait for the renewal in flight and share its result.
func (m *Manager) Renew(ctx context.Context) bool {
	m.mu.Lock()
	if m.renewing {
		done := m.renewed
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.lastResult
	}
	m.renewing = true
	done := make(chan struct{})
	m.renewed = done
	m.mu.Unlock()

	start := time.Now()
	ok := false
	defer func() {
		m.mu.Lock()
		m.renewing = false
		m.lastResult = ok
		if ok {
			m.lastRenewal = m.clock.Now()
		}
		close(done)
		m.mu.Unlock()
		metrics.ObserveRenewal(ok, time.Since(start))
	}()

	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		err := m.renewOnce(ctx)
		if err == nil {
			ok = true
			m.logger.Info("session renewed", zap.Int("attempt", attempt+1))
			return true
		}
		m.logger.Warn("session renewal attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", m.cfg.MaxRetries),
			zap.Error(err),
		)
		if attempt == m.cfg.MaxRetries-1 {
			break
		}
		backoff := m.cfg.BackoffBase * time.Duration(1<<attempt)
		if err := m.sleep(ctx, backoff); err != nil {
			m.logger.Warn("session renewal aborted", zap.Error(err))
			return false
		}
	}
	m.logger.Error("session renewal failed", zap.Int("attempts", m.cfg.MaxRetries))
	return false
}

// renewOnce tears down the current browser and builds a new one that has
// loaded the target root, passing a challenge when one is served.
func (m *Manager) renewOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session renewal panic: %v", r)
		}
	}()

	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.launch == nil {
		return errors.New("no browser launcher configured")
	}

	browser, err := m.launch(ctx)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	if err := m.loadTarget(ctx, browser); err != nil {
		browser.Close()
		return err
	}
	m.browser = browser
	return nil
}

func (m *Manager) loadTarget(ctx context.Context, browser Browser) error {
	navCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()
	page, err := browser.Navigate(navCtx, m.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	if IsChallenge(page) || page.StatusCode == http.StatusForbidden {
		m.logger.Info("challenge detected during renewal")
		chCtx, chCancel := context.WithTimeout(ctx, m.cfg.ChallengeTimeout)
		defer chCancel()
		if err := browser.PassChallenge(chCtx); err != nil {
			return fmt.Errorf("pass challenge: %w", err)
		}
		page, err = browser.Navigate(chCtx, m.cfg.BaseURL)
		if err != nil {
			return fmt.Errorf("reload target: %w", err)
		}
		if IsChallenge(page) {
			return errors.New("challenge still present after pass-through")
		}
	}
	if !statusOK(page.StatusCode) {
		return fmt.Errorf("target returned status %d", page.StatusCode)
	}
	return nil
}

// Fetch loads url through the live session. A challenge served with a
// success status is reported as 403.
func (m *Manager) Fetch(ctx context.Context, url string) (gallery.FetchResult, error) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	if m.browser == nil {
		return gallery.FetchResult{URL: url}, gallery.ErrNoSession
	}
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	page, err := m.browser.Navigate(fetchCtx, url)
	if err != nil {
		return gallery.FetchResult{URL: url}, fmt.Errorf("fetch %s: %w", url, err)
	}
	status := page.StatusCode
	if statusOK(status) && IsChallenge(page) {
		status = http.StatusForbidden
	}
	metrics.ObserveUpstream(status)
	if page.URL == "" {
		page.URL = url
	}
	return gallery.FetchResult{URL: page.URL, StatusCode: status, Body: page.HTML}, nil
}

// LastRenewal returns the time of the last successful renewal.
func (m *Manager) LastRenewal() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRenewal
}

// Close releases the browser.
func (m *Manager) Close() {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
}

func (m *Manager) probe(ctx context.Context) bool {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	if m.browser == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	page, err := m.browser.Navigate(probeCtx, m.cfg.BaseURL)
	if err != nil {
		m.logger.Debug("session probe error", zap.Error(err))
		return false
	}
	return statusOK(page.StatusCode) && !IsChallenge(page)
}

func (m *Manager) wait(ctx context.Context, done <-chan struct{}, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ gallery.Session = (*Manager)(nil)
