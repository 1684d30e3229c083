package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-proxy/internal/gallery"
)

const (
	targetURL     = "https://gallery.test"
	challengeHTML = `<html><head><title>Just a moment...</title></head><body><form id="challenge-form"></form></body></html>`
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBrowser struct {
	mu         sync.Mutex
	pages      map[string][]Page
	fallback   Page
	navigated  []string
	challenges int
	closed     bool
	navErr     error
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages:    make(map[string][]Page),
		fallback: Page{StatusCode: http.StatusOK, HTML: []byte("<html><body>ok</body></html>")},
	}
}

// queue registers responses returned in order for url; the last one repeats.
func (b *fakeBrowser) queue(url string, pages ...Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = append(b.pages[url], pages...)
}

func (b *fakeBrowser) Navigate(_ context.Context, url string) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	if b.navErr != nil {
		return Page{}, b.navErr
	}
	queued := b.pages[url]
	if len(queued) == 0 {
		p := b.fallback
		p.URL = url
		return p, nil
	}
	p := queued[0]
	if len(queued) > 1 {
		b.pages[url] = queued[1:]
	}
	if p.URL == "" {
		p.URL = url
	}
	return p, nil
}

func (b *fakeBrowser) PassChallenge(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.challenges++
	return nil
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type launchRecorder struct {
	mu       sync.Mutex
	calls    int
	browsers []*fakeBrowser
	next     func(call int) (Browser, error)
}

func (l *launchRecorder) launch(context.Context) (Browser, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	next := l.next
	l.mu.Unlock()
	if next != nil {
		return next(call)
	}
	b := newFakeBrowser()
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *launchRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return nil
}

func newTestManager(launch Launcher, clock gallery.Clock, sleeper *sleepRecorder) *Manager {
	return NewManager(Config{BaseURL: targetURL}, launch, clock, zap.NewNop(), WithSleeper(sleeper.sleep))
}

func TestRenewRetriesWithIncreasingBackoff(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{next: func(int) (Browser, error) {
		return nil, errors.New("chrome unavailable")
	}}
	sleeper := &sleepRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), sleeper)

	require.False(t, mgr.Renew(context.Background()))
	require.Equal(t, 3, launcher.count())
	require.Len(t, sleeper.sleeps, 2)
	for i := 1; i < len(sleeper.sleeps); i++ {
		require.Greater(t, sleeper.sleeps[i], sleeper.sleeps[i-1])
	}
	require.True(t, mgr.LastRenewal().IsZero())
}

func TestRenewClearsFlagAfterPanic(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	launcher.next = func(call int) (Browser, error) {
		if call <= 3 {
			panic("browser crashed")
		}
		return newFakeBrowser(), nil
	}
	clock := newFakeClock()
	mgr := newTestManager(launcher.launch, clock, &sleepRecorder{})

	require.False(t, mgr.Renew(context.Background()))
	mgr.mu.Lock()
	renewing := mgr.renewing
	mgr.mu.Unlock()
	require.False(t, renewing)

	require.True(t, mgr.Renew(context.Background()))
	require.Equal(t, clock.Now(), mgr.LastRenewal())
}

func TestRenewPassesChallenge(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser()
	browser.queue(targetURL,
		Page{StatusCode: http.StatusForbidden, HTML: []byte(challengeHTML)},
		Page{StatusCode: http.StatusOK, HTML: []byte("<html><body>home</body></html>")},
	)
	launcher := &launchRecorder{next: func(int) (Browser, error) { return browser, nil }}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})

	require.True(t, mgr.Renew(context.Background()))
	require.Equal(t, 1, browser.challenges)
	require.Equal(t, []string{targetURL, targetURL}, browser.navigated)
}

func TestRenewFailsWhenChallengePersists(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{next: func(int) (Browser, error) {
		b := newFakeBrowser()
		b.queue(targetURL, Page{StatusCode: http.StatusOK, HTML: []byte(challengeHTML)})
		return b, nil
	}}
	sleeper := &sleepRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), sleeper)

	require.False(t, mgr.Renew(context.Background()))
	require.Equal(t, 3, launcher.count())
}

func TestRenewReplacesBrowser(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})

	require.True(t, mgr.Renew(context.Background()))
	require.True(t, mgr.Renew(context.Background()))
	require.Len(t, launcher.browsers, 2)
	require.True(t, launcher.browsers[0].closed)
	require.False(t, launcher.browsers[1].closed)
}

func TestEnsureValidRenewsWhenStale(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	clock := newFakeClock()
	mgr := newTestManager(launcher.launch, clock, &sleepRecorder{})

	require.True(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 1, launcher.count())

	clock.Advance(10 * time.Second)
	require.True(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 1, launcher.count(), "fresh session should only be probed")

	clock.Advance(31 * time.Second)
	require.True(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 2, launcher.count())
}

func TestEnsureValidRenewsOnFailedProbe(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})
	require.True(t, mgr.Renew(context.Background()))

	launcher.browsers[0].queue(targetURL, Page{StatusCode: http.StatusServiceUnavailable})
	require.True(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 2, launcher.count())
}

func TestEnsureValidWaitsForRenewalInProgress(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	mgr := NewManager(Config{BaseURL: targetURL, RenewingWait: 20 * time.Millisecond},
		launcher.launch, newFakeClock(), zap.NewNop())

	mgr.mu.Lock()
	mgr.renewing = true
	mgr.renewed = make(chan struct{})
	mgr.mu.Unlock()

	start := time.Now()
	require.True(t, mgr.EnsureValid(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Zero(t, launcher.count())
}

func TestConcurrentRenewSharesResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	launcher := &launchRecorder{}
	launcher.next = func(int) (Browser, error) {
		<-release
		return newFakeBrowser(), nil
	}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})

	results := make(chan bool, 2)
	go func() { results <- mgr.Renew(context.Background()) }()
	require.Eventually(t, func() bool { return launcher.count() == 1 }, time.Second, 5*time.Millisecond)
	go func() { results <- mgr.Renew(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	close(release)
	require.True(t, <-results)
	require.True(t, <-results)
	require.Equal(t, 1, launcher.count())
}

func TestFetchWithoutSession(t *testing.T) {
	t.Parallel()

	mgr := newTestManager((&launchRecorder{}).launch, newFakeClock(), &sleepRecorder{})
	_, err := mgr.Fetch(context.Background(), targetURL+"/g/1/")
	require.ErrorIs(t, err, gallery.ErrNoSession)
}

func TestFetchReportsStatus(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})
	require.True(t, mgr.Renew(context.Background()))
	browser := launcher.browsers[0]

	missing := targetURL + "/g/404/"
	browser.queue(missing, Page{StatusCode: http.StatusNotFound, HTML: []byte("<html>missing</html>")})
	res, err := mgr.Fetch(context.Background(), missing)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	challenged := targetURL + "/g/2/"
	browser.queue(challenged, Page{StatusCode: http.StatusOK, HTML: []byte(challengeHTML)})
	res, err = mgr.Fetch(context.Background(), challenged)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	ok := targetURL + "/g/3/"
	res, err = mgr.Fetch(context.Background(), ok)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, ok, res.URL)
}

func TestFetchSurfacesBrowserErrors(t *testing.T) {
	t.Parallel()

	launcher := &launchRecorder{}
	mgr := newTestManager(launcher.launch, newFakeClock(), &sleepRecorder{})
	require.True(t, mgr.Renew(context.Background()))

	boom := errors.New("target closed")
	launcher.browsers[0].mu.Lock()
	launcher.browsers[0].navErr = boom
	launcher.browsers[0].mu.Unlock()

	_, err := mgr.Fetch(context.Background(), targetURL+"/g/5/")
	require.ErrorIs(t, err, boom)
}

func TestIsChallenge(t *testing.T) {
	t.Parallel()

	require.True(t, IsChallenge(Page{HTML: []byte(challengeHTML)}))
	require.True(t, IsChallenge(Page{HTML: []byte(`<script src="/cdn-cgi/challenge-platform/x.js"></script>`)}))
	require.False(t, IsChallenge(Page{HTML: []byte("<html><body>gallery</body></html>")}))
	require.False(t, IsChallenge(Page{}))
}
