// Package session owns the long-lived browser session used to reach the
// target site, detecting bot challenges and renewing the session on demand.
package session

import (
	"bytes"
	"context"
	"net/http"
)

// Page is a document loaded by a Browser.
type Page struct {
	URL        string
	StatusCode int
	HTML       []byte
}

// Browser is one live browsing context. Implementations are not safe for
// concurrent use; the Manager serializes access.
type Browser interface {
	// Navigate loads url and returns the rendered document.
	Navigate(ctx context.Context, url string) (Page, error)
	// PassChallenge runs the scripted pass-through for an anti-bot challenge
	// currently displayed in the browser.
	PassChallenge(ctx context.Context) error
	// Close releases the browser and every resource attached to it.
	Close()
}

// Launcher starts a fresh Browser.
type Launcher func(ctx context.Context) (Browser, error)

var challengeMarkers = [][]byte{
	[]byte("id=\"challenge-form\""),
	[]byte("challenge-platform"),
	[]byte("cf_chl_opt"),
	[]byte("cf-browser-verification"),
	[]byte("<title>just a moment...</title>"),
}

// IsChallenge reports whether page is an anti-automation interstitial rather
// than the requested document.
func IsChallenge(page Page) bool {
	if len(page.HTML) == 0 {
		return false
	}
	lower := bytes.ToLower(page.HTML)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func statusOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
