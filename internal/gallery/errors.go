package gallery

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures on the record read path.
type Kind string

// Failure kinds and the way each one surfaces.
const (
	KindNone                   Kind = ""
	KindInvalidInput           Kind = "invalid_input"
	KindUpstreamChallenge      Kind = "upstream_challenge"
	KindUpstreamNotFound       Kind = "upstream_not_found"
	KindUpstreamOther          Kind = "upstream_other"
	KindExtractionFailure      Kind = "extraction_failure"
	KindSessionRenewalFailure  Kind = "session_renewal_failure"
	KindDerivedArtifactFailure Kind = "derived_artifact_failure"
	KindCacheIOFailure         Kind = "cache_io_failure"
	KindMaxRetries             Kind = "max_retries"
)

// Reasons returned to clients.
const (
	ReasonInvalidID        = "Invalid gallery ID"
	ReasonConnection       = "Failed to establish valid connection"
	ReasonExtraction       = "Failed to extract gallery data"
	ReasonMaxRetries       = "Maximum retries exceeded"
	ReasonResourceNotFound = "Resource not found"
	ReasonTimeout          = "Request timed out"
)

var (
	// ErrNoSession is returned when the session has no live browser.
	ErrNoSession = errors.New("browser session not initialized")
	// ErrNoPayload is returned when a page carries no gallery payload.
	ErrNoPayload = errors.New("gallery payload not found")
)

// Error carries a failure kind together with the HTTP status it maps to.
type Error struct {
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return KindNone
}

// UpstreamKind classifies a non-200 upstream status.
func UpstreamKind(status int) Kind {
	switch status {
	case http.StatusForbidden:
		return KindUpstreamChallenge
	case http.StatusNotFound:
		return KindUpstreamNotFound
	default:
		return KindUpstreamOther
	}
}

// Response is the envelope returned by the Service. Exactly one of Data or
// the status-only fields is populated on success.
type Response struct {
	Status    bool      `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Data      *Record   `json:"data,omitempty"`
	PDFStatus PDFStatus `json:"pdf_status,omitempty"`
	PDFURL    string    `json:"pdf_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      Kind      `json:"-"`
}

func failure(kind Kind, reason string) Response {
	return Response{Status: false, Reason: reason, Kind: kind}
}

func success(record Record) Response {
	return Response{Status: true, Data: &record}
}

func statusResponse(job JobStatus) Response {
	return Response{
		Status:    true,
		PDFStatus: job.State.PDFStatus(),
		PDFURL:    job.ResultURL,
		Error:     job.Error,
	}
}

// ResponseError converts a failed response into an *Error; it returns nil
// for successful responses.
func ResponseError(resp Response, status int) error {
	if resp.Status {
		return nil
	}
	return &Error{Kind: resp.Kind, Status: status, Reason: resp.Reason}
}
