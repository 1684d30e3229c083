package gallery

import (
	"fmt"
	"time"
)

// PDFStatus is the derived-artifact state reported alongside a record.
type PDFStatus string

// PDF status values exposed to API clients.
const (
	PDFUnavailable  PDFStatus = "unavailable"
	PDFNotRequested PDFStatus = "not_requested"
	PDFProcessing   PDFStatus = "processing"
	PDFCompleted    PDFStatus = "completed"
	PDFError        PDFStatus = "error"
)

// JobState is the lifecycle state of one PDF build.
type JobState string

// Job states tracked by the artifact pipeline.
const (
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobError      JobState = "error"
)

// Terminal reports whether no further transition can happen before removal.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// PDFStatus maps a job state onto the status exposed on records.
func (s JobState) PDFStatus() PDFStatus {
	switch s {
	case JobProcessing:
		return PDFProcessing
	case JobCompleted:
		return PDFCompleted
	case JobError:
		return PDFError
	default:
		return PDFNotRequested
	}
}

// Page is a single gallery image.
type Page struct {
	URL             string `json:"url"`
	ThumbnailURL    string `json:"thumbnail,omitempty"`
	CDNURL          string `json:"cdn_url,omitempty"`
	ThumbnailCDNURL string `json:"thumbnail_cdn,omitempty"`
	Width           int    `json:"w,omitempty"`
	Height          int    `json:"h,omitempty"`
}

// Title holds the gallery titles as published upstream.
type Title struct {
	English  string `json:"english,omitempty"`
	Japanese string `json:"japanese,omitempty"`
	Pretty   string `json:"pretty,omitempty"`
}

// Record is the normalized gallery entity. Pages are kept in upstream order;
// that order is the page order of the assembled PDF.
type Record struct {
	ID        int       `json:"id"`
	MediaID   string    `json:"media_id"`
	Title     Title     `json:"title"`
	Tags      []string  `json:"tags"`
	Cover     Page      `json:"cover"`
	Pages     []Page    `json:"pages"`
	PDFStatus PDFStatus `json:"pdf_status,omitempty"`
	PDFURL    string    `json:"pdf_url,omitempty"`
}

// Clone returns a deep copy so that request and worker goroutines never
// share the same slices.
func (r Record) Clone() Record {
	cp := r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Pages != nil {
		cp.Pages = append([]Page(nil), r.Pages...)
	}
	return cp
}

// JobStatus is the asynchronous state of one PDF build.
type JobStatus struct {
	GalleryID   int       `json:"gallery_id"`
	State       JobState  `json:"status"`
	Error       string    `json:"error,omitempty"`
	ResultURL   string    `json:"pdf_url,omitempty"`
	FailedPages []int     `json:"failed_pages,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ArtifactTask is the unit of work handed to the PDF pipeline. The record is
// a private copy owned by the task.
type ArtifactTask struct {
	GalleryID int
	Record    Record
	Submitted time.Time
}

// FetchResult is the raw outcome of loading one URL through the session.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
}

// PDFKey is the deterministic object key of the assembled PDF for a gallery.
func PDFKey(galleryID int) string {
	return fmt.Sprintf("galleries/%d/full.pdf", galleryID)
}

// MirrorKey is the object key an image is mirrored to. The digest is the
// hex hash of the source URL.
func MirrorKey(mediaID, digest string) string {
	return fmt.Sprintf("galleries/%s/%s", mediaID, digest)
}

// GalleryURL builds the upstream gallery page URL.
func GalleryURL(baseURL string, galleryID int) string {
	return fmt.Sprintf("%s/g/%d/", trimSlash(baseURL), galleryID)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
