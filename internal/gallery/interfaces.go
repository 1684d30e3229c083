package gallery

import (
	"context"
	"time"
)

// Session is one long-lived browsing context against the target site.
type Session interface {
	// EnsureValid validates the session and renews it when stale or dead.
	EnsureValid(ctx context.Context) bool
	// Renew tears the session down and builds a fresh one.
	Renew(ctx context.Context) bool
	// Fetch loads url through the live session without retrying.
	Fetch(ctx context.Context, url string) (FetchResult, error)
	// LastRenewal reports when the session was last successfully renewed.
	LastRenewal() time.Time
}

// RecordCache is the persistent id -> record store.
type RecordCache interface {
	Get(galleryID int) (Record, bool)
	Set(galleryID int, record Record) bool
}

// Extractor turns a raw gallery page into a Record.
type Extractor interface {
	Extract(raw []byte) (Record, error)
}

// ObjectStore publishes blobs and answers existence checks.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Artifacts tracks and schedules PDF builds.
type Artifacts interface {
	// Status returns the tracked job for galleryID, if any.
	Status(galleryID int) (JobStatus, bool)
	// Submit schedules a build unless one is already tracked and returns the
	// job status that is current after the call.
	Submit(record Record, galleryID int) JobStatus
}

// Hasher computes digests used to derive object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
