package indexing

import (
	"context"
	"io"
	"time"
)

// EntryStore persists submission entries and serves history queries.
type EntryStore interface {
	PutEntry(ctx context.Context, entry SubmissionEntry) error
	UpdateEntry(ctx context.Context, entry SubmissionEntry) error
	GetEntry(ctx context.Context, id string) (SubmissionEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]SubmissionEntry, int, error)
	// ListSubmittedBefore returns entries still in submitted status whose last
	// check (or submission) predates cutoff, oldest first.
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]SubmissionEntry, error)
	// ListRateLimitedBefore returns rate limited entries with fewer than
	// maxRetries attempts whose last touch predates cutoff, oldest first.
	ListRateLimitedBefore(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]SubmissionEntry, error)
	// PruneBefore deletes up to limit entries created before cutoff and
	// returns the deleted rows so callers can archive them.
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) ([]SubmissionEntry, error)
}

// QuotaStore provides the atomic check-and-reserve primitive. Reserve must
// increment counters if and only if the admission predicate holds, as a
// single conditional update against the backing store, so concurrent
// submissions for the same (user, property, day) cannot overrun the limit.
type QuotaStore interface {
	// EnsureQuota creates the day's record with the given limits if absent
	// and returns the current record either way.
	EnsureQuota(ctx context.Context, userID, property, day string, limit, reserve int) (QuotaRecord, error)
	// Reserve admits count units for the priority or returns
	// *QuotaExceededError carrying the remaining capacity.
	Reserve(ctx context.Context, userID, property, day string, p Priority, count int) (QuotaRecord, error)
	// Release returns unused units from an earlier reservation.
	Release(ctx context.Context, userID, property, day string, p Priority, count int) error
}

// CredentialStore persists per-user OAuth token material.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (Credential, error)
	PutCredential(ctx context.Context, cred Credential) error
	// DeleteCredential is idempotent; deleting a missing credential is a no-op.
	DeleteCredential(ctx context.Context, userID string) error
}

// PropertyStore caches verified Search Console properties per user.
type PropertyStore interface {
	PutProperties(ctx context.Context, userID string, props []Property) error
	ListProperties(ctx context.Context, userID string) ([]Property, error)
}

// SitemapStore tracks registered sitemaps and the URLs last seen in each.
type SitemapStore interface {
	PutSitemap(ctx context.Context, sm Sitemap) error
	GetSitemap(ctx context.Context, id string) (Sitemap, error)
	ListSitemaps(ctx context.Context, autoSyncOnly bool) ([]Sitemap, error)
	GetSitemapURLs(ctx context.Context, sitemapID string) ([]string, error)
	PutSitemapURLs(ctx context.Context, sitemapID string, urls []string) error
}

// JobStateStore persists per-job last-run timestamps so a restart does not
// double-run a scheduler window or skip a day.
type JobStateStore interface {
	GetJobLastRun(ctx context.Context, job string) (time.Time, error)
	PutJobLastRun(ctx context.Context, job string, at time.Time) error
}

// Publisher pushes submission events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes archive artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Submitter turns an ordered list of notifications into per-URL outcomes.
// Output order matches input order.
type Submitter interface {
	Submit(ctx context.Context, notes []Notification, cred Credential) ([]Outcome, error)
}

// CredentialProvider yields a valid credential for a user, refreshing or
// falling back to the service account as configured.
type CredentialProvider interface {
	EnsureValid(ctx context.Context, userID string) (Credential, error)
}

// IndexStateChecker queries the provider for confirmed-indexed state.
type IndexStateChecker interface {
	CheckIndexed(ctx context.Context, cred Credential, property, url string) (bool, error)
}

// RetryPolicy decides chunk-level retry behavior.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entry IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
