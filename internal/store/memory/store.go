// Package memory provides an in-memory document store for development and
// testing. The quota reserve is made atomic under the store mutex, matching
// the conditional-update semantics of the Postgres implementation.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/searchlight/indexer/internal/indexing"
)

// ErrNotFound is returned when a keyed document does not exist.
var ErrNotFound = errors.New("not found")

type quotaKey struct {
	userID   string
	property string
	day      string
}

// Store implements the indexing store interfaces with maps and a mutex.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]indexing.SubmissionEntry
	quotas      map[quotaKey]indexing.QuotaRecord
	credentials map[string]indexing.Credential
	properties  map[string][]indexing.Property
	sitemaps    map[string]indexing.Sitemap
	sitemapURLs map[string][]string
	jobRuns     map[string]time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries:     make(map[string]indexing.SubmissionEntry),
		quotas:      make(map[quotaKey]indexing.QuotaRecord),
		credentials: make(map[string]indexing.Credential),
		properties:  make(map[string][]indexing.Property),
		sitemaps:    make(map[string]indexing.Sitemap),
		sitemapURLs: make(map[string][]string),
		jobRuns:     make(map[string]time.Time),
	}
}

// PutEntry stores a new submission entry.
func (s *Store) PutEntry(_ context.Context, entry indexing.SubmissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return errors.New("entry already exists")
	}
	s.entries[entry.ID] = entry
	return nil
}

// UpdateEntry replaces an existing entry.
func (s *Store) UpdateEntry(_ context.Context, entry indexing.SubmissionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return ErrNotFound
	}
	s.entries[entry.ID] = entry
	return nil
}

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(_ context.Context, id string) (indexing.SubmissionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return indexing.SubmissionEntry{}, ErrNotFound
	}
	return entry, nil
}

// ListEntries returns a page of entries matching the filter, newest first,
// plus the total match count.
func (s *Store) ListEntries(_ context.Context, filter indexing.EntryFilter) ([]indexing.SubmissionEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []indexing.SubmissionEntry
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Domain != "" && !strings.EqualFold(e.Domain, filter.Domain) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page, size := filter.Page, filter.PageSize
	if size <= 0 {
		return matched, total, nil
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return []indexing.SubmissionEntry{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// ListSubmittedBefore returns submitted entries whose last check predates
// the cutoff, oldest first.
func (s *Store) ListSubmittedBefore(_ context.Context, cutoff time.Time, limit int) ([]indexing.SubmissionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []indexing.SubmissionEntry
	for _, e := range s.entries {
		if e.Status != indexing.StatusSubmitted {
			continue
		}
		ref := e.SubmittedAt
		if e.LastCheckedAt != nil {
			ref = e.LastCheckedAt
		}
		if ref == nil || ref.Before(cutoff) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListRateLimitedBefore returns rate limited entries still under the retry
// ceiling whose last touch predates the cutoff, oldest first.
func (s *Store) ListRateLimitedBefore(_ context.Context, cutoff time.Time, maxRetries, limit int) ([]indexing.SubmissionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []indexing.SubmissionEntry
	for _, e := range s.entries {
		if e.Status != indexing.StatusRateLimited || e.Retries >= maxRetries {
			continue
		}
		ref := e.CreatedAt
		if e.LastCheckedAt != nil {
			ref = *e.LastCheckedAt
		}
		if ref.Before(cutoff) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PruneBefore deletes up to limit entries created before the cutoff and
// returns the deleted rows.
func (s *Store) PruneBefore(_ context.Context, cutoff time.Time, limit int) ([]indexing.SubmissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned []indexing.SubmissionEntry
	for id, e := range s.entries {
		if limit > 0 && len(pruned) >= limit {
			break
		}
		if e.CreatedAt.Before(cutoff) {
			pruned = append(pruned, e)
			delete(s.entries, id)
		}
	}
	sort.Slice(pruned, func(i, j int) bool {
		return pruned[i].CreatedAt.Before(pruned[j].CreatedAt)
	})
	return pruned, nil
}

// EnsureQuota creates the day's record if absent and returns the current one.
func (s *Store) EnsureQuota(_ context.Context, userID, property, day string, limit, reserve int) (indexing.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureQuotaLocked(userID, property, day, limit, reserve), nil
}

func (s *Store) ensureQuotaLocked(userID, property, day string, limit, reserve int) indexing.QuotaRecord {
	key := quotaKey{userID: userID, property: property, day: day}
	if rec, ok := s.quotas[key]; ok {
		return rec
	}
	rec := indexing.QuotaRecord{
		UserID:          userID,
		Property:        property,
		Day:             day,
		Limit:           limit,
		PriorityReserve: reserve,
		UsedByPriority:  make(map[indexing.Priority]int),
		UpdatedAt:       time.Now().UTC(),
	}
	s.quotas[key] = rec
	return rec
}

// Reserve atomically admits count units or returns *QuotaExceededError.
// The priority reserve is a floor: low/medium callers cannot draw from it.
func (s *Store) Reserve(_ context.Context, userID, property, day string, p indexing.Priority, count int) (indexing.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{userID: userID, property: property, day: day}
	rec, ok := s.quotas[key]
	if !ok {
		return indexing.QuotaRecord{}, ErrNotFound
	}

	remaining := rec.Remaining()
	if !p.Reserved() {
		remaining = rec.NonPriorityRemaining()
	}
	if count > remaining {
		return indexing.QuotaRecord{}, &indexing.QuotaExceededError{
			UserID:    userID,
			Property:  property,
			Remaining: remaining,
		}
	}

	rec.Used += count
	rec.UsedByPriority = cloneCounts(rec.UsedByPriority)
	rec.UsedByPriority[p] += count
	rec.UpdatedAt = time.Now().UTC()
	s.quotas[key] = rec
	return rec, nil
}

// Release returns unused units from an earlier reservation.
func (s *Store) Release(_ context.Context, userID, property, day string, p indexing.Priority, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey{userID: userID, property: property, day: day}
	rec, ok := s.quotas[key]
	if !ok {
		return ErrNotFound
	}
	if count > rec.Used {
		count = rec.Used
	}
	rec.Used -= count
	rec.UsedByPriority = cloneCounts(rec.UsedByPriority)
	if rec.UsedByPriority[p] < count {
		rec.UsedByPriority[p] = 0
	} else {
		rec.UsedByPriority[p] -= count
	}
	rec.UpdatedAt = time.Now().UTC()
	s.quotas[key] = rec
	return nil
}

// GetCredential fetches the credential for a user.
func (s *Store) GetCredential(_ context.Context, userID string) (indexing.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return indexing.Credential{}, indexing.ErrNotAuthenticated
	}
	return cred, nil
}

// PutCredential stores or replaces the credential for a user.
func (s *Store) PutCredential(_ context.Context, cred indexing.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.UserID] = cred
	return nil
}

// DeleteCredential removes a user's credential; missing is a no-op.
func (s *Store) DeleteCredential(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, userID)
	return nil
}

// PutProperties replaces the cached property list for a user.
func (s *Store) PutProperties(_ context.Context, userID string, props []indexing.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]indexing.Property, len(props))
	copy(out, props)
	s.properties[userID] = out
	return nil
}

// ListProperties returns the cached property list for a user.
func (s *Store) ListProperties(_ context.Context, userID string) ([]indexing.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	props := s.properties[userID]
	out := make([]indexing.Property, len(props))
	copy(out, props)
	return out, nil
}

// PutSitemap stores or replaces a registered sitemap.
func (s *Store) PutSitemap(_ context.Context, sm indexing.Sitemap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sitemaps[sm.ID] = sm
	return nil
}

// GetSitemap fetches a sitemap by ID.
func (s *Store) GetSitemap(_ context.Context, id string) (indexing.Sitemap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.sitemaps[id]
	if !ok {
		return indexing.Sitemap{}, ErrNotFound
	}
	return sm, nil
}

// ListSitemaps returns registered sitemaps, optionally auto-sync only.
func (s *Store) ListSitemaps(_ context.Context, autoSyncOnly bool) ([]indexing.Sitemap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []indexing.Sitemap
	for _, sm := range s.sitemaps {
		if autoSyncOnly && !sm.AutoSync {
			continue
		}
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetSitemapURLs returns the URLs last seen in a sitemap.
func (s *Store) GetSitemapURLs(_ context.Context, sitemapID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := s.sitemapURLs[sitemapID]
	out := make([]string, len(urls))
	copy(out, urls)
	return out, nil
}

// PutSitemapURLs replaces the URLs known for a sitemap.
func (s *Store) PutSitemapURLs(_ context.Context, sitemapID string, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(urls))
	copy(out, urls)
	s.sitemapURLs[sitemapID] = out
	return nil
}

// GetJobLastRun returns the persisted last-run timestamp for a job.
// A job that never ran returns the zero time.
func (s *Store) GetJobLastRun(_ context.Context, job string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobRuns[job], nil
}

// PutJobLastRun records when a scheduler job last completed.
func (s *Store) PutJobLastRun(_ context.Context, job string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobRuns[job] = at
	return nil
}

func cloneCounts(in map[indexing.Priority]int) map[indexing.Priority]int {
	out := make(map[indexing.Priority]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
