package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/searchlight/indexer/internal/indexing"
)

func TestReserveHonorsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 200, 50)
	require.NoError(t, err)

	rec, err := s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityHigh, 190)
	require.NoError(t, err)
	require.Equal(t, 190, rec.Used)

	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityHigh, 20)
	var quotaErr *indexing.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 10, quotaErr.Remaining)

	rec, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityHigh, 10)
	require.NoError(t, err)
	require.Equal(t, 200, rec.Used)

	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityHigh, 1)
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 0, quotaErr.Remaining)
}

func TestReservePriorityFloor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 200, 50)
	require.NoError(t, err)

	// Low priority may only use limit - reserve.
	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityLow, 151)
	var quotaErr *indexing.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 150, quotaErr.Remaining)

	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityLow, 150)
	require.NoError(t, err)

	// The reserved floor is still available to high priority.
	rec, err := s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityCritical, 50)
	require.NoError(t, err)
	require.Equal(t, 200, rec.Used)
}

func TestReserveConcurrentNeverOverruns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 100, 0)
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	admitted := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityMedium, 10); err == nil {
				admitted[n] = 10
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range admitted {
		total += n
	}
	require.Equal(t, 100, total)
}

func TestEnsureQuotaIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-29", 200, 50)
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-29", indexing.PriorityMedium, 5)
	require.NoError(t, err)

	// Re-ensuring the same day must not reset usage.
	rec, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-29", 200, 50)
	require.NoError(t, err)
	require.Equal(t, 5, rec.Used)

	// A new day starts fresh and leaves the old day untouched.
	fresh, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 200, 50)
	require.NoError(t, err)
	require.Equal(t, 0, fresh.Used)
	old, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-29", 200, 50)
	require.NoError(t, err)
	require.Equal(t, 5, old.Used)
}

func TestReleaseReturnsUnusedUnits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 200, 50)
	require.NoError(t, err)
	_, err = s.Reserve(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityMedium, 30)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "u1", "https://example.com/", "2026-08-30", indexing.PriorityMedium, 10))

	rec, err := s.EnsureQuota(ctx, "u1", "https://example.com/", "2026-08-30", 200, 50)
	require.NoError(t, err)
	require.Equal(t, 20, rec.Used)
	require.Equal(t, 20, rec.UsedByPriority[indexing.PriorityMedium])
}

func TestListEntriesFilterAndPaging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := indexing.SubmissionEntry{
			ID:        string(rune('a' + i)),
			UserID:    "u1",
			Domain:    "example.com",
			Status:    indexing.StatusSubmitted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 4 {
			entry.Status = indexing.StatusFailed
		}
		require.NoError(t, s.PutEntry(ctx, entry))
	}

	entries, total, err := s.ListEntries(ctx, indexing.EntryFilter{
		UserID: "u1",
		Status: indexing.StatusSubmitted,
	})
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, entries, 4)
	// Newest first.
	require.Equal(t, "d", entries[0].ID)

	page, total, err := s.ListEntries(ctx, indexing.EntryFilter{
		UserID:   "u1",
		Page:     2,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
}

func TestPruneBeforeReturnsDeletedRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	old := indexing.SubmissionEntry{ID: "old", CreatedAt: cutoff.Add(-time.Hour)}
	recent := indexing.SubmissionEntry{ID: "recent", CreatedAt: cutoff.Add(time.Hour)}
	require.NoError(t, s.PutEntry(ctx, old))
	require.NoError(t, s.PutEntry(ctx, recent))

	pruned, err := s.PruneBefore(ctx, cutoff, 100)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	require.Equal(t, "old", pruned[0].ID)

	_, err = s.GetEntry(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEntry(ctx, "recent")
	require.NoError(t, err)
}

func TestCredentialLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	_, err := s.GetCredential(ctx, "u1")
	require.ErrorIs(t, err, indexing.ErrNotAuthenticated)

	cred := indexing.Credential{UserID: "u1", AccessToken: "tok", Source: indexing.SourceUserOAuth}
	require.NoError(t, s.PutCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "tok", got.AccessToken)

	require.NoError(t, s.DeleteCredential(ctx, "u1"))
	// Idempotent delete.
	require.NoError(t, s.DeleteCredential(ctx, "u1"))
	_, err = s.GetCredential(ctx, "u1")
	require.ErrorIs(t, err, indexing.ErrNotAuthenticated)
}

func TestListSubmittedBeforeUsesLastCheck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-time.Hour)

	stale := now.Add(-2 * time.Hour)
	freshCheck := now.Add(-5 * time.Minute)
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "due", Status: indexing.StatusSubmitted, CreatedAt: stale, SubmittedAt: &stale,
	}))
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "resting", Status: indexing.StatusSubmitted, CreatedAt: stale, SubmittedAt: &stale, LastCheckedAt: &freshCheck,
	}))
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "done", Status: indexing.StatusConfirmedIndexed, CreatedAt: stale,
	}))

	due, err := s.ListSubmittedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].ID)
}

func TestListRateLimitedBeforeHonorsCeilingAndCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-time.Hour)

	stale := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "due", Status: indexing.StatusRateLimited, Retries: 1, CreatedAt: stale,
	}))
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "exhausted", Status: indexing.StatusRateLimited, Retries: 3, CreatedAt: stale,
	}))
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "resting", Status: indexing.StatusRateLimited, CreatedAt: stale, LastCheckedAt: &recent,
	}))
	require.NoError(t, s.PutEntry(ctx, indexing.SubmissionEntry{
		ID: "delivered", Status: indexing.StatusSubmitted, CreatedAt: stale,
	}))

	due, err := s.ListRateLimitedBefore(ctx, cutoff, 3, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].ID)
}

func TestReserveUnknownDay(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Reserve(context.Background(), "u1", "p", "2026-08-30", indexing.PriorityLow, 1)
	require.True(t, errors.Is(err, ErrNotFound))
}
