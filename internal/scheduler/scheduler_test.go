package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/store/memory"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func TestIntervalJobGatedByPersistedLastRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	s := New(store, clock, nil, zap.NewNop())

	var runs atomic.Int32
	s.AddInterval("test_job", 5*time.Millisecond, time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// The first pass runs immediately; subsequent ticks are gated by the
	// hour interval against the persisted last run.
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())

	clock.advance(61 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	s.Stop()

	last, err := store.GetJobLastRun(context.Background(), "test_job")
	require.NoError(t, err)
	require.Equal(t, clock.Now(), last)
}

func TestDailyJobFiresOncePerDay(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)}
	s := New(store, clock, nil, zap.NewNop())

	var runs atomic.Int32
	s.AddDaily("daily_job", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())

	// Crossing the UTC day boundary releases exactly one more run.
	clock.advance(2 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(2), runs.Load())

	s.Stop()
}

func TestInFlightJobSkipsTick(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	s := New(store, clock, nil, zap.NewNop())

	release := make(chan struct{})
	var runs atomic.Int32
	s.AddInterval("slow_job", 5*time.Millisecond, time.Nanosecond, func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Ticks keep firing while the first run blocks; none may overlap it.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())

	close(release)
	s.Stop()
}

func TestFailedJobDoesNotAdvanceLastRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	s := New(store, clock, nil, zap.NewNop())

	var runs atomic.Int32
	s.AddInterval("failing_job", 5*time.Millisecond, time.Hour, func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Without a recorded success the job keeps retrying every tick.
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	last, err := store.GetJobLastRun(context.Background(), "failing_job")
	require.NoError(t, err)
	require.True(t, last.IsZero())
}

type fakeChecker struct {
	indexed map[string]bool
	err     error
	calls   atomic.Int32
}

func (f *fakeChecker) CheckIndexed(_ context.Context, _ indexing.Credential, _ string, url string) (bool, error) {
	f.calls.Add(1)
	if f.err != nil {
		return false, f.err
	}
	return f.indexed[url], nil
}

type staticCreds struct {
	err error
}

func (s *staticCreds) EnsureValid(context.Context, string) (indexing.Credential, error) {
	if s.err != nil {
		return indexing.Credential{}, s.err
	}
	return indexing.Credential{UserID: "user-1", AccessToken: "tok"}, nil
}

func seedSubmitted(t *testing.T, store *memory.Store, id, url string, submittedAt time.Time) {
	t.Helper()
	at := submittedAt
	require.NoError(t, store.PutEntry(context.Background(), indexing.SubmissionEntry{
		ID:          id,
		UserID:      "user-1",
		Property:    "sc-domain:example.com",
		URL:         url,
		Domain:      "example.com",
		Priority:    indexing.PriorityMedium,
		Action:      indexing.ActionURLUpdated,
		Status:      indexing.StatusSubmitted,
		CreatedAt:   submittedAt,
		SubmittedAt: &at,
	}))
}

func TestRecheckerConfirmsIndexedEntries(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	seedSubmitted(t, store, "old-1", "https://example.com/a", clock.at.Add(-3*time.Hour))
	seedSubmitted(t, store, "old-2", "https://example.com/b", clock.at.Add(-2*time.Hour))
	seedSubmitted(t, store, "fresh", "https://example.com/c", clock.at.Add(-10*time.Minute))

	checker := &fakeChecker{indexed: map[string]bool{"https://example.com/a": true}}
	r := NewRechecker(store, &staticCreds{}, checker, clock, time.Hour, 50, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	// Only entries past the cooldown are checked.
	require.Equal(t, int32(2), checker.calls.Load())

	confirmed, err := store.GetEntry(context.Background(), "old-1")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusConfirmedIndexed, confirmed.Status)
	require.NotNil(t, confirmed.LastCheckedAt)

	pending, err := store.GetEntry(context.Background(), "old-2")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusSubmitted, pending.Status)
	require.NotNil(t, pending.LastCheckedAt)

	untouched, err := store.GetEntry(context.Background(), "fresh")
	require.NoError(t, err)
	require.Nil(t, untouched.LastCheckedAt)
}

func TestRecheckerSkipsUserAfterCredentialFailure(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	seedSubmitted(t, store, "e-1", "https://example.com/a", clock.at.Add(-3*time.Hour))
	seedSubmitted(t, store, "e-2", "https://example.com/b", clock.at.Add(-3*time.Hour))

	checker := &fakeChecker{}
	r := NewRechecker(store, &staticCreds{err: indexing.ErrReauthRequired}, checker, clock, time.Hour, 50, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, int32(0), checker.calls.Load())
}

type fakeResubmitter struct {
	calls []string
	errs  map[string]error
}

func (f *fakeResubmitter) Resubmit(_ context.Context, e indexing.SubmissionEntry) (indexing.SubmissionEntry, error) {
	f.calls = append(f.calls, e.ID)
	if err, ok := f.errs[e.ID]; ok {
		return e, err
	}
	e.Status = indexing.StatusSubmitted
	e.Retries++
	return e, nil
}

func seedRateLimited(t *testing.T, store *memory.Store, id, property string, retries int, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.PutEntry(context.Background(), indexing.SubmissionEntry{
		ID:           id,
		UserID:       "user-1",
		Property:     property,
		URL:          "https://example.com/" + id,
		Domain:       "example.com",
		Priority:     indexing.PriorityMedium,
		Action:       indexing.ActionURLUpdated,
		Status:       indexing.StatusRateLimited,
		ResponseCode: 429,
		Retries:      retries,
		CreatedAt:    createdAt,
	}))
}

func TestRetrierResubmitsOnlyDueEntries(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	prop := "sc-domain:example.com"
	seedRateLimited(t, store, "due", prop, 1, clock.at.Add(-2*time.Hour))
	seedRateLimited(t, store, "exhausted", prop, 3, clock.at.Add(-2*time.Hour))
	seedRateLimited(t, store, "resting", prop, 0, clock.at.Add(-10*time.Minute))

	resubmit := &fakeResubmitter{}
	r := NewRetrier(store, resubmit, clock, time.Hour, 3, 50, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, []string{"due"}, resubmit.calls)
}

func TestRetrierSkipsPairAfterQuotaRejection(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	seedRateLimited(t, store, "first", "sc-domain:example.com", 0, clock.at.Add(-3*time.Hour))
	seedRateLimited(t, store, "second", "sc-domain:example.com", 0, clock.at.Add(-2*time.Hour))
	seedRateLimited(t, store, "other", "sc-domain:other.com", 0, clock.at.Add(-90*time.Minute))

	resubmit := &fakeResubmitter{errs: map[string]error{
		"first": &indexing.QuotaExceededError{UserID: "user-1", Property: "sc-domain:example.com"},
	}}
	r := NewRetrier(store, resubmit, clock, time.Hour, 3, 50, zap.NewNop())
	require.NoError(t, r.Run(context.Background()))

	// The exhausted pair rests; the other property still proceeds.
	require.Equal(t, []string{"first", "other"}, resubmit.calls)
}

type captureBlob struct {
	paths    []string
	payloads [][]byte
}

func (c *captureBlob) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	c.paths = append(c.paths, path)
	c.payloads = append(c.payloads, data)
	return "mem://" + path, nil
}

func TestCleanerArchivesThenPrunes(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{at: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)}
	seedSubmitted(t, store, "ancient", "https://example.com/old", clock.at.Add(-100*24*time.Hour))
	seedSubmitted(t, store, "recent", "https://example.com/new", clock.at.Add(-time.Hour))

	blob := &captureBlob{}
	c := NewCleaner(store, blob, clock, 90*24*time.Hour, 500, zap.NewNop())
	require.NoError(t, c.Run(context.Background()))

	_, err := store.GetEntry(context.Background(), "ancient")
	require.Error(t, err)
	_, err = store.GetEntry(context.Background(), "recent")
	require.NoError(t, err)

	require.Len(t, blob.paths, 1)
	require.Contains(t, blob.paths[0], "history/2026-08-30/")
	require.Contains(t, string(blob.payloads[0]), "https://example.com/old")

	// An idle second pass writes nothing.
	require.NoError(t, c.Run(context.Background()))
	require.Len(t, blob.paths, 1)
}
