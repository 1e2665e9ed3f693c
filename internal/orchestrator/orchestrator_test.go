package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/quota"
	"github.com/searchlight/indexer/internal/store/memory"
)

type fixedClock struct {
	at time.Time
}

func (c *fixedClock) Now() time.Time { return c.at }

type seqIDs struct {
	n int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("entry-%d", g.n), nil
}

type fakeCreds struct {
	cred indexing.Credential
	err  error
}

func (f *fakeCreds) EnsureValid(context.Context, string) (indexing.Credential, error) {
	return f.cred, f.err
}

// fakeSubmitter answers each notification from outcomes by URL, defaulting
// to submitted.
type fakeSubmitter struct {
	calls    int
	received [][]indexing.Notification
	outcomes map[string]indexing.Outcome
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, notes []indexing.Notification, _ indexing.Credential) ([]indexing.Outcome, error) {
	f.calls++
	f.received = append(f.received, notes)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]indexing.Outcome, len(notes))
	for i, n := range notes {
		if o, ok := f.outcomes[n.URL]; ok {
			o.URL = n.URL
			out[i] = o
			continue
		}
		out[i] = indexing.Outcome{URL: n.URL, Kind: indexing.OutcomeSubmitted, Code: 200}
	}
	return out, nil
}

type fakePublisher struct {
	topics   []string
	payloads []any
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return "msg-1", nil
}

type fixture struct {
	orch      *Orchestrator
	store     *memory.Store
	ledger    *quota.Ledger
	submitter *fakeSubmitter
	publisher *fakePublisher
	clock     *fixedClock
	creds     *fakeCreds
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fixedClock{at: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	store := memory.New()
	ledger, err := quota.New(store, quota.Config{DailyLimit: 200, PriorityReserve: 50}, clock, zap.NewNop())
	require.NoError(t, err)

	submitter := &fakeSubmitter{outcomes: map[string]indexing.Outcome{}}
	publisher := &fakePublisher{}
	creds := &fakeCreds{cred: indexing.Credential{UserID: "user-1", AccessToken: "tok"}}
	orch, err := New(store, ledger, creds, submitter, publisher, &seqIDs{}, clock, nil, zap.NewNop())
	require.NoError(t, err)
	return &fixture{
		orch: orch, store: store, ledger: ledger,
		submitter: submitter, publisher: publisher, clock: clock, creds: creds,
	}
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/page-%d", i)
	}
	return out
}

func TestSubmitOverQuotaRejectsWholesale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.ledger.CheckAndReserve(ctx, "user-1", "sc-domain:example.com", indexing.PriorityHigh, 190)
	require.NoError(t, err)

	_, err = f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(20),
		Priority: indexing.PriorityHigh,
	})
	var quotaErr *indexing.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 10, quotaErr.Remaining)

	// Wholesale rejection: nothing submitted, nothing persisted.
	require.Equal(t, 0, f.submitter.calls)
	_, total, err := f.store.ListEntries(ctx, indexing.EntryFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestMixedValidationSkipsQuotaForRejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	report, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs: []string{
			"https://example.com/good-1",
			"ftp://example.com/bad-scheme",
			"https://other.org/bad-host",
			"https://sub.example.com/good-2",
		},
		Priority: indexing.PriorityMedium,
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Submitted)
	require.Equal(t, 2, report.ValidationRejected)
	require.Equal(t, 0, report.Failed)

	// Only the two valid URLs consumed quota.
	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Used)

	// Outcomes preserve input order and all four are persisted.
	require.Len(t, report.Entries, 4)
	require.Equal(t, indexing.StatusSubmitted, report.Entries[0].Status)
	require.Equal(t, indexing.StatusFailed, report.Entries[1].Status)
	require.Equal(t, indexing.StatusFailed, report.Entries[2].Status)
	require.Equal(t, indexing.StatusSubmitted, report.Entries[3].Status)
	_, total, err := f.store.ListEntries(ctx, indexing.EntryFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, 4, total)
}

func TestReauthAbortsBeforeQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.creds.err = indexing.ErrReauthRequired
	ctx := context.Background()

	_, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(3),
	})
	require.ErrorIs(t, err, indexing.ErrReauthRequired)

	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Used)
	require.Equal(t, 0, f.submitter.calls)
}

func TestUndeliveredChunkReleasesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for _, u := range urls(3) {
		f.submitter.outcomes[u] = indexing.Outcome{
			Kind:   indexing.OutcomeFailed,
			Code:   0,
			Detail: "batch transport failed after 3 attempts",
		}
	}

	report, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(3),
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Failed)

	// Nothing reached the provider, so the reservation is handed back.
	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Used)
}

func TestRateLimitedKeepsQuotaConsumed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.submitter.outcomes["https://example.com/page-0"] = indexing.Outcome{
		Kind: indexing.OutcomeRateLimited, Code: 429, Detail: "rate limit exceeded",
	}

	report, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(2),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)
	require.Equal(t, 1, report.RateLimited)
	require.Equal(t, 0, report.Failed)

	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Used)
}

func seedRateLimited(t *testing.T, f *fixture, id string, retries int) indexing.SubmissionEntry {
	t.Helper()
	entry := indexing.SubmissionEntry{
		ID:           id,
		UserID:       "user-1",
		Property:     "sc-domain:example.com",
		URL:          "https://example.com/blocked",
		Domain:       "example.com",
		Priority:     indexing.PriorityMedium,
		Action:       indexing.ActionURLUpdated,
		Status:       indexing.StatusRateLimited,
		ResponseCode: 429,
		Retries:      retries,
		CreatedAt:    f.clock.at.Add(-2 * time.Hour),
	}
	require.NoError(t, f.store.PutEntry(context.Background(), entry))
	return entry
}

func TestResubmitRecoversRateLimitedEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	entry := seedRateLimited(t, f, "rl-1", 1)

	updated, err := f.orch.Resubmit(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, indexing.StatusSubmitted, updated.Status)
	require.Equal(t, 2, updated.Retries)
	require.NotNil(t, updated.SubmittedAt)

	// Updated in place, no second entry.
	stored, err := f.store.GetEntry(ctx, "rl-1")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusSubmitted, stored.Status)
	_, total, err := f.store.ListEntries(ctx, indexing.EntryFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)

	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Used)
}

func TestResubmitQuotaExceededLeavesEntryForNextCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	entry := seedRateLimited(t, f, "rl-1", 1)
	_, _, err := f.ledger.CheckAndReserve(ctx, "user-1", "sc-domain:example.com", indexing.PriorityHigh, 200)
	require.NoError(t, err)

	_, err = f.orch.Resubmit(ctx, entry)
	var quotaErr *indexing.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, 0, f.submitter.calls)

	stored, err := f.store.GetEntry(ctx, "rl-1")
	require.NoError(t, err)
	require.Equal(t, indexing.StatusRateLimited, stored.Status)
	require.Equal(t, 1, stored.Retries)
}

func TestResubmitTransportFailureReleasesUnit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	entry := seedRateLimited(t, f, "rl-1", 0)
	f.submitter.err = fmt.Errorf("connection reset")

	_, err := f.orch.Resubmit(ctx, entry)
	require.Error(t, err)

	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Used)
}

func TestResubmitRejectsNonRateLimitedEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	entry := seedRateLimited(t, f, "rl-1", 0)
	entry.Status = indexing.StatusSubmitted

	_, err := f.orch.Resubmit(context.Background(), entry)
	require.Error(t, err)
	require.Equal(t, 0, f.submitter.calls)
}

func TestSubmitPublishesCompletionEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(2),
	})
	require.NoError(t, err)

	require.Equal(t, []string{EventTopic}, f.publisher.topics)
	event, ok := f.publisher.payloads[0].(SubmissionEvent)
	require.True(t, ok)
	require.Equal(t, "user-1", event.UserID)
	require.Equal(t, 2, event.Submitted)
}

func TestSubmitURLIsSinglePath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	report, err := f.orch.SubmitURL(ctx, "user-1", "sc-domain:example.com",
		"https://example.com/page", indexing.PriorityCritical, indexing.ActionURLDeleted)
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)

	require.Len(t, f.submitter.received, 1)
	require.Equal(t, indexing.ActionURLDeleted, f.submitter.received[0][0].Action)

	rec, err := f.ledger.Status(ctx, "user-1", "sc-domain:example.com")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Used)
}

func TestStatsAggregateHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.submitter.outcomes["https://example.com/page-1"] = indexing.Outcome{
		Kind: indexing.OutcomeFailed, Code: 403, Detail: "forbidden",
	}

	_, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(3),
	})
	require.NoError(t, err)

	stats, err := f.orch.Stats(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByStatus[indexing.StatusSubmitted])
	require.Equal(t, 1, stats.ByStatus[indexing.StatusFailed])
	require.Equal(t, 3, stats.ByDomain["example.com"])
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
}

func TestHistoryPaging(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls(5),
	})
	require.NoError(t, err)

	page, total, err := f.orch.History(ctx, indexing.EntryFilter{
		UserID: "user-1", Page: 2, PageSize: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
}
