// Package orchestrator coordinates one URL submission end to end: local
// validation, credential resolution, quota admission, batch submission and
// result persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/quota"
	"github.com/searchlight/indexer/internal/telemetry"
)

// EventTopic is the Pub/Sub topic submission events are published to.
const EventTopic = "indexing-submissions"

// SubmissionEvent is the payload published after a completed submission.
type SubmissionEvent struct {
	UserID      string    `json:"user_id"`
	Property    string    `json:"property"`
	Submitted   int       `json:"submitted"`
	Failed      int       `json:"failed"`
	RateLimited int       `json:"rate_limited"`
	Rejected    int       `json:"rejected"`
	At          time.Time `json:"at"`
}

// Orchestrator is the public entry point for submissions.
type Orchestrator struct {
	entries   indexing.EntryStore
	ledger    *quota.Ledger
	creds     indexing.CredentialProvider
	submitter indexing.Submitter
	publisher indexing.Publisher
	ids       indexing.IDGenerator
	clock     indexing.Clock
	metrics   *telemetry.Metrics
	logger    *zap.Logger
	topic     string
}

// New wires an Orchestrator. publisher and metrics may be nil.
func New(
	entries indexing.EntryStore,
	ledger *quota.Ledger,
	creds indexing.CredentialProvider,
	submitter indexing.Submitter,
	publisher indexing.Publisher,
	ids indexing.IDGenerator,
	clock indexing.Clock,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) (*Orchestrator, error) {
	switch {
	case entries == nil:
		return nil, fmt.Errorf("entry store is required")
	case ledger == nil:
		return nil, fmt.Errorf("quota ledger is required")
	case creds == nil:
		return nil, fmt.Errorf("credential provider is required")
	case submitter == nil:
		return nil, fmt.Errorf("submitter is required")
	case ids == nil:
		return nil, fmt.Errorf("id generator is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		entries:   entries,
		ledger:    ledger,
		creds:     creds,
		submitter: submitter,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		topic:     EventTopic,
	}, nil
}

// SetEventTopic overrides the topic submission events are published to.
// Call before serving traffic.
func (o *Orchestrator) SetEventTopic(topic string) {
	if topic != "" {
		o.topic = topic
	}
}

// SubmitURLs validates, reserves quota for and submits a list of URLs.
// Validation failures are reported per URL without consuming quota. A quota
// rejection or credential failure aborts the whole call before any entry is
// persisted. Per-URL outcomes preserve input order.
func (o *Orchestrator) SubmitURLs(ctx context.Context, req indexing.SubmitRequest) (indexing.SubmissionReport, error) {
	if req.UserID == "" || req.Property == "" {
		return indexing.SubmissionReport{}, fmt.Errorf("user id and property are required")
	}
	if len(req.URLs) == 0 {
		return indexing.SubmissionReport{}, fmt.Errorf("at least one url is required")
	}
	if req.Priority == "" {
		req.Priority = indexing.PriorityMedium
	}
	if !req.Priority.Valid() {
		return indexing.SubmissionReport{}, fmt.Errorf("unknown priority %q", req.Priority)
	}
	if req.Action == "" {
		req.Action = indexing.ActionURLUpdated
	}

	now := o.clock.Now()
	entries := make([]indexing.SubmissionEntry, len(req.URLs))
	rejected := make([]bool, len(req.URLs))
	var valid []int
	for i, raw := range req.URLs {
		normalized := raw
		if n, err := indexing.NormalizeURL(raw); err == nil {
			normalized = n
		}
		entries[i] = indexing.SubmissionEntry{
			UserID:    req.UserID,
			Property:  req.Property,
			URL:       normalized,
			Domain:    indexing.ExtractDomain(normalized),
			Priority:  req.Priority,
			Action:    req.Action,
			Status:    indexing.StatusPending,
			CreatedAt: now,
		}
		if err := indexing.ValidateURL(normalized, req.Property); err != nil {
			detail := err.Error()
			var vErr *indexing.ValidationError
			if errors.As(err, &vErr) {
				detail = vErr.Reason
			}
			entries[i].Status = indexing.StatusFailed
			entries[i].ErrorDetail = detail
			rejected[i] = true
			continue
		}
		valid = append(valid, i)
	}

	cred, err := o.creds.EnsureValid(ctx, req.UserID)
	if err != nil {
		return indexing.SubmissionReport{}, err
	}

	var reservation indexing.Reservation
	var record indexing.QuotaRecord
	if len(valid) > 0 {
		reservation, record, err = o.ledger.CheckAndReserve(ctx, req.UserID, req.Property, req.Priority, len(valid))
		if err != nil {
			var quotaErr *indexing.QuotaExceededError
			if errors.As(err, &quotaErr) && o.metrics != nil {
				o.metrics.QuotaRejections.Inc()
			}
			return indexing.SubmissionReport{}, err
		}
	} else {
		record, err = o.ledger.Status(ctx, req.UserID, req.Property)
		if err != nil {
			return indexing.SubmissionReport{}, err
		}
	}

	if len(valid) > 0 {
		notes := make([]indexing.Notification, len(valid))
		for n, i := range valid {
			notes[n] = indexing.Notification{URL: entries[i].URL, Action: req.Action}
		}
		started := o.clock.Now()
		outcomes, err := o.submitter.Submit(ctx, notes, cred)
		if err != nil {
			// Nothing was delivered; hand the whole reservation back.
			if relErr := o.ledger.Release(ctx, reservation, reservation.Count); relErr != nil {
				o.logger.Error("release after aborted submit failed", zap.Error(relErr))
			}
			return indexing.SubmissionReport{}, fmt.Errorf("submit batch: %w", err)
		}
		if o.metrics != nil {
			o.metrics.BatchDuration.Observe(o.clock.Now().Sub(started).Seconds())
		}

		undelivered := 0
		for n, i := range valid {
			applyOutcome(&entries[i], outcomes[n], o.clock.Now())
			if outcomes[n].Kind == indexing.OutcomeFailed && outcomes[n].Code == 0 {
				undelivered++
			}
		}
		// Units for chunks that never reached the provider go back to the
		// day's budget; everything delivered stays counted, success or not.
		if undelivered > 0 {
			if relErr := o.ledger.Release(ctx, reservation, undelivered); relErr != nil {
				o.logger.Error("quota release failed", zap.Error(relErr))
			}
		}
	}

	report := indexing.SubmissionReport{Entries: entries}
	for i := range entries {
		entry := &entries[i]
		id, err := o.ids.NewID()
		if err != nil {
			return indexing.SubmissionReport{}, fmt.Errorf("generate entry id: %w", err)
		}
		entry.ID = id
		if err := o.entries.PutEntry(ctx, *entry); err != nil {
			return indexing.SubmissionReport{}, fmt.Errorf("persist entry: %w", err)
		}
		switch {
		case entry.Status == indexing.StatusSubmitted:
			report.Submitted++
		case entry.Status == indexing.StatusRateLimited:
			report.RateLimited++
		case rejected[i]:
			report.ValidationRejected++
		default:
			report.Failed++
		}
		if o.metrics != nil {
			o.metrics.SubmissionsTotal.WithLabelValues(string(entry.Status)).Inc()
		}
	}

	status, err := o.ledger.Status(ctx, req.UserID, req.Property)
	if err == nil {
		record = status
	}
	report.QuotaRemaining = record.Remaining()
	if o.metrics != nil {
		o.metrics.QuotaUsed.WithLabelValues(req.Property).Set(float64(record.Used))
	}

	o.publishEvent(ctx, req, report)
	o.logger.Info("submission completed",
		zap.String("user_id", req.UserID),
		zap.String("property", req.Property),
		zap.Int("submitted", report.Submitted),
		zap.Int("failed", report.Failed),
		zap.Int("rate_limited", report.RateLimited),
		zap.Int("validation_rejected", report.ValidationRejected),
		zap.Int("quota_remaining", report.QuotaRemaining),
	)
	return report, nil
}

// SubmitURL submits a single URL through the same path as SubmitURLs.
func (o *Orchestrator) SubmitURL(ctx context.Context, userID, property, url string, p indexing.Priority, action indexing.Action) (indexing.SubmissionReport, error) {
	return o.SubmitURLs(ctx, indexing.SubmitRequest{
		UserID:   userID,
		Property: property,
		URLs:     []string{url},
		Priority: p,
		Action:   action,
	})
}

// Resubmit retries a rate limited entry through the normal quota and batch
// path, updating the entry in place instead of creating a new one. The retry
// consumes one quota unit; a quota rejection leaves the entry untouched for
// a later cycle.
func (o *Orchestrator) Resubmit(ctx context.Context, entry indexing.SubmissionEntry) (indexing.SubmissionEntry, error) {
	if entry.Status != indexing.StatusRateLimited {
		return entry, fmt.Errorf("entry %s is %s, not rate limited", entry.ID, entry.Status)
	}

	cred, err := o.creds.EnsureValid(ctx, entry.UserID)
	if err != nil {
		return entry, err
	}
	reservation, _, err := o.ledger.CheckAndReserve(ctx, entry.UserID, entry.Property, entry.Priority, 1)
	if err != nil {
		var quotaErr *indexing.QuotaExceededError
		if errors.As(err, &quotaErr) && o.metrics != nil {
			o.metrics.QuotaRejections.Inc()
		}
		return entry, err
	}

	outcomes, err := o.submitter.Submit(ctx, []indexing.Notification{{URL: entry.URL, Action: entry.Action}}, cred)
	if err != nil || len(outcomes) == 0 {
		if relErr := o.ledger.Release(ctx, reservation, reservation.Count); relErr != nil {
			o.logger.Error("release after aborted resubmit failed", zap.Error(relErr))
		}
		if err == nil {
			err = fmt.Errorf("no outcome for %s", entry.URL)
		}
		return entry, fmt.Errorf("resubmit: %w", err)
	}

	now := o.clock.Now()
	applyOutcome(&entry, outcomes[0], now)
	if outcomes[0].Kind == indexing.OutcomeFailed && outcomes[0].Code == 0 {
		if relErr := o.ledger.Release(ctx, reservation, 1); relErr != nil {
			o.logger.Error("quota release failed", zap.Error(relErr))
		}
	}
	entry.Retries++
	entry.LastCheckedAt = &now
	if err := o.entries.UpdateEntry(ctx, entry); err != nil {
		return entry, fmt.Errorf("update entry: %w", err)
	}
	if o.metrics != nil {
		o.metrics.SubmissionsTotal.WithLabelValues(string(entry.Status)).Inc()
	}
	o.logger.Info("entry resubmitted",
		zap.String("entry_id", entry.ID),
		zap.String("url", entry.URL),
		zap.String("status", string(entry.Status)),
		zap.Int("retries", entry.Retries),
	)
	return entry, nil
}

func applyOutcome(entry *indexing.SubmissionEntry, out indexing.Outcome, at time.Time) {
	entry.ResponseCode = out.Code
	entry.ErrorDetail = out.Detail
	switch out.Kind {
	case indexing.OutcomeSubmitted:
		entry.Status = indexing.StatusSubmitted
		entry.SubmittedAt = &at
	case indexing.OutcomeRateLimited:
		entry.Status = indexing.StatusRateLimited
	default:
		entry.Status = indexing.StatusFailed
	}
}

func (o *Orchestrator) publishEvent(ctx context.Context, req indexing.SubmitRequest, report indexing.SubmissionReport) {
	if o.publisher == nil {
		return
	}
	_, err := o.publisher.Publish(ctx, o.topic, SubmissionEvent{
		UserID:      req.UserID,
		Property:    req.Property,
		Submitted:   report.Submitted,
		Failed:      report.Failed,
		RateLimited: report.RateLimited,
		Rejected:    report.ValidationRejected,
		At:          o.clock.Now(),
	})
	if err != nil {
		o.logger.Warn("submission event publish failed", zap.Error(err))
	}
}

// History returns a page of submission entries matching the filter.
func (o *Orchestrator) History(ctx context.Context, filter indexing.EntryFilter) ([]indexing.SubmissionEntry, int, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	return o.entries.ListEntries(ctx, filter)
}

// Stats aggregates outcomes for a user across the stored history.
func (o *Orchestrator) Stats(ctx context.Context, userID string) (indexing.Stats, error) {
	entries, _, err := o.entries.ListEntries(ctx, indexing.EntryFilter{UserID: userID})
	if err != nil {
		return indexing.Stats{}, fmt.Errorf("load history: %w", err)
	}

	stats := indexing.Stats{
		ByStatus:   map[indexing.EntryStatus]int{},
		ByDomain:   map[string]int{},
		ByPriority: map[indexing.Priority]int{},
	}
	succeeded := 0
	for _, e := range entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		stats.ByDomain[e.Domain]++
		stats.ByPriority[e.Priority]++
		switch e.Status {
		case indexing.StatusSubmitted, indexing.StatusConfirmedIndexed:
			succeeded++
		}
		if e.Status == indexing.StatusConfirmedIndexed {
			stats.ConfirmedIndexed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.Total)
	}
	return stats, nil
}

// QuotaStatus reports today's quota record for a (user, property).
func (o *Orchestrator) QuotaStatus(ctx context.Context, userID, property string) (indexing.QuotaRecord, error) {
	return o.ledger.Status(ctx, userID, property)
}
