package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
)

// Rechecker re-checks submitted entries against the provider's index state
// after a cooldown and promotes confirmed ones.
type Rechecker struct {
	entries  indexing.EntryStore
	creds    indexing.CredentialProvider
	checker  indexing.IndexStateChecker
	clock    indexing.Clock
	cooldown time.Duration
	batch    int
	logger   *zap.Logger
}

// NewRechecker constructs a Rechecker.
func NewRechecker(entries indexing.EntryStore, creds indexing.CredentialProvider, checker indexing.IndexStateChecker, clock indexing.Clock, cooldown time.Duration, batch int, logger *zap.Logger) *Rechecker {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rechecker{
		entries:  entries,
		creds:    creds,
		checker:  checker,
		clock:    clock,
		cooldown: cooldown,
		batch:    batch,
		logger:   logger,
	}
}

// Run processes one batch of due entries. Per-entry failures are logged and
// left for the next cycle.
func (r *Rechecker) Run(ctx context.Context) error {
	now := r.clock.Now()
	due, err := r.entries.ListSubmittedBefore(ctx, now.Add(-r.cooldown), r.batch)
	if err != nil {
		return fmt.Errorf("list entries due for recheck: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	credCache := map[string]indexing.Credential{}
	skipUser := map[string]bool{}
	confirmed := 0
	for _, entry := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if skipUser[entry.UserID] {
			continue
		}
		cred, ok := credCache[entry.UserID]
		if !ok {
			cred, err = r.creds.EnsureValid(ctx, entry.UserID)
			if err != nil {
				r.logger.Warn("recheck credential unavailable",
					zap.String("user_id", entry.UserID),
					zap.Error(err),
				)
				skipUser[entry.UserID] = true
				continue
			}
			credCache[entry.UserID] = cred
		}

		indexed, err := r.checker.CheckIndexed(ctx, cred, entry.Property, entry.URL)
		if err != nil {
			r.logger.Warn("index state check failed",
				zap.String("entry_id", entry.ID),
				zap.String("url", entry.URL),
				zap.Error(err),
			)
			continue
		}
		checkedAt := r.clock.Now()
		entry.LastCheckedAt = &checkedAt
		if indexed {
			entry.Status = indexing.StatusConfirmedIndexed
			confirmed++
		}
		if err := r.entries.UpdateEntry(ctx, entry); err != nil {
			r.logger.Warn("recheck update failed",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
		}
	}
	r.logger.Info("status recheck pass finished",
		zap.Int("checked", len(due)),
		zap.Int("confirmed", confirmed),
	)
	return nil
}

// EntryResubmitter retries one entry through the submission path.
type EntryResubmitter interface {
	Resubmit(ctx context.Context, entry indexing.SubmissionEntry) (indexing.SubmissionEntry, error)
}

// Retrier re-submits rate limited entries after a cooldown, up to a bounded
// retry count per entry. Entries that stay rate limited rest until the next
// cycle; entries that exhaust the ceiling are left alone.
type Retrier struct {
	entries    indexing.EntryStore
	resubmit   EntryResubmitter
	clock      indexing.Clock
	cooldown   time.Duration
	maxRetries int
	batch      int
	logger     *zap.Logger
}

// NewRetrier constructs a Retrier.
func NewRetrier(entries indexing.EntryStore, resubmit EntryResubmitter, clock indexing.Clock, cooldown time.Duration, maxRetries, batch int, logger *zap.Logger) *Retrier {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if batch <= 0 {
		batch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		entries:    entries,
		resubmit:   resubmit,
		clock:      clock,
		cooldown:   cooldown,
		maxRetries: maxRetries,
		batch:      batch,
		logger:     logger,
	}
}

// Run processes one batch of due rate limited entries. A quota rejection
// stops the pass for that (user, property) pair; other per-entry failures
// are logged and left for the next cycle.
func (r *Retrier) Run(ctx context.Context) error {
	now := r.clock.Now()
	due, err := r.entries.ListRateLimitedBefore(ctx, now.Add(-r.cooldown), r.maxRetries, r.batch)
	if err != nil {
		return fmt.Errorf("list entries due for retry: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	skipPair := map[string]bool{}
	recovered := 0
	for _, entry := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pair := entry.UserID + "\x00" + entry.Property
		if skipPair[pair] {
			continue
		}
		updated, err := r.resubmit.Resubmit(ctx, entry)
		if err != nil {
			var quotaErr *indexing.QuotaExceededError
			if errors.As(err, &quotaErr) {
				r.logger.Info("retry pass out of quota",
					zap.String("user_id", entry.UserID),
					zap.String("property", entry.Property),
					zap.Int("remaining", quotaErr.Remaining),
				)
				skipPair[pair] = true
				continue
			}
			r.logger.Warn("resubmit failed",
				zap.String("entry_id", entry.ID),
				zap.String("url", entry.URL),
				zap.Error(err),
			)
			continue
		}
		if updated.Status == indexing.StatusSubmitted {
			recovered++
		}
	}
	r.logger.Info("rate limit retry pass finished",
		zap.Int("due", len(due)),
		zap.Int("recovered", recovered),
	)
	return nil
}

// Cleaner prunes entries past the retention horizon in bounded batches,
// archiving each pruned batch to the blob store.
type Cleaner struct {
	entries   indexing.EntryStore
	blobs     indexing.BlobStore
	clock     indexing.Clock
	retention time.Duration
	batch     int
	logger    *zap.Logger
}

// NewCleaner constructs a Cleaner. blobs may be nil to skip archiving.
func NewCleaner(entries indexing.EntryStore, blobs indexing.BlobStore, clock indexing.Clock, retention time.Duration, batch int, logger *zap.Logger) *Cleaner {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if batch <= 0 {
		batch = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		entries:   entries,
		blobs:     blobs,
		clock:     clock,
		retention: retention,
		batch:     batch,
		logger:    logger,
	}
}

// Run prunes one batch of expired entries.
func (c *Cleaner) Run(ctx context.Context) error {
	now := c.clock.Now()
	pruned, err := c.entries.PruneBefore(ctx, now.Add(-c.retention), c.batch)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	if len(pruned) == 0 {
		return nil
	}

	if c.blobs != nil {
		payload, err := json.Marshal(pruned)
		if err != nil {
			return fmt.Errorf("encode archive batch: %w", err)
		}
		path := fmt.Sprintf("history/%s/entries-%d.json", indexing.DayKey(now), now.UnixNano())
		uri, err := c.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
		if err != nil {
			// The rows are already gone from the store; the miss is logged
			// rather than failing the job so the next batch still runs.
			c.logger.Error("archive write failed",
				zap.String("path", path),
				zap.Int("entries", len(pruned)),
				zap.Error(err),
			)
		} else {
			c.logger.Info("history batch archived",
				zap.String("uri", uri),
				zap.Int("entries", len(pruned)),
			)
		}
	}

	c.logger.Info("history cleanup pass finished", zap.Int("pruned", len(pruned)))
	return nil
}

// NewQuotaRollover returns the daily quota job. Day records are keyed by
// date and created lazily on first use, so the rollover itself only marks
// the boundary; prior days stay untouched for reporting.
func NewQuotaRollover(clock indexing.Clock, logger *zap.Logger) RunFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) error {
		logger.Info("quota day rolled over", zap.String("day", indexing.DayKey(clock.Now())))
		return nil
	}
}
