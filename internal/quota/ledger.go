// Package quota arbitrates daily submission capacity per (user, property, day).
package quota

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
)

// Config sets the daily limits applied when a day's record is first created.
type Config struct {
	DailyLimit      int
	PriorityReserve int
}

// Validate checks the limit relationship.
func (c Config) Validate() error {
	if c.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be positive")
	}
	if c.PriorityReserve < 0 || c.PriorityReserve > c.DailyLimit {
		return fmt.Errorf("quota.priority_reserve must be between 0 and the daily limit")
	}
	return nil
}

// Ledger applies check-and-reserve admission over a QuotaStore. Requests are
// admitted or rejected wholesale; partial admission of a batch never happens.
type Ledger struct {
	store  indexing.QuotaStore
	cfg    Config
	clock  indexing.Clock
	logger *zap.Logger
}

// New constructs a Ledger.
func New(store indexing.QuotaStore, cfg Config, clock indexing.Clock, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{store: store, cfg: cfg, clock: clock, logger: logger}, nil
}

// CheckAndReserve admits count units for today or returns
// *indexing.QuotaExceededError with the exact remaining capacity. On success
// the returned reservation must be settled with Release for any units the
// caller did not consume.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID, property string, p indexing.Priority, count int) (indexing.Reservation, indexing.QuotaRecord, error) {
	if count <= 0 {
		return indexing.Reservation{}, indexing.QuotaRecord{}, fmt.Errorf("reserve count must be positive, got %d", count)
	}
	if !p.Valid() {
		return indexing.Reservation{}, indexing.QuotaRecord{}, fmt.Errorf("unknown priority %q", p)
	}

	day := indexing.DayKey(l.clock.Now())
	if _, err := l.store.EnsureQuota(ctx, userID, property, day, l.cfg.DailyLimit, l.cfg.PriorityReserve); err != nil {
		return indexing.Reservation{}, indexing.QuotaRecord{}, fmt.Errorf("ensure quota record: %w", err)
	}

	rec, err := l.store.Reserve(ctx, userID, property, day, p, count)
	if err != nil {
		return indexing.Reservation{}, indexing.QuotaRecord{}, err
	}

	l.logger.Debug("quota reserved",
		zap.String("user_id", userID),
		zap.String("property", property),
		zap.String("day", day),
		zap.String("priority", string(p)),
		zap.Int("count", count),
		zap.Int("remaining", rec.Remaining()),
	)
	res := indexing.Reservation{
		UserID:   userID,
		Property: property,
		Day:      day,
		Priority: p,
		Count:    count,
	}
	return res, rec, nil
}

// Release returns unused units from a reservation. Units consumed by the
// provider stay counted even when the notification ultimately failed there,
// matching how the provider bills its own quota.
func (l *Ledger) Release(ctx context.Context, res indexing.Reservation, unused int) error {
	if unused <= 0 {
		return nil
	}
	if unused > res.Count {
		unused = res.Count
	}
	if err := l.store.Release(ctx, res.UserID, res.Property, res.Day, res.Priority, unused); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	l.logger.Debug("quota released",
		zap.String("user_id", res.UserID),
		zap.String("property", res.Property),
		zap.String("day", res.Day),
		zap.Int("unused", unused),
	)
	return nil
}

// Status returns today's record for a (user, property), creating it with the
// configured limits on first use. A new day gets a fresh record; prior days
// are kept untouched for reporting.
func (l *Ledger) Status(ctx context.Context, userID, property string) (indexing.QuotaRecord, error) {
	day := indexing.DayKey(l.clock.Now())
	rec, err := l.store.EnsureQuota(ctx, userID, property, day, l.cfg.DailyLimit, l.cfg.PriorityReserve)
	if err != nil {
		return indexing.QuotaRecord{}, fmt.Errorf("quota status: %w", err)
	}
	return rec, nil
}
