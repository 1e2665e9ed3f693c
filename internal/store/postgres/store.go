// Package postgres provides a Postgres-backed document store. The quota
// reserve is a single conditional UPDATE so concurrent submissions for the
// same (user, property, day) serialize at the row, even across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/searchlight/indexer/internal/indexing"
)

// ErrNotFound is returned when a keyed document does not exist.
var ErrNotFound = errors.New("not found")

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store implements the indexing store interfaces over Postgres.
type Store struct {
	pool Pool
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS submission_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	property TEXT NOT NULL,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	priority TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	response_code INT NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	retries INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	last_checked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS submission_entries_user_created
	ON submission_entries (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS submission_entries_status_created
	ON submission_entries (status, created_at);

CREATE TABLE IF NOT EXISTS quota_records (
	user_id TEXT NOT NULL,
	property TEXT NOT NULL,
	day TEXT NOT NULL,
	lim INT NOT NULL,
	reserve INT NOT NULL,
	used INT NOT NULL DEFAULT 0,
	low_used INT NOT NULL DEFAULT 0,
	medium_used INT NOT NULL DEFAULT 0,
	high_used INT NOT NULL DEFAULT 0,
	critical_used INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, property, day),
	CHECK (used <= lim)
);

CREATE TABLE IF NOT EXISTS credentials (
	user_id TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS user_properties (
	user_id TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS sitemaps (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	auto_sync BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sitemap_urls (
	sitemap_id TEXT PRIMARY KEY,
	urls JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS job_state (
	job TEXT PRIMARY KEY,
	last_run TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutEntry inserts a new submission entry.
func (s *Store) PutEntry(ctx context.Context, e indexing.SubmissionEntry) error {
	const q = `
INSERT INTO submission_entries (
	id, user_id, property, url, domain, priority, action, status,
	response_code, error_detail, retries, created_at, submitted_at, last_checked_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, q,
		e.ID, e.UserID, e.Property, e.URL, e.Domain, string(e.Priority),
		string(e.Action), string(e.Status), e.ResponseCode, e.ErrorDetail,
		e.Retries, e.CreatedAt, e.SubmittedAt, e.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// UpdateEntry rewrites the mutable columns of an entry.
func (s *Store) UpdateEntry(ctx context.Context, e indexing.SubmissionEntry) error {
	const q = `
UPDATE submission_entries SET
	status = $2, response_code = $3, error_detail = $4, retries = $5,
	submitted_at = $6, last_checked_at = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q,
		e.ID, string(e.Status), e.ResponseCode, e.ErrorDetail, e.Retries, e.SubmittedAt, e.LastCheckedAt,
	)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const entryColumns = `id, user_id, property, url, domain, priority, action, status,
	response_code, error_detail, retries, created_at, submitted_at, last_checked_at`

// GetEntry fetches an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (indexing.SubmissionEntry, error) {
	q := fmt.Sprintf(`SELECT %s FROM submission_entries WHERE id = $1`, entryColumns)
	e, err := scanEntry(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.SubmissionEntry{}, ErrNotFound
		}
		return indexing.SubmissionEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// ListEntries returns a page of entries matching the filter, newest first.
func (s *Store) ListEntries(ctx context.Context, f indexing.EntryFilter) ([]indexing.SubmissionEntry, int, error) {
	var conds []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Domain != "" {
		add("domain = $%d", strings.ToLower(f.Domain))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQ := "SELECT COUNT(*) FROM submission_entries" + where
	if err := s.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM submission_entries%s ORDER BY created_at DESC`, entryColumns, where)
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.PageSize, (page-1)*f.PageSize)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListSubmittedBefore returns submitted entries due for a status re-check.
func (s *Store) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]indexing.SubmissionEntry, error) {
	q := fmt.Sprintf(`
SELECT %s FROM submission_entries
WHERE status = 'submitted' AND COALESCE(last_checked_at, submitted_at, created_at) < $1
ORDER BY created_at ASC
LIMIT $2`, entryColumns)
	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListRateLimitedBefore returns rate limited entries under the retry ceiling
// whose last touch predates the cutoff, oldest first.
func (s *Store) ListRateLimitedBefore(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]indexing.SubmissionEntry, error) {
	q := fmt.Sprintf(`
SELECT %s FROM submission_entries
WHERE status = 'rate_limited' AND retries < $1
	AND COALESCE(last_checked_at, created_at) < $2
ORDER BY created_at ASC
LIMIT $3`, entryColumns)
	rows, err := s.pool.Query(ctx, q, maxRetries, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list rate limited: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// PruneBefore deletes up to limit entries older than cutoff, returning them.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time, limit int) ([]indexing.SubmissionEntry, error) {
	q := fmt.Sprintf(`
DELETE FROM submission_entries
WHERE id IN (
	SELECT id FROM submission_entries WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2
)
RETURNING %s`, entryColumns)
	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("prune entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// EnsureQuota creates the day's record if absent and returns the current one.
func (s *Store) EnsureQuota(ctx context.Context, userID, property, day string, limit, reserve int) (indexing.QuotaRecord, error) {
	const ins = `
INSERT INTO quota_records (user_id, property, day, lim, reserve)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, property, day) DO NOTHING`
	if _, err := s.pool.Exec(ctx, ins, userID, property, day, limit, reserve); err != nil {
		return indexing.QuotaRecord{}, fmt.Errorf("ensure quota: %w", err)
	}
	return s.getQuota(ctx, userID, property, day)
}

const quotaColumns = `lim, reserve, used, low_used, medium_used, high_used, critical_used, updated_at`

func (s *Store) getQuota(ctx context.Context, userID, property, day string) (indexing.QuotaRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM quota_records WHERE user_id = $1 AND property = $2 AND day = $3`, quotaColumns)
	rec, err := scanQuota(s.pool.QueryRow(ctx, q, userID, property, day), userID, property, day)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.QuotaRecord{}, ErrNotFound
		}
		return indexing.QuotaRecord{}, fmt.Errorf("get quota: %w", err)
	}
	return rec, nil
}

// Reserve admits count units in a single conditional update. When the
// predicate fails the current record is read back so the caller receives
// the exact remaining capacity.
func (s *Store) Reserve(ctx context.Context, userID, property, day string, p indexing.Priority, count int) (indexing.QuotaRecord, error) {
	q := fmt.Sprintf(`
UPDATE quota_records SET
	used = used + $4,
	low_used = low_used + CASE WHEN $5 = 'low' THEN $4 ELSE 0 END,
	medium_used = medium_used + CASE WHEN $5 = 'medium' THEN $4 ELSE 0 END,
	high_used = high_used + CASE WHEN $5 = 'high' THEN $4 ELSE 0 END,
	critical_used = critical_used + CASE WHEN $5 = 'critical' THEN $4 ELSE 0 END,
	updated_at = NOW()
WHERE user_id = $1 AND property = $2 AND day = $3
	AND used + $4 <= lim
	AND ($6 OR low_used + medium_used + $4 <= lim - reserve)
RETURNING %s`, quotaColumns)

	rec, err := scanQuota(
		s.pool.QueryRow(ctx, q, userID, property, day, count, string(p), p.Reserved()),
		userID, property, day,
	)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return indexing.QuotaRecord{}, fmt.Errorf("reserve quota: %w", err)
	}

	// Rejected: report the remaining capacity for this caller class.
	current, getErr := s.getQuota(ctx, userID, property, day)
	if getErr != nil {
		return indexing.QuotaRecord{}, getErr
	}
	remaining := current.Remaining()
	if !p.Reserved() {
		remaining = current.NonPriorityRemaining()
	}
	return indexing.QuotaRecord{}, &indexing.QuotaExceededError{
		UserID:    userID,
		Property:  property,
		Remaining: remaining,
	}
}

// Release returns unused units from an earlier reservation.
func (s *Store) Release(ctx context.Context, userID, property, day string, p indexing.Priority, count int) error {
	const q = `
UPDATE quota_records SET
	used = GREATEST(used - $4, 0),
	low_used = GREATEST(low_used - CASE WHEN $5 = 'low' THEN $4 ELSE 0 END, 0),
	medium_used = GREATEST(medium_used - CASE WHEN $5 = 'medium' THEN $4 ELSE 0 END, 0),
	high_used = GREATEST(high_used - CASE WHEN $5 = 'high' THEN $4 ELSE 0 END, 0),
	critical_used = GREATEST(critical_used - CASE WHEN $5 = 'critical' THEN $4 ELSE 0 END, 0),
	updated_at = NOW()
WHERE user_id = $1 AND property = $2 AND day = $3`
	tag, err := s.pool.Exec(ctx, q, userID, property, day, count, string(p))
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredential fetches the credential document for a user.
func (s *Store) GetCredential(ctx context.Context, userID string) (indexing.Credential, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM credentials WHERE user_id = $1`, userID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.Credential{}, indexing.ErrNotAuthenticated
		}
		return indexing.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	var cred indexing.Credential
	if err := json.Unmarshal(doc, &cred); err != nil {
		return indexing.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

// PutCredential upserts the credential document for a user.
func (s *Store) PutCredential(ctx context.Context, cred indexing.Credential) error {
	doc, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	const q = `
INSERT INTO credentials (user_id, doc) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc`
	if _, err := s.pool.Exec(ctx, q, cred.UserID, doc); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// DeleteCredential removes a user's credential; missing is a no-op.
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// PutProperties replaces the cached property list for a user.
func (s *Store) PutProperties(ctx context.Context, userID string, props []indexing.Property) error {
	doc, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	const q = `
INSERT INTO user_properties (user_id, doc) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc`
	if _, err := s.pool.Exec(ctx, q, userID, doc); err != nil {
		return fmt.Errorf("put properties: %w", err)
	}
	return nil
}

// ListProperties returns the cached property list for a user.
func (s *Store) ListProperties(ctx context.Context, userID string) ([]indexing.Property, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM user_properties WHERE user_id = $1`, userID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("list properties: %w", err)
	}
	var props []indexing.Property
	if err := json.Unmarshal(doc, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

// PutSitemap upserts a registered sitemap document.
func (s *Store) PutSitemap(ctx context.Context, sm indexing.Sitemap) error {
	doc, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("encode sitemap: %w", err)
	}
	const q = `
INSERT INTO sitemaps (id, doc, auto_sync, created_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, auto_sync = EXCLUDED.auto_sync`
	if _, err := s.pool.Exec(ctx, q, sm.ID, doc, sm.AutoSync, sm.CreatedAt); err != nil {
		return fmt.Errorf("put sitemap: %w", err)
	}
	return nil
}

// GetSitemap fetches a sitemap document by ID.
func (s *Store) GetSitemap(ctx context.Context, id string) (indexing.Sitemap, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sitemaps WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.Sitemap{}, ErrNotFound
		}
		return indexing.Sitemap{}, fmt.Errorf("get sitemap: %w", err)
	}
	var sm indexing.Sitemap
	if err := json.Unmarshal(doc, &sm); err != nil {
		return indexing.Sitemap{}, fmt.Errorf("decode sitemap: %w", err)
	}
	return sm, nil
}

// ListSitemaps returns registered sitemaps, optionally auto-sync only.
func (s *Store) ListSitemaps(ctx context.Context, autoSyncOnly bool) ([]indexing.Sitemap, error) {
	q := `SELECT doc FROM sitemaps ORDER BY created_at ASC`
	if autoSyncOnly {
		q = `SELECT doc FROM sitemaps WHERE auto_sync ORDER BY created_at ASC`
	}
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sitemaps: %w", err)
	}
	defer rows.Close()

	var out []indexing.Sitemap
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan sitemap: %w", err)
		}
		var sm indexing.Sitemap
		if err := json.Unmarshal(doc, &sm); err != nil {
			return nil, fmt.Errorf("decode sitemap: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sitemaps: %w", err)
	}
	return out, nil
}

// GetSitemapURLs returns the URLs last seen in a sitemap.
func (s *Store) GetSitemapURLs(ctx context.Context, sitemapID string) ([]string, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT urls FROM sitemap_urls WHERE sitemap_id = $1`, sitemapID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sitemap urls: %w", err)
	}
	var urls []string
	if err := json.Unmarshal(doc, &urls); err != nil {
		return nil, fmt.Errorf("decode sitemap urls: %w", err)
	}
	return urls, nil
}

// PutSitemapURLs replaces the URLs known for a sitemap.
func (s *Store) PutSitemapURLs(ctx context.Context, sitemapID string, urls []string) error {
	doc, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode sitemap urls: %w", err)
	}
	const q = `
INSERT INTO sitemap_urls (sitemap_id, urls) VALUES ($1, $2)
ON CONFLICT (sitemap_id) DO UPDATE SET urls = EXCLUDED.urls`
	if _, err := s.pool.Exec(ctx, q, sitemapID, doc); err != nil {
		return fmt.Errorf("put sitemap urls: %w", err)
	}
	return nil
}

// GetJobLastRun returns the persisted last-run timestamp for a job.
func (s *Store) GetJobLastRun(ctx context.Context, job string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_run FROM job_state WHERE job = $1`, job).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get job state: %w", err)
	}
	return at, nil
}

// PutJobLastRun records when a scheduler job last completed.
func (s *Store) PutJobLastRun(ctx context.Context, job string, at time.Time) error {
	const q = `
INSERT INTO job_state (job, last_run) VALUES ($1, $2)
ON CONFLICT (job) DO UPDATE SET last_run = EXCLUDED.last_run`
	if _, err := s.pool.Exec(ctx, q, job, at); err != nil {
		return fmt.Errorf("put job state: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (indexing.SubmissionEntry, error) {
	var e indexing.SubmissionEntry
	var priority, action, status string
	err := row.Scan(
		&e.ID, &e.UserID, &e.Property, &e.URL, &e.Domain, &priority, &action,
		&status, &e.ResponseCode, &e.ErrorDetail, &e.Retries, &e.CreatedAt,
		&e.SubmittedAt, &e.LastCheckedAt,
	)
	if err != nil {
		return indexing.SubmissionEntry{}, err
	}
	e.Priority = indexing.Priority(priority)
	e.Action = indexing.Action(action)
	e.Status = indexing.EntryStatus(status)
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]indexing.SubmissionEntry, error) {
	var out []indexing.SubmissionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

func scanQuota(row pgx.Row, userID, property, day string) (indexing.QuotaRecord, error) {
	rec := indexing.QuotaRecord{
		UserID:   userID,
		Property: property,
		Day:      day,
	}
	var low, medium, high, critical int
	err := row.Scan(&rec.Limit, &rec.PriorityReserve, &rec.Used, &low, &medium, &high, &critical, &rec.UpdatedAt)
	if err != nil {
		return indexing.QuotaRecord{}, err
	}
	rec.UsedByPriority = map[indexing.Priority]int{
		indexing.PriorityLow:      low,
		indexing.PriorityMedium:   medium,
		indexing.PriorityHigh:     high,
		indexing.PriorityCritical: critical,
	}
	return rec, nil
}
