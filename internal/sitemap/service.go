// Package sitemap registers sitemaps and re-syncs them: fetch, parse, diff
// against the URLs seen last time, and push only the new ones through the
// regular submission path so quota and validation rules apply unchanged.
package sitemap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
)

// maxSitemapDepth caps sitemapindex recursion.
const maxSitemapDepth = 5

// URLSubmitter is the submission entry point new URLs are pushed through.
type URLSubmitter interface {
	SubmitURLs(ctx context.Context, req indexing.SubmitRequest) (indexing.SubmissionReport, error)
}

// Config controls fetching.
type Config struct {
	// Timeout bounds each sitemap fetch.
	Timeout time.Duration
	// SyncPriority is the priority assigned to URLs discovered by a sync.
	SyncPriority indexing.Priority
}

// Service manages registered sitemaps.
type Service struct {
	cfg       Config
	client    *http.Client
	store     indexing.SitemapStore
	submitter URLSubmitter
	ids       indexing.IDGenerator
	clock     indexing.Clock
	logger    *zap.Logger
}

// New constructs the service. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, store indexing.SitemapStore, submitter URLSubmitter, ids indexing.IDGenerator, clock indexing.Clock, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("sitemap store is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("url submitter is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SyncPriority == "" {
		cfg.SyncPriority = indexing.PriorityLow
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Service{
		cfg:       cfg,
		client:    httpClient,
		store:     store,
		submitter: submitter,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Register records a sitemap for a (user, property). The first sync happens
// on the next scheduler pass or an explicit Sync call.
func (s *Service) Register(ctx context.Context, userID, property, sitemapURL string, autoSync bool) (indexing.Sitemap, error) {
	if userID == "" || property == "" {
		return indexing.Sitemap{}, fmt.Errorf("user id and property are required")
	}
	if err := indexing.ValidateURL(sitemapURL, property); err != nil {
		return indexing.Sitemap{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return indexing.Sitemap{}, fmt.Errorf("generate sitemap id: %w", err)
	}
	sm := indexing.Sitemap{
		ID:         id,
		UserID:     userID,
		Property:   property,
		SitemapURL: sitemapURL,
		AutoSync:   autoSync,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.PutSitemap(ctx, sm); err != nil {
		return indexing.Sitemap{}, fmt.Errorf("store sitemap: %w", err)
	}
	s.logger.Info("sitemap registered",
		zap.String("sitemap_id", sm.ID),
		zap.String("property", property),
		zap.String("url", sitemapURL),
	)
	return sm, nil
}

// List returns registered sitemaps.
func (s *Service) List(ctx context.Context, autoSyncOnly bool) ([]indexing.Sitemap, error) {
	return s.store.ListSitemaps(ctx, autoSyncOnly)
}

// SyncResult summarizes one sitemap sync.
type SyncResult struct {
	SitemapID string
	Total     int
	New       int
	Submitted int
}

// Sync fetches a registered sitemap and submits URLs not seen before.
func (s *Service) Sync(ctx context.Context, sitemapID string) (SyncResult, error) {
	sm, err := s.store.GetSitemap(ctx, sitemapID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load sitemap: %w", err)
	}

	urls, err := s.fetchURLs(ctx, sm.SitemapURL)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch sitemap %s: %w", sm.SitemapURL, err)
	}

	known, err := s.store.GetSitemapURLs(ctx, sm.ID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load known urls: %w", err)
	}
	seen := make(map[string]bool, len(known))
	for _, u := range known {
		seen[u] = true
	}
	var fresh []string
	for _, u := range urls {
		if !seen[u] {
			fresh = append(fresh, u)
		}
	}

	result := SyncResult{SitemapID: sm.ID, Total: len(urls), New: len(fresh)}
	if len(fresh) > 0 {
		report, err := s.submitter.SubmitURLs(ctx, indexing.SubmitRequest{
			UserID:   sm.UserID,
			Property: sm.Property,
			URLs:     fresh,
			Priority: s.cfg.SyncPriority,
			Action:   indexing.ActionURLUpdated,
		})
		if err != nil {
			return SyncResult{}, fmt.Errorf("submit discovered urls: %w", err)
		}
		result.Submitted = report.Submitted
	}

	if err := s.store.PutSitemapURLs(ctx, sm.ID, urls); err != nil {
		return SyncResult{}, fmt.Errorf("store known urls: %w", err)
	}
	now := s.clock.Now()
	sm.URLCount = len(urls)
	sm.LastSynced = &now
	if err := s.store.PutSitemap(ctx, sm); err != nil {
		return SyncResult{}, fmt.Errorf("update sitemap: %w", err)
	}

	s.logger.Info("sitemap synced",
		zap.String("sitemap_id", sm.ID),
		zap.Int("total", result.Total),
		zap.Int("new", result.New),
		zap.Int("submitted", result.Submitted),
	)
	return result, nil
}

// SyncAll syncs every auto-sync sitemap, carrying on past individual
// failures.
func (s *Service) SyncAll(ctx context.Context) error {
	sitemaps, err := s.store.ListSitemaps(ctx, true)
	if err != nil {
		return fmt.Errorf("list sitemaps: %w", err)
	}
	var lastErr error
	for _, sm := range sitemaps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Sync(ctx, sm.ID); err != nil {
			s.logger.Warn("sitemap sync failed",
				zap.String("sitemap_id", sm.ID),
				zap.Error(err),
			)
			lastErr = err
		}
	}
	return lastErr
}

// fetchURLs downloads and parses a sitemap, following sitemapindex entries
// recursively. URLs are deduplicated and returned in document order.
func (s *Service) fetchURLs(ctx context.Context, sitemapURL string) ([]string, error) {
	seenMaps := make(map[string]bool)
	seenURLs := make(map[string]bool)
	var out []string
	if err := s.walkSitemap(ctx, sitemapURL, 0, seenMaps, seenURLs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) walkSitemap(ctx context.Context, sitemapURL string, depth int, seenMaps, seenURLs map[string]bool, out *[]string) error {
	if depth > maxSitemapDepth {
		return fmt.Errorf("sitemap nesting exceeds %d levels", maxSitemapDepth)
	}
	if seenMaps[sitemapURL] {
		return nil
	}
	seenMaps[sitemapURL] = true

	body, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return err
	}
	defer body.Close()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(body); err != nil {
		return fmt.Errorf("parse sitemap xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("empty sitemap document")
	}

	switch root.Tag {
	case "sitemapindex":
		for _, child := range root.SelectElements("sitemap") {
			loc := child.SelectElement("loc")
			if loc == nil {
				continue
			}
			ref := trimmedText(loc)
			if ref == "" {
				continue
			}
			if err := s.walkSitemap(ctx, ref, depth+1, seenMaps, seenURLs, out); err != nil {
				return err
			}
		}
	case "urlset":
		for _, child := range root.SelectElements("url") {
			loc := child.SelectElement("loc")
			if loc == nil {
				continue
			}
			u := trimmedText(loc)
			if u == "" || seenURLs[u] {
				continue
			}
			seenURLs[u] = true
			*out = append(*out, u)
		}
	default:
		return fmt.Errorf("unexpected sitemap root element %q", root.Tag)
	}
	return nil
}

func trimmedText(e *etree.Element) string {
	return strings.TrimSpace(e.Text())
}

func (s *Service) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch sitemap: status %d", resp.StatusCode)
	}
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
