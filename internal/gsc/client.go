// Package gsc talks to the Google Search Console API: property listing with
// a cached freshness window, and index-state inspection for status rechecks.
package gsc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/indexing"
)

// DefaultBaseURL is the Search Console API root.
const DefaultBaseURL = "https://searchconsole.googleapis.com"

// Config controls the client.
type Config struct {
	// BaseURL overrides the API root, primarily for tests.
	BaseURL string
	// Freshness is how long a cached property list stays valid.
	Freshness time.Duration
	// Timeout bounds each API call.
	Timeout time.Duration
}

// Client lists properties and inspects index state.
type Client struct {
	cfg    Config
	client *http.Client
	creds  indexing.CredentialProvider
	cache  indexing.PropertyStore
	clock  indexing.Clock
	logger *zap.Logger
}

// New constructs a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, creds indexing.CredentialProvider, cache indexing.PropertyStore, clock indexing.Clock, logger *zap.Logger) (*Client, error) {
	if creds == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("property store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Freshness <= 0 {
		cfg.Freshness = 12 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		creds:  creds,
		cache:  cache,
		clock:  clock,
		logger: logger,
	}, nil
}

// FetchProperties lists the sites visible to a credential.
func (c *Client) FetchProperties(ctx context.Context, cred indexing.Credential) ([]indexing.Property, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/webmasters/v3/sites", nil)
	if err != nil {
		return nil, fmt.Errorf("build sites request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("list sites", resp)
	}

	var payload struct {
		SiteEntry []struct {
			SiteURL         string `json:"siteUrl"`
			PermissionLevel string `json:"permissionLevel"`
		} `json:"siteEntry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode sites response: %w", err)
	}

	now := c.clock.Now()
	props := make([]indexing.Property, 0, len(payload.SiteEntry))
	for _, site := range payload.SiteEntry {
		props = append(props, indexing.Property{
			UserID:          cred.UserID,
			SiteURL:         site.SiteURL,
			PermissionLevel: site.PermissionLevel,
			Verified:        site.PermissionLevel != "siteUnverifiedUser",
			FetchedAt:       now,
		})
	}
	return props, nil
}

// Properties returns the user's verified properties, refreshing the cache
// when it is older than the freshness window or force is set.
func (c *Client) Properties(ctx context.Context, userID string, force bool) ([]indexing.Property, error) {
	cached, err := c.cache.ListProperties(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read property cache: %w", err)
	}
	if !force && fresh(cached, c.clock.Now(), c.cfg.Freshness) {
		return cached, nil
	}

	cred, err := c.creds.EnsureValid(ctx, userID)
	if err != nil {
		// A stale cache beats a hard failure when the credential is the
		// only problem.
		if len(cached) > 0 {
			c.logger.Warn("property refresh failed, serving stale cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return cached, nil
		}
		return nil, err
	}
	props, err := c.FetchProperties(ctx, cred)
	if err != nil {
		if len(cached) > 0 {
			c.logger.Warn("property refresh failed, serving stale cache",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			return cached, nil
		}
		return nil, err
	}
	if err := c.cache.PutProperties(ctx, userID, props); err != nil {
		return nil, fmt.Errorf("write property cache: %w", err)
	}
	return props, nil
}

func fresh(props []indexing.Property, now time.Time, window time.Duration) bool {
	if len(props) == 0 {
		return false
	}
	for _, p := range props {
		if now.Sub(p.FetchedAt) > window {
			return false
		}
	}
	return true
}

// CheckIndexed inspects a URL and reports whether the provider confirms it
// as indexed.
func (c *Client) CheckIndexed(ctx context.Context, cred indexing.Credential, property, url string) (bool, error) {
	body, err := json.Marshal(map[string]string{
		"inspectionUrl": url,
		"siteUrl":       property,
	})
	if err != nil {
		return false, fmt.Errorf("encode inspection request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/urlInspection/index:inspect", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build inspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("inspect url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, apiError("inspect url", resp)
	}

	var payload struct {
		InspectionResult struct {
			IndexStatusResult struct {
				Verdict       string `json:"verdict"`
				CoverageState string `json:"coverageState"`
			} `json:"indexStatusResult"`
		} `json:"inspectionResult"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode inspection response: %w", err)
	}
	result := payload.InspectionResult.IndexStatusResult
	if result.Verdict == "PASS" {
		return true, nil
	}
	// Coverage states like "Crawled - currently not indexed" also contain
	// the word indexed, so the negative form is checked first.
	state := strings.ToLower(result.CoverageState)
	if strings.Contains(state, "not indexed") {
		return false, nil
	}
	return strings.Contains(state, "indexed"), nil
}

func apiError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		detail = envelope.Error.Message
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, detail)
}
