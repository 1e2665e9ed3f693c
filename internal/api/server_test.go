package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchlight/indexer/internal/auth"
	"github.com/searchlight/indexer/internal/gsc"
	"github.com/searchlight/indexer/internal/indexing"
	"github.com/searchlight/indexer/internal/orchestrator"
	"github.com/searchlight/indexer/internal/quota"
	"github.com/searchlight/indexer/internal/sitemap"
	"github.com/searchlight/indexer/internal/store/memory"
	"github.com/searchlight/indexer/internal/telemetry"
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
	return fmt.Sprintf("id-%d", g.n), nil
}

type okSubmitter struct{}

func (okSubmitter) Submit(_ context.Context, notes []indexing.Notification, _ indexing.Credential) ([]indexing.Outcome, error) {
	out := make([]indexing.Outcome, len(notes))
	for i, n := range notes {
		out[i] = indexing.Outcome{URL: n.URL, Kind: indexing.OutcomeSubmitted, Code: 200}
	}
	return out, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *memory.Store) {
	t.Helper()
	clock := &fixedClock{at: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	store := memory.New()

	authSvc, err := auth.New(auth.Config{ClientID: "client"}, store, store, nil, clock, zap.NewNop())
	require.NoError(t, err)

	ledger, err := quota.New(store, quota.Config{DailyLimit: 200, PriorityReserve: 50}, clock, zap.NewNop())
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	orch, err := orchestrator.New(store, ledger, authSvc, okSubmitter{}, nil, &seqIDs{}, clock, metrics, zap.NewNop())
	require.NoError(t, err)

	console, err := gsc.New(gsc.Config{BaseURL: "http://127.0.0.1:1"}, nil, authSvc, store, clock, zap.NewNop())
	require.NoError(t, err)

	sitemaps, err := sitemap.New(sitemap.Config{}, nil, store, orch, &seqIDs{}, clock, zap.NewNop())
	require.NoError(t, err)

	// A stored, unexpired credential so submissions authenticate.
	require.NoError(t, store.PutCredential(context.Background(), indexing.Credential{
		UserID:      "user-1",
		AccessToken: "tok",
		Expiry:      clock.at.Add(time.Hour),
		Source:      indexing.SourceUserOAuth,
	}))

	return NewServer(Config{APIKey: apiKey}, orch, authSvc, console, sitemaps, registry, zap.NewNop()), store
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestSubmitReturnsReport(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/v1/indexing/submit", indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     []string{"https://example.com/a", "https://example.com/b"},
		Priority: indexing.PriorityHigh,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report indexing.SubmissionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 2, report.Submitted)
	require.Equal(t, 198, report.QuotaRemaining)
}

func TestSubmitQuotaExceededMapsTo429(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	urls := make([]string, 201)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/p-%d", i)
	}
	rec := postJSON(t, s.Handler(), "/v1/indexing/submit", indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     urls,
		Priority: indexing.PriorityHigh,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var payload struct {
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, 200, payload.Remaining)
}

func TestSubmitUnknownUserMapsTo401(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/v1/indexing/url", singleURLRequest{
		UserID:   "stranger",
		Property: "sc-domain:example.com",
		URL:      "https://example.com/a",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHistoryRequiresUserID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/indexing/history", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/v1/indexing/submit", indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     []string{"https://example.com/a"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota?user_id=user-1&property=sc-domain:example.com", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var payload struct {
		Remaining            int `json:"remaining"`
		NonPriorityRemaining int `json:"non_priority_remaining"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &payload))
	require.Equal(t, 199, payload.Remaining)
	require.Equal(t, 149, payload.NonPriorityRemaining)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "sekret")

	req := httptest.NewRequest(http.MethodGet, "/v1/indexing/history?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, health)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndListSitemaps(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/v1/sitemaps/", registerSitemapRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URL:      "https://example.com/sitemap.xml",
		AutoSync: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sitemaps/", nil)
	listRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(listRec, req)
	require.Equal(t, http.StatusOK, listRec.Code)

	var payload struct {
		Sitemaps []indexing.Sitemap `json:"sitemaps"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &payload))
	require.Len(t, payload.Sitemaps, 1)
	require.Equal(t, "https://example.com/sitemap.xml", payload.Sitemaps[0].SitemapURL)
}

func TestAuthURLEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/url?state=xyz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Contains(t, payload.URL, "state=xyz")
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "")
	rec := postJSON(t, s.Handler(), "/v1/indexing/submit", indexing.SubmitRequest{
		UserID:   "user-1",
		Property: "sc-domain:example.com",
		URLs:     []string{"https://example.com/a"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(metricsRec, req)
	require.Equal(t, http.StatusOK, metricsRec.Code)
	require.Contains(t, metricsRec.Body.String(), "indexer_submissions_total")
}
