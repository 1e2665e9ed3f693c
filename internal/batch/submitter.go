// Package batch submits URL notifications to the Google Indexing API in
// chunks of up to 100 via the batch endpoint.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchlight/indexer/internal/indexing"
)

// MaxChunkSize is the provider's hard cap on notifications per batch call.
const MaxChunkSize = 100

// Config controls chunking, pacing and the target endpoint.
type Config struct {
	// Endpoint is the batch URL, e.g. https://indexing.googleapis.com/batch.
	Endpoint string
	// ChunkSize caps notifications per batch call. Clamped to MaxChunkSize.
	ChunkSize int
	// ChunksPerSecond paces consecutive batch calls. Zero disables pacing.
	ChunksPerSecond float64
	// Timeout bounds each batch HTTP call.
	Timeout time.Duration
}

// Submitter implements indexing.Submitter against the batch endpoint.
type Submitter struct {
	cfg     Config
	client  *http.Client
	retry   indexing.RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New constructs a Submitter. client may be nil, in which case a client with
// the configured timeout is used.
func New(cfg Config, client *http.Client, retry indexing.RetryPolicy, logger *zap.Logger) (*Submitter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("batch endpoint is required")
	}
	if retry == nil {
		return nil, fmt.Errorf("retry policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ChunksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ChunksPerSecond), 1)
	}
	return &Submitter{
		cfg:     cfg,
		client:  client,
		retry:   retry,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Submit sends the notifications in order, chunked to the configured size,
// and returns one outcome per notification in input order. A chunk whose
// batch call keeps failing after retries yields failed (or rate limited, for
// an exhausted 429) outcomes for its notifications; later chunks still run.
// Cancellation after a delivered chunk returns partial outcomes: delivered
// chunks keep their results, the remainder fails with code 0.
func (s *Submitter) Submit(ctx context.Context, notes []indexing.Notification, cred indexing.Credential) ([]indexing.Outcome, error) {
	if len(notes) == 0 {
		return nil, nil
	}

	outcomes := make([]indexing.Outcome, 0, len(notes))
	for start := 0; start < len(notes); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(notes) {
			end = len(notes)
		}
		chunk := notes[start:end]

		if err := s.limiter.Wait(ctx); err != nil {
			if len(outcomes) > 0 {
				return append(outcomes, failChunk(notes[start:], err)...), nil
			}
			return nil, fmt.Errorf("wait for batch slot: %w", err)
		}
		chunkOutcomes, err := s.submitChunk(ctx, chunk, cred)
		if err != nil {
			if ctx.Err() != nil {
				// Chunks already delivered were billed by the provider.
				// Keep their outcomes and mark the remainder undelivered
				// so the caller can hand those units back.
				if len(outcomes) > 0 {
					return append(outcomes, failChunk(notes[start:], ctx.Err())...), nil
				}
				return nil, ctx.Err()
			}
			s.logger.Warn("batch chunk failed",
				zap.Int("offset", start),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			chunkOutcomes = failChunk(chunk, err)
		}
		outcomes = append(outcomes, chunkOutcomes...)
	}
	return outcomes, nil
}

// submitChunk performs one batch call with chunk-level retries.
func (s *Submitter) submitChunk(ctx context.Context, chunk []indexing.Notification, cred indexing.Credential) ([]indexing.Outcome, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		outcomes, err := s.doBatchCall(ctx, chunk, cred)
		if err == nil {
			return outcomes, nil
		}
		lastErr = err
		var st *statusError
		if errors.As(err, &st) && !st.Retryable() {
			return nil, &indexing.TransportError{Attempts: attempt, Err: lastErr}
		}
		if !s.retry.ShouldRetry(err, attempt) {
			return nil, &indexing.TransportError{Attempts: attempt, Err: lastErr}
		}
		delay := s.retry.Backoff(attempt)
		s.logger.Debug("retrying batch chunk",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Submitter) doBatchCall(ctx context.Context, chunk []indexing.Notification, cred indexing.Credential) ([]indexing.Outcome, error) {
	body, contentType, err := encodeBatch(chunk)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode, detail: errorDetail(raw)}
	}
	return decodeBatch(chunk, resp.Header.Get("Content-Type"), resp.Body)
}

// failChunk marks every notification in a chunk according to the terminal
// transport error. An exhausted envelope 429 keeps the rate limited kind so
// the orchestrator can schedule a later retry rather than record a failure.
func failChunk(chunk []indexing.Notification, err error) []indexing.Outcome {
	kind := indexing.OutcomeFailed
	code := 0
	var st *statusError
	if errors.As(err, &st) {
		code = st.code
		if st.code == http.StatusTooManyRequests {
			kind = indexing.OutcomeRateLimited
		}
	}
	out := make([]indexing.Outcome, len(chunk))
	for i, note := range chunk {
		out[i] = indexing.Outcome{
			URL:    note.URL,
			Kind:   kind,
			Code:   code,
			Detail: err.Error(),
		}
	}
	return out
}

// statusError is a non-200 batch envelope response.
type statusError struct {
	code   int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("batch endpoint returned %d: %s", e.code, e.detail)
}

// Retryable reports whether the envelope status is transient.
func (e *statusError) Retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}
