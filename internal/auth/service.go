// Package auth manages the OAuth credential lifecycle for indexing calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/searchlight/indexer/internal/indexing"
)

// Scopes requested for user consent and the service account.
var Scopes = []string{
	"https://www.googleapis.com/auth/indexing",
	"https://www.googleapis.com/auth/webmasters.readonly",
}

// Config holds OAuth client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// AuthURL and TokenURL override the Google endpoints, primarily for tests.
	AuthURL  string
	TokenURL string
	// ServiceAccountJSON is a path to (or the inline content of) a service
	// account key. When set, users without stored credentials fall back to it.
	ServiceAccountJSON string
	// ExpirySkew treats tokens expiring within this window as already expired
	// so a token cannot lapse mid-batch.
	ExpirySkew time.Duration
}

// PropertyFetcher pulls the verified properties visible to a credential.
type PropertyFetcher interface {
	FetchProperties(ctx context.Context, cred indexing.Credential) ([]indexing.Property, error)
}

// Service implements indexing.CredentialProvider over a CredentialStore.
type Service struct {
	cfg        Config
	store      indexing.CredentialStore
	properties indexing.PropertyStore
	fetcher    PropertyFetcher
	clock      indexing.Clock
	logger     *zap.Logger

	oauth oauth2.Config
	saJWT []byte
}

// New constructs the credential service. properties and fetcher may be nil,
// in which case the property cache is not refreshed on code exchange.
func New(cfg Config, store indexing.CredentialStore, properties indexing.PropertyStore, fetcher PropertyFetcher, clock indexing.Clock, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = 2 * time.Minute
	}

	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		properties: properties,
		fetcher:    fetcher,
		clock:      clock,
		logger:     logger,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
	}
	if cfg.ServiceAccountJSON != "" {
		jwt, err := loadServiceAccountJSON(cfg.ServiceAccountJSON)
		if err != nil {
			return nil, err
		}
		s.saJWT = jwt
	}
	return s, nil
}

// SetPropertyFetcher wires the property fetcher after construction. The
// fetcher needs this service for credentials, so startup wires in two steps.
// Call before serving traffic.
func (s *Service) SetPropertyFetcher(f PropertyFetcher) {
	s.fetcher = f
}

func loadServiceAccountJSON(v string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		return []byte(v), nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	return data, nil
}

// AuthURL returns the consent URL for the authorization code flow. Offline
// access is requested so a refresh token is issued.
func (s *Service) AuthURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for tokens and stores them as the
// user's active credential, replacing any previous one. When the provider
// omits a refresh token on re-consent, the previously stored one is kept.
func (s *Service) ExchangeCode(ctx context.Context, userID, code string) (indexing.Credential, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return indexing.Credential{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	cred := indexing.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
		Scopes:       Scopes,
		Source:       indexing.SourceUserOAuth,
	}
	if cred.RefreshToken == "" {
		if prev, err := s.store.GetCredential(ctx, userID); err == nil && prev.Source == indexing.SourceUserOAuth {
			cred.RefreshToken = prev.RefreshToken
		}
	}
	if err := s.store.PutCredential(ctx, cred); err != nil {
		return indexing.Credential{}, fmt.Errorf("store credential: %w", err)
	}
	s.logger.Info("credential stored",
		zap.String("user_id", userID),
		zap.Time("expiry", cred.Expiry),
	)

	s.refreshPropertyCache(ctx, userID, cred)
	return cred, nil
}

func (s *Service) refreshPropertyCache(ctx context.Context, userID string, cred indexing.Credential) {
	if s.fetcher == nil || s.properties == nil {
		return
	}
	props, err := s.fetcher.FetchProperties(ctx, cred)
	if err != nil {
		s.logger.Warn("property fetch after exchange failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}
	if err := s.properties.PutProperties(ctx, userID, props); err != nil {
		s.logger.Warn("property cache write failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// EnsureValid returns a credential guaranteed to outlive the expiry skew.
// Expired user tokens are refreshed and the refreshed token persisted. When
// no user credential exists, or a refresh is permanently rejected and a
// service account is configured, the service account is used instead.
func (s *Service) EnsureValid(ctx context.Context, userID string) (indexing.Credential, error) {
	cred, err := s.store.GetCredential(ctx, userID)
	if errors.Is(err, indexing.ErrNotAuthenticated) {
		return s.serviceAccountCredential(ctx, userID)
	}
	if err != nil {
		return indexing.Credential{}, err
	}

	if !cred.Expired(s.clock.Now(), s.cfg.ExpirySkew) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return s.fallbackOrReauth(ctx, userID, fmt.Errorf("access token expired and no refresh token stored"))
	}

	refreshed, err := s.refresh(ctx, cred)
	if err != nil {
		s.logger.Warn("token refresh failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return s.fallbackOrReauth(ctx, userID, err)
	}
	if err := s.store.PutCredential(ctx, refreshed); err != nil {
		return indexing.Credential{}, fmt.Errorf("store refreshed credential: %w", err)
	}
	return refreshed, nil
}

func (s *Service) refresh(ctx context.Context, cred indexing.Credential) (indexing.Credential, error) {
	src := s.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		return indexing.Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	out := cred
	out.AccessToken = tok.AccessToken
	out.Expiry = tok.Expiry.UTC()
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func (s *Service) fallbackOrReauth(ctx context.Context, userID string, cause error) (indexing.Credential, error) {
	if s.saJWT != nil {
		s.logger.Info("falling back to service account",
			zap.String("user_id", userID),
		)
		return s.serviceAccountCredential(ctx, userID)
	}
	return indexing.Credential{}, fmt.Errorf("%w: %v", indexing.ErrReauthRequired, cause)
}

func (s *Service) serviceAccountCredential(ctx context.Context, userID string) (indexing.Credential, error) {
	if s.saJWT == nil {
		return indexing.Credential{}, indexing.ErrNotAuthenticated
	}
	jwtCfg, err := google.JWTConfigFromJSON(s.saJWT, Scopes...)
	if err != nil {
		return indexing.Credential{}, fmt.Errorf("parse service account key: %w", err)
	}
	if s.cfg.TokenURL != "" {
		jwtCfg.TokenURL = s.cfg.TokenURL
	}
	tok, err := jwtCfg.TokenSource(ctx).Token()
	if err != nil {
		return indexing.Credential{}, fmt.Errorf("mint service account token: %w", err)
	}
	return indexing.Credential{
		UserID:      userID,
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry.UTC(),
		Scopes:      Scopes,
		Source:      indexing.SourceServiceAccount,
	}, nil
}

// Revoke removes the user's stored credential. Revoking a user with no
// credential is a no-op.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.store.DeleteCredential(ctx, userID); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	s.logger.Info("credential revoked", zap.String("user_id", userID))
	return nil
}
