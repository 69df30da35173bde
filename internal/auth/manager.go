// Package auth owns the OAuth token lifecycle of connectors: code exchange on
// callback, access-token refresh before every Drive call, and revocation on
// disconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/drive"
	"github.com/pockettdocs/backend/internal/model"
	"github.com/pockettdocs/backend/internal/store"
)

const (
	// A token within this margin of expiry is treated as expired, so a Drive
	// call never starts with a token about to lapse mid-flight.
	defaultSafetyMargin = 5 * time.Minute

	defaultRevokeEndpoint = "https://oauth2.googleapis.com/revoke"

	// Revocation is best effort; a hanging Google endpoint must not stall
	// the disconnect path.
	defaultRevokeTimeout = 10 * time.Second
)

// ConnectorTokens is the slice of the connector store the manager needs.
type ConnectorTokens interface {
	Find(ctx context.Context, id string) (*model.Connector, error)
	UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, encryptedRefreshToken string) error
	SetStatus(ctx context.Context, id string, status model.ConnectorStatus) error
}

// Options tune the manager; zero values take defaults. Endpoint overrides
// exist for tests.
type Options struct {
	SafetyMargin     time.Duration
	RevokeEndpoint   string
	RevokeTimeout    time.Duration
	UserinfoEndpoint string
	Now              func() time.Time
}

// Manager guarantees a valid, non-expired access token before each outbound
// Drive call. Refreshes are single-flighted per connector id so concurrent
// requests against an expiring token trigger exactly one token-endpoint call;
// Google invalidates the previous refresh token on some rotation policies, so
// racing refreshes is not just wasteful but destructive.
type Manager struct {
	oauthConfig *oauth2.Config
	connectors  ConnectorTokens
	encryptor   crypto.Encryptor

	cache *ttlcache.Cache[string, string]
	group singleflight.Group

	safetyMargin     time.Duration
	revokeEndpoint   string
	revokeClient     *http.Client
	userinfoEndpoint string
	now              func() time.Time
}

// NewManager creates a Manager.
func NewManager(oauthConfig *oauth2.Config, connectors ConnectorTokens, encryptor crypto.Encryptor, opts Options) *Manager {
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.RevokeEndpoint == "" {
		opts.RevokeEndpoint = defaultRevokeEndpoint
	}
	if opts.RevokeTimeout <= 0 {
		opts.RevokeTimeout = defaultRevokeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &Manager{
		oauthConfig:      oauthConfig,
		connectors:       connectors,
		encryptor:        encryptor,
		cache:            cache,
		safetyMargin:     opts.SafetyMargin,
		revokeEndpoint:   opts.RevokeEndpoint,
		revokeClient:     &http.Client{Timeout: opts.RevokeTimeout},
		userinfoEndpoint: opts.UserinfoEndpoint,
		now:              opts.Now,
	}
}

// Config returns the OAuth2 config.
func (m *Manager) Config() *oauth2.Config {
	return m.oauthConfig
}

// AuthCodeURL returns the Google consent URL for connecting a Drive account.
// offline access + forced approval so a refresh token is always issued.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens (OAuth callback path).
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := m.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", drive.Classify(err))
	}
	return tok, nil
}

// UserInfo is the Google account identity behind a freshly exchanged token.
type UserInfo struct {
	ID      string
	Email   string
	Name    string
	Picture string
}

// Userinfo resolves the account identity for a token via the oauth2/v2 API.
func (m *Manager) Userinfo(ctx context.Context, tok *oauth2.Token) (*UserInfo, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(tok)),
	}
	if m.userinfoEndpoint != "" {
		opts = append(opts, option.WithEndpoint(m.userinfoEndpoint))
	}
	svc, err := goauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create userinfo service: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to fetch user info: %w", drive.Classify(err))
	}
	return &UserInfo{
		ID:      info.Id,
		Email:   info.Email,
		Name:    info.Name,
		Picture: info.Picture,
	}, nil
}

// AccessToken returns a valid bearer token for the connector, refreshing and
// persisting first when the stored token is expired or about to expire. The
// refreshed token hits the database before the caller proceeds to Drive.
func (m *Manager) AccessToken(ctx context.Context, connectorID string) (string, error) {
	if item := m.cache.Get(connectorID); item != nil {
		return item.Value(), nil
	}

	token, err, _ := m.group.Do(connectorID, func() (any, error) {
		return m.resolveToken(ctx, connectorID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Invalidate drops any cached token for the connector. Called on disconnect.
func (m *Manager) Invalidate(connectorID string) {
	m.cache.Delete(connectorID)
}

func (m *Manager) resolveToken(ctx context.Context, connectorID string) (string, error) {
	// Re-check under the flight: a concurrent caller may already have
	// refreshed and populated the cache.
	if item := m.cache.Get(connectorID); item != nil {
		return item.Value(), nil
	}

	connector, err := m.connectors.Find(ctx, connectorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", drive.NotFoundError("connector " + connectorID)
		}
		return "", err
	}
	if connector.Status == model.ConnectorStatusRevoked {
		return "", drive.AuthExpiredError(fmt.Errorf("connector %s is revoked", connectorID))
	}

	now := m.now()
	if connector.AccessToken != "" && connector.TokenExpiresAt != nil &&
		now.Before(connector.TokenExpiresAt.Add(-m.safetyMargin)) {
		m.cacheToken(connectorID, connector.AccessToken, *connector.TokenExpiresAt)
		return connector.AccessToken, nil
	}

	return m.refresh(ctx, connector)
}

func (m *Manager) refresh(ctx context.Context, connector *model.Connector) (string, error) {
	if connector.EncryptedRefreshToken == "" {
		return "", drive.AuthExpiredError(fmt.Errorf("connector %s has no refresh token", connector.ID))
	}

	refreshToken, err := m.encryptor.Decrypt(ctx, connector.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token for connector %s: %w", connector.ID, err)
	}

	log.Ctx(ctx).Debug().Str("connector_id", connector.ID).Msg("access token expired, refreshing")

	ts := m.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		classified := drive.Classify(err)
		if drive.IsAuthExpired(classified) {
			// The refresh token is gone for good; flag the connector so the
			// boundary can prompt a reconnect instead of retrying forever.
			if stErr := m.connectors.SetStatus(ctx, connector.ID, model.ConnectorStatusExpired); stErr != nil {
				log.Ctx(ctx).Error().Err(stErr).Str("connector_id", connector.ID).Msg("failed to flag expired connector")
			}
		}
		return "", fmt.Errorf("token refresh failed for connector %s: %w", connector.ID, classified)
	}

	// Google may rotate the refresh token; persist the new one when it does.
	rotated := ""
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		rotated, err = m.encryptor.Encrypt(ctx, tok.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt rotated refresh token: %w", err)
		}
	}

	if err := m.connectors.UpdateTokens(ctx, connector.ID, tok.AccessToken, tok.Expiry, rotated); err != nil {
		return "", err
	}

	m.cacheToken(connector.ID, tok.AccessToken, tok.Expiry)
	return tok.AccessToken, nil
}

func (m *Manager) cacheToken(connectorID, token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt.Add(-m.safetyMargin))
	if ttl <= 0 {
		return
	}
	m.cache.Set(connectorID, token, ttl)
}

// Revoke tells Google to invalidate the token. Best effort: disconnect
// proceeds locally even when Google rejects the call.
func (m *Manager) Revoke(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("unable to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.revokeClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", drive.Classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &drive.Error{Kind: drive.KindAPIError, Status: resp.StatusCode, Message: "token revocation rejected"}
	}
	return nil
}
