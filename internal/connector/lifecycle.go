package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/pockettdocs/backend/internal/auth"
	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/model"
)

// Lifecycle owns connector creation, disconnection and removal. Split from
// the aggregator reads so the encryptor stays off the read path.
type Lifecycle struct {
	connectors Connectors
	tokens     TokenSource
	encryptor  crypto.Encryptor
	notifier   Notifier
	now        func() time.Time
}

// NewLifecycle creates a Lifecycle. notifier may be nil.
func NewLifecycle(connectors Connectors, tokens TokenSource, encryptor crypto.Encryptor, notifier Notifier) *Lifecycle {
	return &Lifecycle{
		connectors: connectors,
		tokens:     tokens,
		encryptor:  encryptor,
		notifier:   notifier,
		now:        time.Now,
	}
}

func (l *Lifecycle) broadcast(event string, payload any) {
	if l.notifier != nil {
		l.notifier.Broadcast(event, payload)
	}
}

// StoreConnection persists a freshly authorized Google account as a connector
// of the org. Upserts on (org, Google account id): reconnecting the same
// account refreshes its tokens and reactivates it instead of duplicating it.
func (l *Lifecycle) StoreConnection(ctx context.Context, organizationID string, tok *oauth2.Token, info *auth.UserInfo) (*model.Connector, error) {
	if info.ID == "" {
		return nil, fmt.Errorf("google account id missing from userinfo")
	}

	encryptedRefresh := ""
	if tok.RefreshToken != "" {
		var err error
		encryptedRefresh, err = l.encryptor.Encrypt(ctx, tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	expiry := tok.Expiry
	connector := &model.Connector{
		ID:                    uuid.NewString(),
		OrganizationID:        organizationID,
		Type:                  model.ConnectorTypeGoogleDrive,
		AccountUserID:         info.ID,
		Email:                 info.Email,
		Name:                  info.Name,
		AvatarURL:             info.Picture,
		AccessToken:           tok.AccessToken,
		EncryptedRefreshToken: encryptedRefresh,
		TokenExpiresAt:        &expiry,
		Status:                model.ConnectorStatusActive,
	}
	if err := l.connectors.Upsert(ctx, connector); err != nil {
		return nil, err
	}

	log.Ctx(ctx).Info().
		Str("connector_id", connector.ID).
		Str("organization_id", organizationID).
		Str("email", info.Email).
		Msg("connector stored")
	l.broadcast("connector.connected", map[string]any{
		"connectorId":    connector.ID,
		"organizationId": organizationID,
		"email":          info.Email,
	})
	return connector, nil
}

// Connections lists the org's connectors, all statuses. Token material never
// leaves the model's JSON encoding.
func (l *Lifecycle) Connections(ctx context.Context, organizationID string) ([]model.Connector, error) {
	return l.connectors.FindForOrg(ctx, organizationID)
}

// Connection fetches one connector by id.
func (l *Lifecycle) Connection(ctx context.Context, connectorID string) (*model.Connector, error) {
	return l.connectors.Find(ctx, connectorID)
}

// UpdateSettings applies a read-modify-write over the connector's settings
// blob and returns the stored result.
func (l *Lifecycle) UpdateSettings(ctx context.Context, connectorID string, mutate func(model.ConnectorSettings) model.ConnectorSettings) (model.ConnectorSettings, error) {
	conn, err := l.connectors.Find(ctx, connectorID)
	if err != nil {
		return model.ConnectorSettings{}, err
	}
	updated := mutate(conn.Settings)
	if err := l.connectors.UpdateSettings(ctx, connectorID, updated); err != nil {
		return model.ConnectorSettings{}, err
	}
	return updated, nil
}

// DisconnectConnection revokes the connector's Google grant (best effort),
// marks it REVOKED and clears its token material. The row survives; so do its
// linked-file rows.
func (l *Lifecycle) DisconnectConnection(ctx context.Context, connectorID string) error {
	connector, err := l.connectors.Find(ctx, connectorID)
	if err != nil {
		return err
	}

	if connector.AccessToken != "" {
		if err := l.tokens.Revoke(ctx, connector.AccessToken); err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("connector_id", connectorID).
				Msg("google token revocation failed, disconnecting anyway")
		}
	}

	if err := l.connectors.SetStatus(ctx, connectorID, model.ConnectorStatusRevoked); err != nil {
		return err
	}
	if err := l.connectors.ClearTokens(ctx, connectorID); err != nil {
		return err
	}
	l.tokens.Invalidate(connectorID)

	log.Ctx(ctx).Info().Str("connector_id", connectorID).Msg("connector disconnected")
	l.broadcast("connector.disconnected", map[string]any{
		"connectorId":    connectorID,
		"organizationId": connector.OrganizationID,
	})
	return nil
}

// RemoveConnection deletes the connector and its linked-file rows outright.
func (l *Lifecycle) RemoveConnection(ctx context.Context, connectorID string) error {
	connector, err := l.connectors.Find(ctx, connectorID)
	if err != nil {
		return err
	}

	if err := l.connectors.Delete(ctx, connectorID); err != nil {
		return err
	}
	l.tokens.Invalidate(connectorID)

	log.Ctx(ctx).Info().Str("connector_id", connectorID).Msg("connector removed")
	l.broadcast("connector.removed", map[string]any{
		"connectorId":    connectorID,
		"organizationId": connector.OrganizationID,
	})
	return nil
}
