package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/pockettdocs/backend/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ConnectorStore reads and writes connector rows. Token refreshes are
// single-row updates keyed by connector id, so no cross-row transaction is
// needed here.
type ConnectorStore struct {
	db *bun.DB
}

// NewConnectorStore creates a ConnectorStore.
func NewConnectorStore(db *bun.DB) *ConnectorStore {
	return &ConnectorStore{db: db}
}

// Find returns the connector with the given id.
func (s *ConnectorStore) Find(ctx context.Context, id string) (*model.Connector, error) {
	connector := new(model.Connector)
	err := s.db.NewSelect().Model(connector).Where("c.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connector %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load connector %s: %w", id, err)
	}
	return connector, nil
}

// FindActiveForOrg returns all ACTIVE Google Drive connectors of an
// organization, oldest first so fan-out merge order is deterministic.
func (s *ConnectorStore) FindActiveForOrg(ctx context.Context, organizationID string) ([]model.Connector, error) {
	var connectors []model.Connector
	err := s.db.NewSelect().
		Model(&connectors).
		Where("c.organization_id = ?", organizationID).
		Where("c.type = ?", model.ConnectorTypeGoogleDrive).
		Where("c.status = ?", model.ConnectorStatusActive).
		Order("c.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load connectors for org %s: %w", organizationID, err)
	}
	return connectors, nil
}

// FindForOrg returns every connector of the organization regardless of status.
func (s *ConnectorStore) FindForOrg(ctx context.Context, organizationID string) ([]model.Connector, error) {
	var connectors []model.Connector
	err := s.db.NewSelect().
		Model(&connectors).
		Where("c.organization_id = ?", organizationID).
		Where("c.type = ?", model.ConnectorTypeGoogleDrive).
		Order("c.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load connectors for org %s: %w", organizationID, err)
	}
	return connectors, nil
}

// Upsert inserts a connector or, when a row for the same
// (organization, Google account) already exists, refreshes its identity and
// token columns and flips it back to ACTIVE. Repeated OAuth callbacks for the
// same account therefore never create duplicate rows.
func (s *ConnectorStore) Upsert(ctx context.Context, connector *model.Connector) error {
	now := time.Now().UTC()
	if connector.CreatedAt.IsZero() {
		connector.CreatedAt = now
	}
	connector.UpdatedAt = now

	_, err := s.db.NewInsert().
		Model(connector).
		On("CONFLICT (organization_id, account_user_id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("name = EXCLUDED.name").
		Set("avatar_url = EXCLUDED.avatar_url").
		Set("access_token = EXCLUDED.access_token").
		Set("encrypted_refresh_token = EXCLUDED.encrypted_refresh_token").
		Set("token_expires_at = EXCLUDED.token_expires_at").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert connector: %w", err)
	}

	// On conflict the existing row id wins. Hand the caller the row that is
	// actually stored, not the candidate id it generated.
	var stored model.Connector
	err = s.db.NewSelect().
		Model(&stored).
		Where("organization_id = ?", connector.OrganizationID).
		Where("account_user_id = ?", connector.AccountUserID).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to load upserted connector: %w", err)
	}
	connector.ID = stored.ID
	connector.CreatedAt = stored.CreatedAt
	return nil
}

// UpdateTokens persists a refreshed access token and expiry. When the refresh
// token was rotated, the new encrypted value is persisted too. Last write wins
// under concurrent refreshes; Google tolerates a brief overlap window.
func (s *ConnectorStore) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, encryptedRefreshToken string) error {
	q := s.db.NewUpdate().
		Model((*model.Connector)(nil)).
		Set("access_token = ?", accessToken).
		Set("token_expires_at = ?", expiresAt.UTC()).
		Set("status = ?", model.ConnectorStatusActive).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if encryptedRefreshToken != "" {
		q = q.Set("encrypted_refresh_token = ?", encryptedRefreshToken)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update tokens for connector %s: %w", id, err)
	}
	return nil
}

// SetStatus transitions a connector's status.
func (s *ConnectorStore) SetStatus(ctx context.Context, id string, status model.ConnectorStatus) error {
	_, err := s.db.NewUpdate().
		Model((*model.Connector)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set status for connector %s: %w", id, err)
	}
	return nil
}

// ClearTokens wipes the token material from the row. Used on disconnect so a
// REVOKED connector cannot be used to reach Drive.
func (s *ConnectorStore) ClearTokens(ctx context.Context, id string) error {
	_, err := s.db.NewUpdate().
		Model((*model.Connector)(nil)).
		Set("access_token = ''").
		Set("encrypted_refresh_token = ''").
		Set("token_expires_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear tokens for connector %s: %w", id, err)
	}
	return nil
}

// UpdateSettings replaces the settings blob. Callers read, modify and write
// the whole typed structure; there is no merge-on-write.
func (s *ConnectorStore) UpdateSettings(ctx context.Context, id string, settings model.ConnectorSettings) error {
	_, err := s.db.NewUpdate().
		Model((*model.Connector)(nil)).
		Set("settings = ?", settings).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update settings for connector %s: %w", id, err)
	}
	return nil
}

// Delete hard-deletes the connector row and its linked files in one
// transaction.
func (s *ConnectorStore) Delete(ctx context.Context, id string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*model.LinkedFile)(nil)).
			Where("connector_id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete linked files for connector %s: %w", id, err)
		}
		if _, err := tx.NewDelete().
			Model((*model.Connector)(nil)).
			Where("id = ?", id).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete connector %s: %w", id, err)
		}
		return nil
	})
}
