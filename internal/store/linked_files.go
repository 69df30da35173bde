package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/pockettdocs/backend/internal/model"
)

// LinkedFileStore persists the files a connector keeps tracking after an
// import. Rows are never deleted on revoke, only flagged.
type LinkedFileStore struct {
	db *bun.DB
}

// NewLinkedFileStore creates a LinkedFileStore.
func NewLinkedFileStore(db *bun.DB) *LinkedFileStore {
	return &LinkedFileStore{db: db}
}

// UpsertLinks records the given file ids as linked to the connector. Re-linking
// a previously revoked file reactivates the grant and bumps linkedAt. All rows
// are written in one transaction so a failed import leaves no partial state.
func (s *LinkedFileStore) UpsertLinks(ctx context.Context, connectorID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, fileID := range fileIDs {
			link := &model.LinkedFile{
				ConnectorID:    connectorID,
				FileID:         fileID,
				LinkedAt:       now,
				IsGrantRevoked: false,
			}
			_, err := tx.NewInsert().
				Model(link).
				On("CONFLICT (connector_id, file_id) DO UPDATE").
				Set("is_grant_revoked = ?", false).
				Set("linked_at = ?", now).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to link file %s: %w", fileID, err)
			}
		}
		return nil
	})
}

// ActiveForConnector returns the non-revoked links of a connector, most
// recently linked first.
func (s *LinkedFileStore) ActiveForConnector(ctx context.Context, connectorID string) ([]model.LinkedFile, error) {
	var links []model.LinkedFile
	err := s.db.NewSelect().
		Model(&links).
		Where("lf.connector_id = ?", connectorID).
		Where("lf.is_grant_revoked = ?", false).
		Order("lf.linked_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked files for connector %s: %w", connectorID, err)
	}
	return links, nil
}

// Revoke soft-deletes a link by setting the revoked flag. The row and the
// Drive file stay untouched otherwise.
func (s *LinkedFileStore) Revoke(ctx context.Context, connectorID, fileID string) error {
	res, err := s.db.NewUpdate().
		Model((*model.LinkedFile)(nil)).
		Set("is_grant_revoked = ?", true).
		Where("connector_id = ?", connectorID).
		Where("file_id = ?", fileID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke linked file %s: %w", fileID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("linked file %s: %w", fileID, ErrNotFound)
	}
	return nil
}
