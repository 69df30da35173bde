package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/pockettdocs/backend/internal/model"
)

// OrgStore resolves organizations and memberships. The core only needs it to
// answer "which connectors belong to this caller".
type OrgStore struct {
	db *bun.DB
}

// NewOrgStore creates an OrgStore.
func NewOrgStore(db *bun.DB) *OrgStore {
	return &OrgStore{db: db}
}

// DefaultMembership returns the user's default organization membership, or the
// oldest one when none is flagged default.
func (s *OrgStore) DefaultMembership(ctx context.Context, userID string) (*model.OrganizationMember, error) {
	member := new(model.OrganizationMember)
	err := s.db.NewSelect().
		Model(member).
		Where("om.user_id = ?", userID).
		OrderExpr("om.is_default DESC").
		Order("om.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("membership for user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load membership for user %s: %w", userID, err)
	}
	return member, nil
}

// Organization returns one organization by id.
func (s *OrgStore) Organization(ctx context.Context, id string) (*model.Organization, error) {
	org := new(model.Organization)
	err := s.db.NewSelect().Model(org).Where("o.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load organization %s: %w", id, err)
	}
	return org, nil
}

// IsMember reports whether the user belongs to the organization.
func (s *OrgStore) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	count, err := s.db.NewSelect().
		Model((*model.OrganizationMember)(nil)).
		Where("om.organization_id = ?", organizationID).
		Where("om.user_id = ?", userID).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// Provision creates an organization together with its owner membership in a
// single transaction, so there is never an org without an owner. Idempotent
// per user: an existing membership short-circuits.
func (s *OrgStore) Provision(ctx context.Context, userID, email, name string) (*model.Organization, error) {
	if existing, err := s.DefaultMembership(ctx, userID); err == nil {
		return s.Organization(ctx, existing.OrganizationID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	slug, err := s.uniqueSlug(ctx, name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	org := &model.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		Email:     email,
		CreatedAt: now,
	}
	member := &model.OrganizationMember{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		UserID:         userID,
		Role:           "owner",
		IsDefault:      true,
		CreatedAt:      now,
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(org).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
		if _, err := tx.NewInsert().Model(member).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// uniqueSlug derives a URL slug from the organization name, appending a
// numeric suffix until it is free.
func (s *OrgStore) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := strings.Trim(slugSanitizer.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if base == "" {
		base = "org"
	}

	slug := base
	for i := 2; ; i++ {
		count, err := s.db.NewSelect().
			Model((*model.Organization)(nil)).
			Where("o.slug = ?", slug).
			Count(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to check slug availability: %w", err)
		}
		if count == 0 {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}
