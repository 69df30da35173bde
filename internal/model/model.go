// Package model defines the persistent rows of the connector store and the
// transient projections returned by the Drive aggregation layer.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ConnectorType identifies the external service a connector is linked to.
type ConnectorType string

const ConnectorTypeGoogleDrive ConnectorType = "GOOGLE_DRIVE"

// ConnectorStatus is the lifecycle state of a connector.
//
// REVOKED is terminal: reconnecting the same Google account re-upserts the row
// back to ACTIVE through StoreConnection rather than trusting token material
// from a revoked connector.
type ConnectorStatus string

const (
	ConnectorStatusPending ConnectorStatus = "PENDING"
	ConnectorStatusActive  ConnectorStatus = "ACTIVE"
	ConnectorStatusExpired ConnectorStatus = "EXPIRED"
	ConnectorStatusRevoked ConnectorStatus = "REVOKED"
)

// ConnectorSettings is the typed settings sub-structure stored as JSON on the
// connector row. Writers must read-modify-write the whole structure.
type ConnectorSettings struct {
	AppFolderID    string `json:"appFolderId,omitempty"`
	OnboardingStep string `json:"onboardingStep,omitempty"`
}

// Value serializes settings to JSON for storage.
func (s ConnectorSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan deserializes settings from the stored JSON. NULL scans to the zero
// value.
func (s *ConnectorSettings) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = ConnectorSettings{}
		return nil
	case []byte:
		if len(v) == 0 {
			*s = ConnectorSettings{}
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			*s = ConnectorSettings{}
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported settings column type %T", src)
	}
}

// Connector is one authorized Google Drive account linked to an organization.
// The refresh token is stored encrypted; the short-lived access token is kept
// in the clear since it expires within the hour anyway.
type Connector struct {
	bun.BaseModel `bun:"table:connectors,alias:c"`

	ID                    string            `bun:"id,pk" json:"id"`
	OrganizationID        string            `bun:"organization_id,notnull" json:"organizationId"`
	Type                  ConnectorType     `bun:"type,notnull" json:"type"`
	AccountUserID         string            `bun:"account_user_id,notnull" json:"accountUserId"`
	Email                 string            `bun:"email,notnull" json:"email"`
	Name                  string            `bun:"name" json:"name"`
	AvatarURL             string            `bun:"avatar_url" json:"avatarUrl,omitempty"`
	AccessToken           string            `bun:"access_token" json:"-"`
	EncryptedRefreshToken string            `bun:"encrypted_refresh_token" json:"-"`
	TokenExpiresAt        *time.Time        `bun:"token_expires_at,nullzero" json:"tokenExpiresAt,omitempty"`
	Status                ConnectorStatus   `bun:"status,notnull" json:"status"`
	Settings              ConnectorSettings `bun:"settings,type:jsonb" json:"settings"`
	LastSyncAt            *time.Time        `bun:"last_sync_at,nullzero" json:"lastSyncAt,omitempty"`
	CreatedAt             time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt             time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

// LinkedFile tracks a Drive file imported into the portal through a connector.
// Revocation flips IsGrantRevoked instead of deleting the row so historical
// linkage survives for audit.
type LinkedFile struct {
	bun.BaseModel `bun:"table:linked_files,alias:lf"`

	ConnectorID    string    `bun:"connector_id,pk" json:"connectorId"`
	FileID         string    `bun:"file_id,pk" json:"fileId"`
	LinkedAt       time.Time `bun:"linked_at,nullzero,notnull,default:current_timestamp" json:"linkedAt"`
	IsGrantRevoked bool      `bun:"is_grant_revoked,notnull,default:false" json:"isGrantRevoked"`
}

// Organization is the tenant that owns connectors.
type Organization struct {
	bun.BaseModel `bun:"table:organizations,alias:o"`

	ID          string    `bun:"id,pk" json:"id"`
	Slug        string    `bun:"slug,notnull,unique" json:"slug"`
	Name        string    `bun:"name,notnull" json:"name"`
	Email       string    `bun:"email" json:"email"`
	DisplayName string    `bun:"display_name" json:"displayName,omitempty"`
	AvatarURL   string    `bun:"avatar_url" json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// OrganizationMember grants a user visibility into an organization's
// connector set.
type OrganizationMember struct {
	bun.BaseModel `bun:"table:organization_members,alias:om"`

	ID             string    `bun:"id,pk" json:"id"`
	OrganizationID string    `bun:"organization_id,notnull" json:"organizationId"`
	UserID         string    `bun:"user_id,notnull" json:"userId"`
	Role           string    `bun:"role,notnull" json:"role"`
	IsDefault      bool      `bun:"is_default,notnull,default:false" json:"isDefault"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

// BadgeType classifies a derived file badge.
type BadgeType string

const (
	BadgeRisk      BadgeType = "risk"
	BadgeSensitive BadgeType = "sensitive"
)

// Badge is a derived marker attached to a DriveFile.
type Badge struct {
	Type  BadgeType `json:"type"`
	Label string    `json:"label,omitempty"`
}

// DriveFile is the normalized, non-persisted projection of a Drive file
// resource. Size is kept as the API's numeric string and parsed defensively
// where size math is needed.
type DriveFile struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	MimeType       string     `json:"mimeType"`
	Size           string     `json:"size,omitempty"`
	ModifiedTime   *time.Time `json:"modifiedTime,omitempty"`
	ViewedByMeTime *time.Time `json:"viewedByMeTime,omitempty"`
	CreatedTime    *time.Time `json:"createdTime,omitempty"`
	WebViewLink    string     `json:"webViewLink,omitempty"`
	IconLink       string     `json:"iconLink,omitempty"`
	Trashed        bool       `json:"trashed,omitempty"`
	Shared         bool       `json:"shared,omitempty"`
	OwnedByMe      bool       `json:"ownedByMe,omitempty"`
	ActivityCount  int        `json:"activityCount,omitempty"`
	Badges         []Badge    `json:"badges,omitempty"`

	// Sharing entries returned inline by files.list. Absent for items the
	// API does not expose permissions on (for example shared-drive files).
	Permissions []Permission `json:"permissions,omitempty"`

	// Set when results from several connectors are merged.
	ConnectorID string `json:"connectorId,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Permission is the normalized Drive permission resource.
type Permission struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"` // user, group, domain, anyone
	Role           string     `json:"role"`
	EmailAddress   string     `json:"emailAddress,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	AllowDiscovery bool       `json:"allowFileDiscovery,omitempty"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
}

// Revision is one entry of a file's revision history.
type Revision struct {
	ID           string     `json:"id"`
	ModifiedTime *time.Time `json:"modifiedTime,omitempty"`
	LastModifier string     `json:"lastModifier,omitempty"`
	Size         string     `json:"size,omitempty"`
	KeepForever  bool       `json:"keepForever,omitempty"`
}

// StorageQuota mirrors Drive's about.storageQuota: numeric strings, additive
// across accounts.
type StorageQuota struct {
	Limit string `json:"limit"`
	Usage string `json:"usage"`
}

// AccountInfo is the identity behind a connector, per Drive's about.user.
type AccountInfo struct {
	Email     string       `json:"email"`
	Name      string       `json:"name"`
	PhotoLink string       `json:"picture,omitempty"`
	Quota     StorageQuota `json:"quota"`
}

const FolderMimeType = "application/vnd.google-apps.folder"

// TimeRange bounds the lookback window of recency and activity queries.
type TimeRange string

const (
	RangeDay   TimeRange = "24h"
	RangeWeek  TimeRange = "7d"
	RangeMonth TimeRange = "30d"
	RangeYear  TimeRange = "1y"
)

// ParseRange maps a query-string range to a TimeRange, defaulting to 7d.
func ParseRange(s string) TimeRange {
	switch TimeRange(s) {
	case RangeDay, RangeWeek, RangeMonth, RangeYear:
		return TimeRange(s)
	default:
		return RangeWeek
	}
}

// Duration converts the range to a lookback duration.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case RangeDay:
		return 24 * time.Hour
	case RangeMonth:
		return 30 * 24 * time.Hour
	case RangeYear:
		return 365 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}
