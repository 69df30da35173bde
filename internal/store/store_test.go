package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/pockettdocs/backend/internal/model"
)

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	// A per-test database name keeps parallel test state apart.
	db, err := Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := InitSchema(context.Background(), db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func testConnector(orgID, account string) *model.Connector {
	return &model.Connector{
		ID:                    uuid.NewString(),
		OrganizationID:        orgID,
		Type:                  model.ConnectorTypeGoogleDrive,
		AccountUserID:         account,
		Email:                 account + "@example.com",
		Name:                  "Test Account",
		AccessToken:           "at-1",
		EncryptedRefreshToken: "enc-rt-1",
		Status:                model.ConnectorStatusActive,
	}
}

func TestConnectorUpsert_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	first := testConnector("org-1", "acct-1")
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Reconnect: same org and account, new row id and fresh tokens.
	second := testConnector("org-1", "acct-1")
	second.AccessToken = "at-2"
	second.EncryptedRefreshToken = "enc-rt-2"
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	conns, err := s.FindForOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("FindForOrg: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("connectors = %d, want 1 (no duplicate rows)", len(conns))
	}
	if conns[0].ID != first.ID {
		t.Errorf("row id = %q, want original %q", conns[0].ID, first.ID)
	}
	if conns[0].AccessToken != "at-2" {
		t.Errorf("access token = %q, want at-2", conns[0].AccessToken)
	}
	// The caller's model must reflect the stored row, not the candidate id
	// the reconnect generated.
	if second.ID != first.ID {
		t.Errorf("upsert left id = %q on the model, want stored %q", second.ID, first.ID)
	}
}

func TestConnectorUpsert_SameAccountDifferentOrgs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	if err := s.Upsert(ctx, testConnector("org-1", "acct-1")); err != nil {
		t.Fatalf("upsert org-1: %v", err)
	}
	if err := s.Upsert(ctx, testConnector("org-2", "acct-1")); err != nil {
		t.Fatalf("upsert org-2: %v", err)
	}

	for _, org := range []string{"org-1", "org-2"} {
		conns, err := s.FindForOrg(ctx, org)
		if err != nil {
			t.Fatalf("FindForOrg(%s): %v", org, err)
		}
		if len(conns) != 1 {
			t.Errorf("%s connectors = %d, want 1", org, len(conns))
		}
	}
}

func TestUpdateTokens_ReactivatesAndKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	c := testConnector("org-1", "acct-1")
	c.Status = model.ConnectorStatusExpired
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := s.UpdateTokens(ctx, c.ID, "at-fresh", expiry, ""); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	got, err := s.Find(ctx, c.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AccessToken != "at-fresh" {
		t.Errorf("access token = %q, want at-fresh", got.AccessToken)
	}
	if got.Status != model.ConnectorStatusActive {
		t.Errorf("status = %q, want ACTIVE", got.Status)
	}
	if got.EncryptedRefreshToken != "enc-rt-1" {
		t.Errorf("refresh token = %q, want original kept", got.EncryptedRefreshToken)
	}
	if got.TokenExpiresAt == nil || !got.TokenExpiresAt.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", got.TokenExpiresAt, expiry)
	}
}

func TestUpdateTokens_PersistsRotatedRefreshToken(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	c := testConnector("org-1", "acct-1")
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateTokens(ctx, c.ID, "at-2", time.Now().Add(time.Hour), "enc-rt-rotated"); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	got, err := s.Find(ctx, c.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.EncryptedRefreshToken != "enc-rt-rotated" {
		t.Errorf("refresh token = %q, want rotated value", got.EncryptedRefreshToken)
	}
}

func TestClearTokens(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	c := testConnector("org-1", "acct-1")
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetStatus(ctx, c.ID, model.ConnectorStatusRevoked); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.ClearTokens(ctx, c.ID); err != nil {
		t.Fatalf("ClearTokens: %v", err)
	}

	got, err := s.Find(ctx, c.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AccessToken != "" || got.EncryptedRefreshToken != "" || got.TokenExpiresAt != nil {
		t.Errorf("token material not cleared: %+v", got)
	}
	if got.Status != model.ConnectorStatusRevoked {
		t.Errorf("status = %q, want REVOKED", got.Status)
	}

	// Revoked connectors drop out of the active set.
	active, err := s.FindActiveForOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("FindActiveForOrg: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active connectors = %d, want 0", len(active))
	}
}

func TestDelete_CascadesToLinkedFiles(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	connectors := NewConnectorStore(db)
	linked := NewLinkedFileStore(db)

	c := testConnector("org-1", "acct-1")
	if err := connectors.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := linked.UpsertLinks(ctx, c.ID, []string{"f1", "f2"}); err != nil {
		t.Fatalf("UpsertLinks: %v", err)
	}

	if err := connectors.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := connectors.Find(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find after delete = %v, want ErrNotFound", err)
	}
	rows, err := linked.ActiveForConnector(ctx, c.ID)
	if err != nil {
		t.Fatalf("ActiveForConnector: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("linked rows after delete = %d, want 0", len(rows))
	}
}

func TestLinkedFiles_RevokeAndRelink(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	linked := NewLinkedFileStore(db)

	if err := linked.UpsertLinks(ctx, "conn-1", []string{"f1"}); err != nil {
		t.Fatalf("UpsertLinks: %v", err)
	}
	if err := linked.Revoke(ctx, "conn-1", "f1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	rows, err := linked.ActiveForConnector(ctx, "conn-1")
	if err != nil {
		t.Fatalf("ActiveForConnector: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("active rows = %d, want 0 after revoke", len(rows))
	}

	// Re-importing the same file clears the revoked flag on the same row.
	if err := linked.UpsertLinks(ctx, "conn-1", []string{"f1"}); err != nil {
		t.Fatalf("re-link: %v", err)
	}
	rows, err = linked.ActiveForConnector(ctx, "conn-1")
	if err != nil {
		t.Fatalf("ActiveForConnector: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("active rows = %d, want 1 after re-link", len(rows))
	}
}

func TestLinkedFiles_RevokeMissing(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	linked := NewLinkedFileStore(db)

	if err := linked.Revoke(ctx, "conn-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke = %v, want ErrNotFound", err)
	}
}

func TestProvision_IdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	orgs := NewOrgStore(db)

	org1, err := orgs.Provision(ctx, "user-1", "a@example.com", "Acme Inc")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if org1.Slug != "acme-inc" {
		t.Errorf("slug = %q, want acme-inc", org1.Slug)
	}

	org2, err := orgs.Provision(ctx, "user-1", "a@example.com", "Acme Inc")
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if org2.ID != org1.ID {
		t.Errorf("second provision created a new org %q, want %q", org2.ID, org1.ID)
	}

	member, err := orgs.DefaultMembership(ctx, "user-1")
	if err != nil {
		t.Fatalf("DefaultMembership: %v", err)
	}
	if member.OrganizationID != org1.ID || member.Role != "owner" {
		t.Errorf("membership = %+v, want owner of %s", member, org1.ID)
	}
}

func TestProvision_SlugCollision(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	orgs := NewOrgStore(db)

	first, err := orgs.Provision(ctx, "user-1", "", "Acme")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	second, err := orgs.Provision(ctx, "user-2", "", "Acme")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if first.Slug != "acme" || second.Slug != "acme-2" {
		t.Errorf("slugs = (%q, %q), want (acme, acme-2)", first.Slug, second.Slug)
	}
}

func TestConnectorSettings_ReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewConnectorStore(db)

	c := testConnector("org-1", "acct-1")
	if err := s.Upsert(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateSettings(ctx, c.ID, model.ConnectorSettings{AppFolderID: "folder-1", OnboardingStep: "done"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	got, err := s.Find(ctx, c.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Settings.AppFolderID != "folder-1" || got.Settings.OnboardingStep != "done" {
		t.Errorf("settings = %+v, want folder-1/done", got.Settings)
	}
}
