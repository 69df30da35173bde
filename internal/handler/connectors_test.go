package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/oauth2"

	"github.com/pockettdocs/backend/internal/auth"
	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/model"
	"github.com/pockettdocs/backend/internal/store"
)

type fakeOrgs struct {
	membership *model.OrganizationMember
	orgs       map[string]*model.Organization
}

func (f *fakeOrgs) DefaultMembership(_ context.Context, _ string) (*model.OrganizationMember, error) {
	if f.membership == nil {
		return nil, store.ErrNotFound
	}
	return f.membership, nil
}

func (f *fakeOrgs) IsMember(_ context.Context, organizationID, _ string) (bool, error) {
	return f.membership != nil && f.membership.OrganizationID == organizationID, nil
}

func (f *fakeOrgs) Provision(_ context.Context, userID, email, name string) (*model.Organization, error) {
	org := &model.Organization{ID: "org-new", Name: name, Email: email, Slug: "org-new"}
	f.membership = &model.OrganizationMember{OrganizationID: org.ID, UserID: userID, Role: "owner"}
	return org, nil
}

type fakeOAuth struct {
	exchanged string
	info      *auth.UserInfo
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://accounts.example.com/consent?state=" + state
}

func (f *fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.exchanged = code
	return &oauth2.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeOAuth) Userinfo(_ context.Context, _ *oauth2.Token) (*auth.UserInfo, error) {
	return f.info, nil
}

// stubConnectors satisfies connector.Connectors; only Upsert and Find matter
// for the lifecycle paths under test.
type stubConnectors struct {
	upserted *model.Connector
}

func (s *stubConnectors) Find(_ context.Context, id string) (*model.Connector, error) {
	if s.upserted != nil && s.upserted.ID == id {
		c := *s.upserted
		return &c, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubConnectors) FindForOrg(_ context.Context, _ string) ([]model.Connector, error) {
	if s.upserted == nil {
		return nil, nil
	}
	return []model.Connector{*s.upserted}, nil
}

func (s *stubConnectors) FindActiveForOrg(_ context.Context, _ string) ([]model.Connector, error) {
	return nil, nil
}

func (s *stubConnectors) Upsert(_ context.Context, c *model.Connector) error {
	// Mirrors the store: on an (org, account) conflict the stored id wins.
	if s.upserted != nil && s.upserted.OrganizationID == c.OrganizationID && s.upserted.AccountUserID == c.AccountUserID {
		c.ID = s.upserted.ID
	}
	s.upserted = c
	return nil
}

func (s *stubConnectors) SetStatus(_ context.Context, _ string, status model.ConnectorStatus) error {
	s.upserted.Status = status
	return nil
}

func (s *stubConnectors) UpdateSettings(_ context.Context, _ string, settings model.ConnectorSettings) error {
	s.upserted.Settings = settings
	return nil
}

func (s *stubConnectors) ClearTokens(_ context.Context, _ string) error {
	s.upserted.AccessToken = ""
	s.upserted.EncryptedRefreshToken = ""
	return nil
}

func (s *stubConnectors) Delete(_ context.Context, _ string) error {
	s.upserted = nil
	return nil
}

type noopTokens struct{}

func (noopTokens) AccessToken(_ context.Context, _ string) (string, error) { return "at", nil }
func (noopTokens) Invalidate(_ string)                                     {}
func (noopTokens) Revoke(_ context.Context, _ string) error                { return nil }

func newConnectorHandler(orgs *fakeOrgs, conns *stubConnectors, oauth *fakeOAuth) *ConnectorHandler {
	lifecycle := connector.NewLifecycle(conns, noopTokens{}, crypto.NewPlainEncryptor(), nil)
	return NewConnectorHandler(lifecycle, nil, oauth, orgs, testSecret, "http://localhost:3000")
}

func authedRequest(t *testing.T, user string) events.APIGatewayProxyRequest {
	t.Helper()
	return events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": "Bearer " + signToken(t, user)},
	}
}

func TestInitiate_ReturnsConsentURL(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	h := newConnectorHandler(orgs, &stubConnectors{}, &fakeOAuth{})

	resp, err := h.Initiate(context.Background(), authedRequest(t, "user-1"))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["url"] == "" {
		t.Error("missing consent url")
	}
}

func TestInitiate_Unauthorized(t *testing.T) {
	h := newConnectorHandler(&fakeOrgs{}, &stubConnectors{}, &fakeOAuth{})

	resp, _ := h.Initiate(context.Background(), events.APIGatewayProxyRequest{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestInitiate_NoOrgProvisioned(t *testing.T) {
	h := newConnectorHandler(&fakeOrgs{}, &stubConnectors{}, &fakeOAuth{})

	resp, _ := h.Initiate(context.Background(), authedRequest(t, "user-1"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallback_StoresConnectionAndRedirects(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{}
	oauth := &fakeOAuth{info: &auth.UserInfo{ID: "google-123", Email: "a@example.com", Name: "A"}}
	h := newConnectorHandler(orgs, conns, oauth)

	state, err := h.signState("user-1", "org-1")
	if err != nil {
		t.Fatalf("signState: %v", err)
	}

	resp, err := h.Callback(context.Background(), events.APIGatewayProxyRequest{
		QueryStringParameters: map[string]string{"code": "auth-code", "state": state},
	})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302: %s", resp.StatusCode, resp.Body)
	}
	if oauth.exchanged != "auth-code" {
		t.Errorf("exchanged code = %q", oauth.exchanged)
	}
	if conns.upserted == nil {
		t.Fatal("no connector stored")
	}
	if conns.upserted.OrganizationID != "org-1" || conns.upserted.AccountUserID != "google-123" {
		t.Errorf("stored connector = %+v", conns.upserted)
	}
	if conns.upserted.Status != model.ConnectorStatusActive {
		t.Errorf("status = %q, want ACTIVE", conns.upserted.Status)
	}
	if conns.upserted.EncryptedRefreshToken == "" {
		t.Error("refresh token not stored encrypted")
	}
}

func TestCallback_TamperedStateRejected(t *testing.T) {
	h := newConnectorHandler(&fakeOrgs{}, &stubConnectors{}, &fakeOAuth{})

	resp, _ := h.Callback(context.Background(), events.APIGatewayProxyRequest{
		QueryStringParameters: map[string]string{"code": "c", "state": "garbage"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDelete_CrossOrgConnectorHidden(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "other-org"}}
	h := newConnectorHandler(orgs, conns, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.QueryStringParameters = map[string]string{"connectorId": "conn-1"}
	resp, _ := h.Delete(context.Background(), req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for cross-org connector", resp.StatusCode)
	}
}

func TestSettings_PartialUpdateKeepsOtherFields(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{
		ID:             "conn-1",
		OrganizationID: "org-1",
		Status:         model.ConnectorStatusActive,
		Settings:       model.ConnectorSettings{OnboardingStep: "import"},
	}}
	h := newConnectorHandler(orgs, conns, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.Body = `{"connectorId": "conn-1", "appFolderId": "folder-9"}`
	resp, _ := h.Settings(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if conns.upserted.Settings.AppFolderID != "folder-9" {
		t.Errorf("app folder = %q, want folder-9", conns.upserted.Settings.AppFolderID)
	}
	if conns.upserted.Settings.OnboardingStep != "import" {
		t.Errorf("onboarding step = %q, want unchanged", conns.upserted.Settings.OnboardingStep)
	}
}

func TestDelete_DisconnectKeepsRow(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{
		ID:             "conn-1",
		OrganizationID: "org-1",
		AccessToken:    "at-1",
		Status:         model.ConnectorStatusActive,
	}}
	h := newConnectorHandler(orgs, conns, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.QueryStringParameters = map[string]string{"connectorId": "conn-1"}
	resp, _ := h.Delete(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if conns.upserted == nil {
		t.Fatal("disconnect deleted the row")
	}
	if conns.upserted.Status != model.ConnectorStatusRevoked {
		t.Errorf("status = %q, want REVOKED", conns.upserted.Status)
	}
	if conns.upserted.AccessToken != "" {
		t.Error("token material not cleared")
	}
}

func TestDelete_RemoveDeletesRow(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "org-1"}}
	h := newConnectorHandler(orgs, conns, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.QueryStringParameters = map[string]string{"connectorId": "conn-1", "mode": "remove"}
	resp, _ := h.Delete(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if conns.upserted != nil {
		t.Error("remove should delete the row")
	}
}

func TestProvision(t *testing.T) {
	orgs := &fakeOrgs{}
	h := newConnectorHandler(orgs, &stubConnectors{}, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.Body = `{"name": "Acme", "email": "a@example.com"}`
	resp, _ := h.Provision(context.Background(), req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", resp.StatusCode, resp.Body)
	}
	if orgs.membership == nil || orgs.membership.Role != "owner" {
		t.Errorf("membership = %+v, want owner", orgs.membership)
	}
}

func TestProvision_MissingName(t *testing.T) {
	h := newConnectorHandler(&fakeOrgs{}, &stubConnectors{}, &fakeOAuth{})

	req := authedRequest(t, "user-1")
	req.Body = `{"email": "a@example.com"}`
	resp, _ := h.Provision(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
