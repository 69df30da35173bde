package handler

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/drive"
	"github.com/pockettdocs/backend/internal/model"
)

func TestMetrics_Unauthorized(t *testing.T) {
	h := NewMetricsHandler(nil, &fakeOrgs{}, testSecret)

	resp, _ := h.Metrics(context.Background(), events.APIGatewayProxyRequest{})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMetrics_UnknownType(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	h := NewMetricsHandler(nil, orgs, testSecret)

	req := authedRequest(t, "user-1")
	req.QueryStringParameters = map[string]string{"type": "bogus"}
	resp, _ := h.Metrics(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func newFileHandler(orgs *fakeOrgs, conns *stubConnectors) *FileHandler {
	lifecycle := connector.NewLifecycle(conns, noopTokens{}, crypto.NewPlainEncryptor(), nil)
	return NewFileHandler(lifecycle, nil, orgs, testSecret)
}

// stubDriveClient overrides only the calls a test scripts; anything else is
// never reached.
type stubDriveClient struct {
	connector.DriveClient
	file          model.DriveFile
	content       string
	deletePermErr error
}

func (s *stubDriveClient) GetFile(_ context.Context, _ string) (model.DriveFile, error) {
	return s.file, nil
}

func (s *stubDriveClient) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func (s *stubDriveClient) DeletePermission(_ context.Context, _, _ string) error {
	return s.deletePermErr
}

type stubLinked struct{}

func (stubLinked) UpsertLinks(_ context.Context, _ string, _ []string) error { return nil }
func (stubLinked) ActiveForConnector(_ context.Context, _ string) ([]model.LinkedFile, error) {
	return nil, nil
}
func (stubLinked) Revoke(_ context.Context, _, _ string) error { return nil }

func newFileHandlerWithClient(orgs *fakeOrgs, conns *stubConnectors, client connector.DriveClient) *FileHandler {
	factory := connector.ClientFactoryFunc(func(_ context.Context, _ string) (connector.DriveClient, error) {
		return client, nil
	})
	agg := connector.NewAggregator(conns, stubLinked{}, factory, noopTokens{}, nil)
	lifecycle := connector.NewLifecycle(conns, noopTokens{}, crypto.NewPlainEncryptor(), nil)
	return NewFileHandler(lifecycle, agg, orgs, testSecret)
}

func TestAction_FailedPermissionRevokeReturns500(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "org-1", Status: model.ConnectorStatusActive}}
	client := &stubDriveClient{deletePermErr: &drive.Error{Kind: drive.KindAPIError, Status: 403, Message: "forbidden"}}
	h := newFileHandlerWithClient(orgs, conns, client)

	req := authedRequest(t, "user-1")
	req.Body = `{"action": "revoke-permission", "connectorId": "conn-1", "fileId": "f1", "permissionId": "p1"}`
	resp, _ := h.Action(context.Background(), req)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500: %s", resp.StatusCode, resp.Body)
	}
	if !strings.Contains(resp.Body, `"ok":false`) {
		t.Errorf("body = %s, want ok:false", resp.Body)
	}
}

func TestDownload_StreamsBase64Body(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "org-1", Status: model.ConnectorStatusActive}}
	client := &stubDriveClient{
		file:    model.DriveFile{ID: "f1", Name: "report.pdf", MimeType: "application/pdf"},
		content: "pdf bytes",
	}
	h := newFileHandlerWithClient(orgs, conns, client)

	req := authedRequest(t, "user-1")
	req.QueryStringParameters = map[string]string{"connectorId": "conn-1", "fileId": "f1"}
	resp, _ := h.Download(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, resp.Body)
	}
	if !resp.IsBase64Encoded {
		t.Fatal("response not marked base64")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(data) != "pdf bytes" {
		t.Errorf("body = %q, want %q", data, "pdf bytes")
	}
	if ct := resp.Headers["Content-Type"]; ct != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", ct)
	}
}

func TestAction_MissingFileID(t *testing.T) {
	h := newFileHandler(&fakeOrgs{}, &stubConnectors{})

	req := authedRequest(t, "user-1")
	req.Body = `{"action": "trash", "connectorId": "conn-1"}`
	resp, _ := h.Action(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAction_UnknownAction(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "org-1"}}
	h := newFileHandler(orgs, conns)

	req := authedRequest(t, "user-1")
	req.Body = `{"action": "shred", "connectorId": "conn-1", "fileId": "f1"}`
	resp, _ := h.Action(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAction_ConnectorOutsideCallersOrg(t *testing.T) {
	orgs := &fakeOrgs{membership: &model.OrganizationMember{OrganizationID: "org-1", UserID: "user-1"}}
	conns := &stubConnectors{upserted: &model.Connector{ID: "conn-1", OrganizationID: "other-org"}}
	h := newFileHandler(orgs, conns)

	req := authedRequest(t, "user-1")
	req.Body = `{"action": "trash", "connectorId": "conn-1", "fileId": "f1"}`
	resp, _ := h.Action(context.Background(), req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestImport_MissingFileIDs(t *testing.T) {
	h := newFileHandler(&fakeOrgs{}, &stubConnectors{})

	req := authedRequest(t, "user-1")
	req.Body = `{"connectorId": "conn-1"}`
	resp, _ := h.Import(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpload_NameRequiredForNewFiles(t *testing.T) {
	h := newFileHandler(&fakeOrgs{}, &stubConnectors{})

	req := authedRequest(t, "user-1")
	req.Body = `{"connectorId": "conn-1", "mimeType": "text/plain"}`
	resp, _ := h.Upload(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
