package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/drive"
	"github.com/pockettdocs/backend/internal/store"
)

// FileHandler serves linked-file management, imports, uploads and one-off
// file actions.
type FileHandler struct {
	lifecycle  *connector.Lifecycle
	aggregator *connector.Aggregator
	orgs       Orgs
	jwtSecret  string
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(lifecycle *connector.Lifecycle, aggregator *connector.Aggregator, orgs Orgs, jwtSecret string) *FileHandler {
	return &FileHandler{lifecycle: lifecycle, aggregator: aggregator, orgs: orgs, jwtSecret: jwtSecret}
}

// authConnector authenticates the caller and checks the connector belongs to
// their org.
func (h *FileHandler) authConnector(ctx context.Context, req events.APIGatewayProxyRequest, connectorID string) *events.APIGatewayProxyResponse {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		resp := unauthorized(err)
		return &resp
	}
	if connectorID == "" {
		resp := badRequest("connectorId is required")
		return &resp
	}

	c, err := h.lifecycle.Connection(ctx, connectorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			resp := respondJSON(http.StatusNotFound, map[string]string{"error": "connector not found"})
			return &resp
		}
		resp := respondError(err, "failed to load connector")
		return &resp
	}
	member, err := h.orgs.IsMember(ctx, c.OrganizationID, userID)
	if err != nil {
		resp := respondError(err, "failed to check membership")
		return &resp
	}
	if !member {
		resp := respondJSON(http.StatusNotFound, map[string]string{"error": "connector not found"})
		return &resp
	}
	return nil
}

// LinkedFiles serves GET linked-files: DB rows merged with live metadata.
func (h *FileHandler) LinkedFiles(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectorID := req.QueryStringParameters["connectorId"]
	if errResp := h.authConnector(ctx, req, connectorID); errResp != nil {
		return *errResp, nil
	}

	files, err := h.aggregator.LinkedFiles(ctx, connectorID)
	if err != nil {
		return respondError(err, "failed to list linked files"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{"files": files}), nil
}

// RevokeLinkedFile serves DELETE linked-files: soft revoke, the row stays.
func (h *FileHandler) RevokeLinkedFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectorID := req.QueryStringParameters["connectorId"]
	fileID := req.QueryStringParameters["fileId"]
	if fileID == "" {
		return badRequest("fileId is required"), nil
	}
	if errResp := h.authConnector(ctx, req, connectorID); errResp != nil {
		return *errResp, nil
	}

	if err := h.aggregator.RevokeLinkedFile(ctx, connectorID, fileID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondJSON(http.StatusNotFound, map[string]string{"error": "linked file not found"}), nil
		}
		return respondError(err, "failed to revoke linked file"), nil
	}
	return respondJSON(http.StatusOK, map[string]bool{"ok": true}), nil
}

// Import links the given files to the connector, expanding folders.
func (h *FileHandler) Import(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var payload struct {
		ConnectorID string   `json:"connectorId"`
		FileIDs     []string `json:"fileIds"`
	}
	if err := unmarshalBody(req, &payload); err != nil {
		return badRequest("invalid request body"), nil
	}
	if len(payload.FileIDs) == 0 {
		return badRequest("fileIds is required"), nil
	}
	if errResp := h.authConnector(ctx, req, payload.ConnectorID); errResp != nil {
		return *errResp, nil
	}

	linked, err := h.aggregator.ImportFiles(ctx, payload.ConnectorID, payload.FileIDs)
	if err != nil {
		return respondError(err, "import failed"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{
		"linked": linked,
		"count":  len(linked),
	}), nil
}

// Upload opens a resumable upload session and returns its URL. The browser
// streams the bytes straight to Google; this backend never touches them.
func (h *FileHandler) Upload(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var payload struct {
		ConnectorID string `json:"connectorId"`
		Name        string `json:"name"`
		MimeType    string `json:"mimeType"`
		ParentID    string `json:"parentId"`
		FileID      string `json:"fileId"` // set to overwrite an existing file
	}
	if err := unmarshalBody(req, &payload); err != nil {
		return badRequest("invalid request body"), nil
	}
	if payload.Name == "" && payload.FileID == "" {
		return badRequest("name is required for new uploads"), nil
	}
	if errResp := h.authConnector(ctx, req, payload.ConnectorID); errResp != nil {
		return *errResp, nil
	}

	origin := ""
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Origin") {
			origin = v
			break
		}
	}

	meta := drive.UploadMeta{Name: payload.Name, MimeType: payload.MimeType}
	if payload.ParentID != "" {
		meta.Parents = []string{payload.ParentID}
	}
	url, err := h.aggregator.ResumableUploadURL(ctx, payload.ConnectorID, meta, payload.FileID, origin)
	if err != nil {
		return respondError(err, "failed to open upload session"), nil
	}
	return respondJSON(http.StatusOK, map[string]string{"uploadUrl": url}), nil
}

// Download proxies a file's content back to the caller. API Gateway carries
// binary bodies base64-encoded.
func (h *FileHandler) Download(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectorID := req.QueryStringParameters["connectorId"]
	fileID := req.QueryStringParameters["fileId"]
	if fileID == "" {
		return badRequest("fileId is required"), nil
	}
	if errResp := h.authConnector(ctx, req, connectorID); errResp != nil {
		return *errResp, nil
	}

	f, body, err := h.aggregator.DownloadFile(ctx, connectorID, fileID)
	if err != nil {
		return respondError(err, "failed to download file"), nil
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return respondError(fmt.Errorf("failed to read file content: %w", err), "failed to download file"), nil
	}

	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":        contentType,
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", f.Name),
		},
		Body:            base64.StdEncoding.EncodeToString(data),
		IsBase64Encoded: true,
	}, nil
}

// Action serves POST /drive-action: one-off mutations against a file.
func (h *FileHandler) Action(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var payload struct {
		Action         string `json:"action"`
		ConnectorID    string `json:"connectorId"`
		FileID         string `json:"fileId"`
		PermissionID   string `json:"permissionId"`
		ExpirationTime string `json:"expirationTime"`
		Name           string `json:"name"`
		ParentID       string `json:"parentId"`
	}
	if err := unmarshalBody(req, &payload); err != nil {
		return badRequest("invalid request body"), nil
	}
	if payload.FileID == "" {
		return badRequest("fileId is required"), nil
	}
	if errResp := h.authConnector(ctx, req, payload.ConnectorID); errResp != nil {
		return *errResp, nil
	}

	switch payload.Action {
	case "trash":
		if err := h.aggregator.TrashFile(ctx, payload.ConnectorID, payload.FileID); err != nil {
			return respondError(err, "failed to trash file"), nil
		}
		return respondJSON(http.StatusOK, map[string]bool{"ok": true}), nil

	case "copy":
		file, err := h.aggregator.CopyFile(ctx, payload.ConnectorID, payload.FileID, payload.Name)
		if err != nil {
			return respondError(err, "failed to copy file"), nil
		}
		return respondJSON(http.StatusOK, map[string]any{"file": file}), nil

	case "create-shortcut":
		file, err := h.aggregator.CreateShortcut(ctx, payload.ConnectorID, payload.FileID, payload.ParentID, payload.Name)
		if err != nil {
			return respondError(err, "failed to create shortcut"), nil
		}
		return respondJSON(http.StatusOK, map[string]any{"file": file}), nil

	case "revoke-permission":
		if payload.PermissionID == "" {
			return badRequest("permissionId is required"), nil
		}
		ok, err := h.aggregator.RevokePermission(ctx, payload.ConnectorID, payload.FileID, payload.PermissionID)
		if err != nil {
			return respondError(err, "failed to revoke permission"), nil
		}
		if !ok {
			return respondJSON(http.StatusInternalServerError, map[string]bool{"ok": false}), nil
		}
		return respondJSON(http.StatusOK, map[string]bool{"ok": true}), nil

	case "update-permission-expiry":
		if payload.PermissionID == "" {
			return badRequest("permissionId is required"), nil
		}
		expiry, err := time.Parse(time.RFC3339, payload.ExpirationTime)
		if err != nil {
			return badRequest("expirationTime must be RFC3339"), nil
		}
		ok, err := h.aggregator.UpdatePermissionExpiry(ctx, payload.ConnectorID, payload.FileID, payload.PermissionID, expiry)
		if err != nil {
			return respondError(err, "failed to update permission expiry"), nil
		}
		if !ok {
			return respondJSON(http.StatusInternalServerError, map[string]bool{"ok": false}), nil
		}
		return respondJSON(http.StatusOK, map[string]bool{"ok": true}), nil

	case "permissions":
		perms, err := h.aggregator.Permissions(ctx, payload.ConnectorID, payload.FileID)
		if err != nil {
			return respondError(err, "failed to list permissions"), nil
		}
		return respondJSON(http.StatusOK, map[string]any{"permissions": perms}), nil

	case "revisions":
		revs, err := h.aggregator.Revisions(ctx, payload.ConnectorID, payload.FileID)
		if err != nil {
			return respondError(err, "failed to list revisions"), nil
		}
		return respondJSON(http.StatusOK, map[string]any{"revisions": revs}), nil

	default:
		return badRequest("unknown action: " + payload.Action), nil
	}
}
