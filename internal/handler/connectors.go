package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/pockettdocs/backend/internal/auth"
	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/model"
	"github.com/pockettdocs/backend/internal/store"
)

// OAuthFlow is the OAuth surface the connector handler needs.
type OAuthFlow interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Userinfo(ctx context.Context, tok *oauth2.Token) (*auth.UserInfo, error)
}

// Orgs resolves organization membership for authenticated users.
type Orgs interface {
	DefaultMembership(ctx context.Context, userID string) (*model.OrganizationMember, error)
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
	Provision(ctx context.Context, userID, email, name string) (*model.Organization, error)
}

// ConnectorHandler handles the connector lifecycle routes.
type ConnectorHandler struct {
	lifecycle   *connector.Lifecycle
	aggregator  *connector.Aggregator
	oauth       OAuthFlow
	orgs        Orgs
	jwtSecret   string
	frontendURL string
}

// NewConnectorHandler creates a ConnectorHandler.
func NewConnectorHandler(lifecycle *connector.Lifecycle, aggregator *connector.Aggregator, oauth OAuthFlow, orgs Orgs, jwtSecret, frontendURL string) *ConnectorHandler {
	return &ConnectorHandler{
		lifecycle:   lifecycle,
		aggregator:  aggregator,
		oauth:       oauth,
		orgs:        orgs,
		jwtSecret:   jwtSecret,
		frontendURL: frontendURL,
	}
}

// resolveOrg authenticates the request and resolves the caller's default org.
func (h *ConnectorHandler) resolveOrg(ctx context.Context, req events.APIGatewayProxyRequest) (userID, orgID string, errResp *events.APIGatewayProxyResponse) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		resp := unauthorized(err)
		return "", "", &resp
	}
	membership, err := h.orgs.DefaultMembership(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			resp := badRequest("no organization provisioned for user")
			return "", "", &resp
		}
		resp := respondError(err, "failed to resolve organization")
		return "", "", &resp
	}
	return userID, membership.OrganizationID, nil
}

// ownConnector fetches the connector and rejects it when it belongs to
// another org than the caller's.
func (h *ConnectorHandler) ownConnector(ctx context.Context, orgID, connectorID string) (*model.Connector, *events.APIGatewayProxyResponse) {
	c, err := h.lifecycle.Connection(ctx, connectorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			resp := respondJSON(http.StatusNotFound, map[string]string{"error": "connector not found"})
			return nil, &resp
		}
		resp := respondError(err, "failed to load connector")
		return nil, &resp
	}
	if c.OrganizationID != orgID {
		// Cross-org lookups read as not found, not forbidden.
		resp := respondJSON(http.StatusNotFound, map[string]string{"error": "connector not found"})
		return nil, &resp
	}
	return c, nil
}

// Initiate starts the OAuth consent flow for connecting a new Drive account.
// The org and user ride along in a short-lived signed state token.
func (h *ConnectorHandler) Initiate(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}

	state, err := h.signState(userID, orgID)
	if err != nil {
		return respondError(err, "failed to sign state"), nil
	}
	return respondJSON(http.StatusOK, map[string]string{"url": h.oauth.AuthCodeURL(state)}), nil
}

// Callback completes the consent flow: verifies state, exchanges the code,
// resolves the Google identity and stores the connector. Ends in a redirect
// back to the portal either way.
func (h *ConnectorHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if errMsg := req.QueryStringParameters["error"]; errMsg != "" {
		return h.redirect("connect_denied"), nil
	}
	code := req.QueryStringParameters["code"]
	state := req.QueryStringParameters["state"]
	if code == "" || state == "" {
		return badRequest("missing code or state"), nil
	}

	_, orgID, err := h.parseState(state)
	if err != nil {
		return unauthorized(err), nil
	}

	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		return respondError(err, "code exchange failed"), nil
	}
	info, err := h.oauth.Userinfo(ctx, tok)
	if err != nil {
		return respondError(err, "failed to resolve google account"), nil
	}

	if _, err := h.lifecycle.StoreConnection(ctx, orgID, tok, info); err != nil {
		return respondError(err, "failed to store connection"), nil
	}
	return h.redirect("connected"), nil
}

// List returns the caller's org connectors, all statuses.
func (h *ConnectorHandler) List(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	connectors, err := h.lifecycle.Connections(ctx, orgID)
	if err != nil {
		return respondError(err, "failed to list connectors"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{"connectors": connectors}), nil
}

// Delete disconnects (mode=disconnect, default) or removes (mode=remove) a
// connector. Disconnect keeps the row and its links; remove erases both.
func (h *ConnectorHandler) Delete(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	connectorID := req.QueryStringParameters["connectorId"]
	if connectorID == "" {
		return badRequest("connectorId is required"), nil
	}
	if _, errResp := h.ownConnector(ctx, orgID, connectorID); errResp != nil {
		return *errResp, nil
	}

	var err error
	switch mode := req.QueryStringParameters["mode"]; mode {
	case "", "disconnect":
		err = h.lifecycle.DisconnectConnection(ctx, connectorID)
	case "remove":
		err = h.lifecycle.RemoveConnection(ctx, connectorID)
	default:
		return badRequest("unknown mode: " + mode), nil
	}
	if err != nil {
		return respondError(err, "failed to delete connector"), nil
	}
	return respondJSON(http.StatusOK, map[string]bool{"ok": true}), nil
}

// Test verifies a connector can still reach Drive by fetching its account
// info and quota.
func (h *ConnectorHandler) Test(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	connectorID := req.QueryStringParameters["connectorId"]
	if connectorID == "" {
		return badRequest("connectorId is required"), nil
	}
	if _, errResp := h.ownConnector(ctx, orgID, connectorID); errResp != nil {
		return *errResp, nil
	}

	info, err := h.aggregator.StorageQuota(ctx, connectorID)
	if err != nil {
		return respondError(err, "connector test failed"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{"ok": true, "account": info}), nil
}

// Settings updates the connector's settings blob. Omitted fields keep their
// stored values.
func (h *ConnectorHandler) Settings(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	var payload struct {
		ConnectorID    string  `json:"connectorId"`
		AppFolderID    *string `json:"appFolderId"`
		OnboardingStep *string `json:"onboardingStep"`
	}
	if err := unmarshalBody(req, &payload); err != nil {
		return badRequest("invalid request body"), nil
	}
	if payload.ConnectorID == "" {
		return badRequest("connectorId is required"), nil
	}
	if _, errResp := h.ownConnector(ctx, orgID, payload.ConnectorID); errResp != nil {
		return *errResp, nil
	}

	settings, err := h.lifecycle.UpdateSettings(ctx, payload.ConnectorID, func(s model.ConnectorSettings) model.ConnectorSettings {
		if payload.AppFolderID != nil {
			s.AppFolderID = *payload.AppFolderID
		}
		if payload.OnboardingStep != nil {
			s.OnboardingStep = *payload.OnboardingStep
		}
		return s
	})
	if err != nil {
		return respondError(err, "failed to update connector settings"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{"settings": settings}), nil
}

// Token hands a short-lived Drive bearer token to the frontend for
// client-direct uploads.
func (h *ConnectorHandler) Token(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	connectorID := req.QueryStringParameters["connectorId"]
	if connectorID == "" {
		return badRequest("connectorId is required"), nil
	}
	if _, errResp := h.ownConnector(ctx, orgID, connectorID); errResp != nil {
		return *errResp, nil
	}

	token, err := h.aggregator.AccessTokenFor(ctx, connectorID)
	if err != nil {
		return respondError(err, "failed to issue access token"), nil
	}
	return respondJSON(http.StatusOK, map[string]string{"accessToken": token}), nil
}

// Provision creates the caller's organization with an owner membership.
// Idempotent: a second call returns the existing org.
func (h *ConnectorHandler) Provision(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return unauthorized(err), nil
	}

	var payload struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := unmarshalBody(req, &payload); err != nil {
		return badRequest("invalid request body"), nil
	}
	if payload.Name == "" {
		return badRequest("organization name is required"), nil
	}

	org, err := h.orgs.Provision(ctx, userID, payload.Email, payload.Name)
	if err != nil {
		return respondError(err, "failed to provision organization"), nil
	}
	return respondJSON(http.StatusCreated, org), nil
}

const stateTTL = 10 * time.Minute

func (h *ConnectorHandler) signState(userID, orgID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"org": orgID,
		"exp": time.Now().Add(stateTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.jwtSecret))
}

func (h *ConnectorHandler) parseState(state string) (userID, orgID string, err error) {
	token, err := jwt.Parse(state, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("invalid state: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid state claims")
	}
	sub, _ := claims["sub"].(string)
	org, _ := claims["org"].(string)
	if sub == "" || org == "" {
		return "", "", fmt.Errorf("incomplete state claims")
	}
	return sub, org, nil
}

func (h *ConnectorHandler) redirect(status string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": h.frontendURL + "/settings/connectors?status=" + status,
		},
	}
}
