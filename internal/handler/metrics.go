package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/model"
)

// MetricsHandler serves the org-wide Drive aggregation routes.
type MetricsHandler struct {
	aggregator *connector.Aggregator
	orgs       Orgs
	jwtSecret  string
}

// NewMetricsHandler creates a MetricsHandler.
func NewMetricsHandler(aggregator *connector.Aggregator, orgs Orgs, jwtSecret string) *MetricsHandler {
	return &MetricsHandler{aggregator: aggregator, orgs: orgs, jwtSecret: jwtSecret}
}

func (h *MetricsHandler) resolveOrg(ctx context.Context, req events.APIGatewayProxyRequest) (string, *events.APIGatewayProxyResponse) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		resp := unauthorized(err)
		return "", &resp
	}
	membership, err := h.orgs.DefaultMembership(ctx, userID)
	if err != nil {
		resp := respondError(err, "failed to resolve organization")
		return "", &resp
	}
	return membership.OrganizationID, nil
}

// Metrics serves GET /drive-metrics. type selects the org-wide list (recent,
// active, stale, duplicates); limit is clamped to [1, 50] with a default of
// 10; range defaults to 7d.
func (h *MetricsHandler) Metrics(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}

	limit := parseLimit(req)
	rng := model.ParseRange(req.QueryStringParameters["range"])

	var files []model.DriveFile
	var err error
	switch kind := req.QueryStringParameters["type"]; kind {
	case "", "recent":
		files, err = h.aggregator.OrgRecentFiles(ctx, orgID, limit, rng)
	case "active", "accessed":
		files, err = h.aggregator.OrgActiveFiles(ctx, orgID, limit, rng)
	case "stale":
		files, err = h.aggregator.OrgStaleFiles(ctx, orgID, limit)
	case "duplicates":
		files, err = h.aggregator.OrgDuplicateFiles(ctx, orgID, limit)
	default:
		return badRequest("unknown metrics type: " + kind), nil
	}
	if err != nil {
		return respondError(err, "failed to aggregate drive metrics"), nil
	}
	return respondJSON(http.StatusOK, map[string]any{"files": files}), nil
}

// Summary serves GET /drive-summary: the mixed org sample with signal counts.
func (h *MetricsHandler) Summary(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	sample, err := h.aggregator.OrgFileSample(ctx, orgID)
	if err != nil {
		return respondError(err, "failed to build drive summary"), nil
	}
	return respondJSON(http.StatusOK, sample), nil
}

// Insights serves GET /drive-insights: the additive storage rollup with
// per-account breakdown.
func (h *MetricsHandler) Insights(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	orgID, errResp := h.resolveOrg(ctx, req)
	if errResp != nil {
		return *errResp, nil
	}
	quota, err := h.aggregator.OrgStorageQuota(ctx, orgID)
	if err != nil {
		return respondError(err, "failed to compute storage insights"), nil
	}
	return respondJSON(http.StatusOK, quota), nil
}
