// Package app wires the application together and routes API Gateway requests.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pockettdocs/backend/internal/auth"
	"github.com/pockettdocs/backend/internal/connector"
	"github.com/pockettdocs/backend/internal/crypto"
	"github.com/pockettdocs/backend/internal/drive"
	"github.com/pockettdocs/backend/internal/handler"
	"github.com/pockettdocs/backend/internal/logging"
	"github.com/pockettdocs/backend/internal/notify"
	"github.com/pockettdocs/backend/internal/secret"
	"github.com/pockettdocs/backend/internal/store"
)

// App holds the application dependencies.
type App struct {
	connectorHandler *handler.ConnectorHandler
	metricsHandler   *handler.MetricsHandler
	fileHandler      *handler.FileHandler
	registry         *notify.Registry
	apiGatewaySecret string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewApp initializes the application dependencies.
func NewApp(ctx context.Context) *App {
	devMode := os.Getenv("DEV_MODE") == "true"
	logging.Setup(envOr("LOG_LEVEL", "info"), devMode)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("unable to load SDK config, %v", err))
	}

	// ---------- Database ----------
	dbDriver := envOr("DATABASE_DRIVER", "sqlite3")
	dbDSN := envOr("DATABASE_DSN", "file:pockett.db?cache=shared&_fk=1")
	db, err := store.Open(dbDriver, dbDSN)
	if err != nil {
		panic(fmt.Sprintf("unable to open database: %v", err))
	}
	if err := store.InitSchema(ctx, db); err != nil {
		panic(fmt.Sprintf("unable to init schema: %v", err))
	}

	connectorStore := store.NewConnectorStore(db)
	linkedFileStore := store.NewLinkedFileStore(db)
	orgStore := store.NewOrgStore(db)

	// ---------- Encryptor ----------
	var encryptor crypto.Encryptor
	if devMode {
		encryptor = crypto.NewPlainEncryptor()
		log.Warn().Msg("using plaintext token storage (DEV_MODE=true)")
	} else {
		keyID := envOr("KMS_KEY_ID", "alias/pockett-connector-tokens")
		encryptor = crypto.NewKMSEncryptor(kms.NewFromConfig(cfg), keyID)
	}

	// ---------- Secret resolver ----------
	var resolver secret.Resolver
	if devMode {
		resolver = secret.NewEnvResolver()
	} else {
		resolver = secret.Chain{
			secret.NewSSMResolver(ssm.NewFromConfig(cfg)),
			secret.NewEnvResolver(),
		}
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	if googleClientID == "" {
		panic(drive.ConfigurationError("GOOGLE_CLIENT_ID is not set").Error())
	}
	googleClientSecret, err := resolver.GetSecret(ctx, envOr("GOOGLE_CLIENT_SECRET_PARAM", "/pockett/google-client-secret"))
	if err != nil {
		panic(drive.ConfigurationError("google oauth client secret could not be resolved: " + err.Error()).Error())
	}
	jwtSecret, err := resolver.GetSecret(ctx, envOr("JWT_SECRET_PARAM", "/pockett/jwt-secret"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to resolve jwt secret")
		jwtSecret = "default-dev-secret"
	}
	apiGatewaySecret, err := resolver.GetSecret(ctx, envOr("API_GATEWAY_SECRET_PARAM", "/pockett/api-gateway-secret"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to resolve api gateway secret")
	}

	// ---------- OAuth ----------
	frontendURL := envOr("FRONTEND_URL", "http://localhost:3000")
	redirectURL := os.Getenv("GOOGLE_REDIRECT_URL")
	if redirectURL == "" {
		if devMode {
			redirectURL = "http://localhost:8080/connectors/google-drive/callback"
		} else {
			redirectURL = frontendURL + "/api/connectors/google-drive/callback"
		}
	}

	oauthConfig := &oauth2.Config{
		ClientID:     googleClientID,
		ClientSecret: googleClientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/drive",
			"https://www.googleapis.com/auth/drive.activity.readonly",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}

	// ---------- Services ----------
	tokenManager := auth.NewManager(oauthConfig, connectorStore, encryptor, auth.Options{})
	registry := notify.NewRegistry()

	driveFactory := drive.NewFactory(drive.Options{})
	clients := connector.ClientFactoryFunc(func(ctx context.Context, accessToken string) (connector.DriveClient, error) {
		return driveFactory.ClientFor(ctx, accessToken)
	})

	aggregator := connector.NewAggregator(connectorStore, linkedFileStore, clients, tokenManager, registry)
	lifecycle := connector.NewLifecycle(connectorStore, tokenManager, encryptor, registry)

	return &App{
		connectorHandler: handler.NewConnectorHandler(lifecycle, aggregator, tokenManager, orgStore, jwtSecret, frontendURL),
		metricsHandler:   handler.NewMetricsHandler(aggregator, orgStore, jwtSecret),
		fileHandler:      handler.NewFileHandler(lifecycle, aggregator, orgStore, jwtSecret),
		registry:         registry,
		apiGatewaySecret: apiGatewaySecret,
	}
}

// Notify exposes the websocket registry for the local server entrypoint.
func (app *App) Notify() *notify.Registry {
	return app.registry
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (app *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	ctx = log.Logger.WithContext(ctx)
	path := req.Path
	method := req.HTTPMethod

	log.Debug().Str("method", method).Str("path", path).Msg("request")

	// CORS Preflight
	if method == "OPTIONS" {
		return corsResponse(events.APIGatewayProxyResponse{StatusCode: 204}), nil
	}

	// Security: verify request origin (CloudFront only); skipped in DEV_MODE.
	if os.Getenv("DEV_MODE") != "true" {
		if req.Headers["X-Origin-Verify"] != app.apiGatewaySecret && req.Headers["x-origin-verify"] != app.apiGatewaySecret {
			log.Warn().Str("path", path).Msg("blocked request without origin header")
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	// Strip /api prefix if present (for CloudFront proxying)
	path = strings.TrimPrefix(path, "/api")

	switch {
	case path == "/connectors/google-drive" && method == "POST":
		return corsResponse(must(app.connectorHandler.Initiate(ctx, req))), nil
	case path == "/connectors/google-drive/callback" && method == "GET":
		return corsResponse(must(app.connectorHandler.Callback(ctx, req))), nil
	case path == "/connectors" && method == "GET":
		return corsResponse(must(app.connectorHandler.List(ctx, req))), nil
	case path == "/connectors" && method == "DELETE":
		return corsResponse(must(app.connectorHandler.Delete(ctx, req))), nil
	case path == "/connectors/google-drive/test" && method == "GET":
		return corsResponse(must(app.connectorHandler.Test(ctx, req))), nil
	case path == "/connectors/google-drive/token" && method == "GET":
		return corsResponse(must(app.connectorHandler.Token(ctx, req))), nil
	case path == "/connectors/google-drive/settings" && method == "PATCH":
		return corsResponse(must(app.connectorHandler.Settings(ctx, req))), nil

	case path == "/connectors/google-drive/linked-files" && method == "GET":
		return corsResponse(must(app.fileHandler.LinkedFiles(ctx, req))), nil
	case path == "/connectors/google-drive/linked-files" && method == "DELETE":
		return corsResponse(must(app.fileHandler.RevokeLinkedFile(ctx, req))), nil
	case path == "/connectors/google-drive/download" && method == "GET":
		return corsResponse(must(app.fileHandler.Download(ctx, req))), nil
	case path == "/connectors/google-drive/import" && method == "POST":
		return corsResponse(must(app.fileHandler.Import(ctx, req))), nil
	case path == "/connectors/google-drive/upload" && method == "POST":
		return corsResponse(must(app.fileHandler.Upload(ctx, req))), nil

	case path == "/drive-metrics" && method == "GET":
		return corsResponse(must(app.metricsHandler.Metrics(ctx, req))), nil
	case path == "/drive-summary" && method == "GET":
		return corsResponse(must(app.metricsHandler.Summary(ctx, req))), nil
	case path == "/drive-insights" && method == "GET":
		return corsResponse(must(app.metricsHandler.Insights(ctx, req))), nil
	case path == "/drive-action" && method == "POST":
		return corsResponse(must(app.fileHandler.Action(ctx, req))), nil

	case path == "/provision" && method == "POST":
		return corsResponse(must(app.connectorHandler.Provision(ctx, req))), nil
	}

	return corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = envOr("FRONTEND_URL", "http://localhost:3000")
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization,Origin"
	return resp
}

// must unwraps a handler response, ignoring the error.
func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		log.Error().Err(err).Msg("handler error")
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
