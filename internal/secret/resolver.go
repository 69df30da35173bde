// Package secret resolves OAuth client credentials and signing secrets from
// SSM Parameter Store in production and from the environment in development.
// Missing credentials are a configuration failure, surfaced at startup.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotConfigured is returned when no backend can produce the secret.
var ErrNotConfigured = errors.New("secret not configured")

// Resolver retrieves secret values by parameter name
// (e.g. "/pockett/google-client-secret").
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMClient is the subset of *ssm.Client the SSMResolver needs.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver reads SecureString parameters from SSM Parameter Store.
type SSMResolver struct {
	client SSMClient
}

// NewSSMResolver returns a Resolver backed by SSM Parameter Store.
func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q: %w", name, ErrNotConfigured)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver maps parameter names to environment variables by taking the last
// path segment, uppercasing it and replacing hyphens with underscores:
// "/pockett/google-client-secret" becomes "GOOGLE_CLIENT_SECRET".
type EnvResolver struct{}

// NewEnvResolver returns a Resolver that reads environment variables.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

func (EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := envVarFor(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from %q): %w", envName, name, ErrNotConfigured)
	}
	return val, nil
}

// Chain tries each resolver in order and returns the first hit. Used so a
// local environment override can shadow an SSM parameter.
type Chain []Resolver

func (c Chain) GetSecret(ctx context.Context, name string) (string, error) {
	var lastErr error = ErrNotConfigured
	for _, r := range c {
		val, err := r.GetSecret(ctx, name)
		if err == nil {
			return val, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func envVarFor(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
