package service

import (
	"context"
	"fmt"

	"coachapi/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// SecretAccessor reads the latest version of a named secret.
type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

// SecretManagerService reads secrets from Google Secret Manager.
type SecretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config) (*SecretManagerService, error) {
	projectID := cfg.GCPProjectID
	if projectID == "" {
		return nil, fmt.Errorf("GCP Project ID is not set for the current environment")
	}

	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &SecretManagerService{
		client:    client,
		projectID: projectID,
	}, nil
}

func (s *SecretManagerService) AccessSecret(ctx context.Context, name string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	}

	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", name, err)
	}

	return string(result.Payload.Data), nil
}

func (s *SecretManagerService) Close() error {
	return s.client.Close()
}

// ResolveSecrets fills empty credentials in cfg from the secret store. Secrets
// already present in the environment win.
func ResolveSecrets(ctx context.Context, cfg *config.Config, secrets SecretAccessor, logger zerolog.Logger) error {
	targets := []struct {
		name  string
		value *string
	}{
		{"stripe-secret-key", &cfg.StripeSecretKey},
		{"stripe-webhook-secret", &cfg.StripeWebhookSecret},
		{"openai-api-key", &cfg.OpenAIAPIKey},
		{"auth-jwt-secret", &cfg.AuthJWTSecret},
	}
	for _, t := range targets {
		if *t.value != "" {
			continue
		}
		v, err := secrets.AccessSecret(ctx, t.name)
		if err != nil {
			return err
		}
		*t.value = v
		logger.Info().Str("secret", t.name).Msg("Loaded secret from Secret Manager")
	}
	return nil
}
