package security

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
)

// SecretSource resolves a named secret to its current value.
type SecretSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// GCPSecrets reads secrets from GCP Secret Manager.
type GCPSecrets struct {
	client    *secretmanager.Client
	projectID string
	logger    *golog.Logger
}

// NewGCPSecrets creates a Secret Manager client using application default
// credentials.
func NewGCPSecrets(ctx context.Context, projectID string) (*GCPSecrets, error) {
	if projectID == "" {
		return nil, fmt.Errorf("secret manager project id is required")
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}
	return &GCPSecrets{client: client, projectID: projectID, logger: logutil.Default()}, nil
}

// Secret returns the latest version of the named secret.
func (s *GCPSecrets) Secret(ctx context.Context, name string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: SecretVersionName(s.projectID, name),
	}
	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		s.logger.Error("Failed to access secret version",
			golog.String("component", "secret_manager"),
			golog.String("secret", name),
			golog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}

// Close releases the client connection.
func (s *GCPSecrets) Close() error {
	return s.client.Close()
}

// SecretVersionName expands a short secret name to the latest version's
// resource name. Full resource names are returned unchanged, and a name
// ending in /versions/N pins that version.
func SecretVersionName(projectID, name string) string {
	if strings.HasPrefix(name, "projects/") {
		if strings.Contains(name, "/versions/") {
			return name
		}
		return name + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, name)
}
