// Package secrets indirects every external credential and URL through
// Secret Manager so nothing sensitive is inlined in config or code.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Source fetches secret material by id.
type Source interface {
	Access(ctx context.Context, id string) (string, error)
}

// Manager is the Secret Manager backed Source.
type Manager struct {
	client    *secretmanager.Client
	projectID string
}

func NewManager(ctx context.Context, projectID string) (*Manager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secretmanager client: %w", err)
	}
	return &Manager{client: client, projectID: projectID}, nil
}

func (m *Manager) Close() error { return m.client.Close() }

// Access returns the latest version of a secret, trimmed of the trailing
// whitespace that copy-pasted secret values tend to carry.
func (m *Manager) Access(ctx context.Context, id string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, id)
	resp, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("access secret %s: %w", id, err)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

// Static serves secrets from a fixed map. Used by tests and the local runner.
type Static map[string]string

func (s Static) Access(_ context.Context, id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", fmt.Errorf("secret %s not configured", id)
	}
	return strings.TrimSpace(v), nil
}
