package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

const referenceScheme = "secret://"

// ErrInvalidReference marks values that carry the secret scheme but cannot be parsed.
var ErrInvalidReference = errors.New("secrets: invalid secret reference")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret:// references against Google Secret Manager,
// caching resolved values for the lifetime of the process. Plain values pass
// through unchanged so configuration can mix literals and references.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string

	mu    sync.RWMutex
	cache map[string]string
}

// ResolverOption customises the resolver.
type ResolverOption func(*Resolver)

// WithClient injects a Secret Manager client, mainly for tests. The resolver
// will not close an injected client.
func WithClient(client secretManagerClient) ResolverOption {
	return func(r *Resolver) {
		r.client = client
		r.ownsClient = false
	}
}

// NewResolver constructs a resolver scoped to the given default project.
func NewResolver(ctx context.Context, projectID string, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		projectID: strings.TrimSpace(projectID),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, []option.ClientOption{}...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		r.client = client
		r.ownsClient = true
	}
	return r, nil
}

// Close releases the underlying client when the resolver owns it.
func (r *Resolver) Close() error {
	if r == nil || r.client == nil || !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

// IsReference reports whether the value is a secret:// reference.
func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), referenceScheme)
}

// Resolve returns the secret payload for a secret:// reference, or the value
// itself when it is a plain literal.
//
// References take the form secret://[project/]name[#version]; the version
// defaults to latest.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !IsReference(value) {
		return value, nil
	}

	name, err := r.resourceName(value)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("secrets: access %s: %w", maskReference(value), err)
	}
	payload := string(resp.GetPayload().GetData())

	r.mu.Lock()
	r.cache[name] = payload
	r.mu.Unlock()

	return payload, nil
}

func (r *Resolver) resourceName(reference string) (string, error) {
	rest := strings.TrimPrefix(strings.TrimSpace(reference), referenceScheme)
	version := "latest"
	if idx := strings.LastIndex(rest, "#"); idx >= 0 {
		version = strings.TrimSpace(rest[idx+1:])
		rest = rest[:idx]
	}
	if version == "" {
		version = "latest"
	}

	project := r.projectID
	name := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		project = strings.TrimSpace(rest[:idx])
		name = rest[idx+1:]
	}
	name = strings.TrimSpace(name)
	if project == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrInvalidReference, maskReference(reference))
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version), nil
}

func maskReference(reference string) string {
	reference = strings.TrimSpace(reference)
	if len(reference) <= len(referenceScheme)+4 {
		return referenceScheme + "***"
	}
	return reference[:len(referenceScheme)+4] + "***"
}
