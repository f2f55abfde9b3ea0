package secrets

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
)

type stubSecretClient struct {
	calls    int
	lastName string
	payload  string
	err      error
}

func (s *stubSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls++
	s.lastName = req.GetName()
	if s.err != nil {
		return nil, s.err
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(s.payload)},
	}, nil
}

func (s *stubSecretClient) Close() error { return nil }

func newTestResolver(t *testing.T, client secretManagerClient) *Resolver {
	t.Helper()
	resolver, err := NewResolver(context.Background(), "proj-1", WithClient(client))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return resolver
}

func TestResolvePlainValuePassesThrough(t *testing.T) {
	client := &stubSecretClient{}
	resolver := newTestResolver(t, client)

	value, err := resolver.Resolve(context.Background(), "sk_live_plain")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk_live_plain" {
		t.Fatalf("value = %q", value)
	}
	if client.calls != 0 {
		t.Fatalf("client calls = %d, want 0", client.calls)
	}
}

func TestResolveReferenceDefaultsProjectAndVersion(t *testing.T) {
	client := &stubSecretClient{payload: "sk_live_resolved"}
	resolver := newTestResolver(t, client)

	value, err := resolver.Resolve(context.Background(), "secret://stripe-api-key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk_live_resolved" {
		t.Fatalf("value = %q", value)
	}
	if client.lastName != "projects/proj-1/secrets/stripe-api-key/versions/latest" {
		t.Fatalf("resource name = %q", client.lastName)
	}
}

func TestResolveReferenceExplicitProjectAndVersion(t *testing.T) {
	client := &stubSecretClient{payload: "v2"}
	resolver := newTestResolver(t, client)

	if _, err := resolver.Resolve(context.Background(), "secret://other-proj/webhook-secret#2"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if client.lastName != "projects/other-proj/secrets/webhook-secret/versions/2" {
		t.Fatalf("resource name = %q", client.lastName)
	}
}

func TestResolveCachesPerResource(t *testing.T) {
	client := &stubSecretClient{payload: "cached"}
	resolver := newTestResolver(t, client)

	for i := 0; i < 3; i++ {
		if _, err := resolver.Resolve(context.Background(), "secret://stripe-api-key"); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if client.calls != 1 {
		t.Fatalf("client calls = %d, want 1", client.calls)
	}
}

func TestResolveInvalidReference(t *testing.T) {
	resolver := newTestResolver(t, &stubSecretClient{})

	if _, err := resolver.Resolve(context.Background(), "secret://"); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("err = %v, want ErrInvalidReference", err)
	}
	if _, err := resolver.Resolve(context.Background(), "secret://a/b/c"); !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("err = %v, want ErrInvalidReference", err)
	}
}
