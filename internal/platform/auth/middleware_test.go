package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewarePopulatesIdentity(t *testing.T) {
	var captured *Identity
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderEmail, "user@example.com")
	req.Header.Set(HeaderRoles, "user, Admin")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if captured == nil {
		t.Fatal("expected identity in context")
	}
	if captured.UID != "user-1" {
		t.Fatalf("unexpected uid %q", captured.UID)
	}
	if !captured.HasRole(RoleAdmin) {
		t.Fatal("expected admin role to be parsed")
	}
}

func TestMiddlewareAnonymousPassThrough(t *testing.T) {
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); ok {
			t.Fatal("expected no identity")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/cancel", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/cancel", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UID: "u1", Roles: []string{RoleUser}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing role, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/orders/ord_1/cancel", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{UID: "u1", Roles: []string{RoleAdmin}}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin, got %d", rec.Code)
	}
}
