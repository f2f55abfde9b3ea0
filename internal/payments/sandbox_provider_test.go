package payments

import (
	"context"
	"testing"
	"time"
)

func TestSandboxSessionAndLookup(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	provider := NewSandboxProvider(clock)

	session, err := provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		Amount:     12500,
		Currency:   "usd",
		CustomerID: "u1",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.IntentID == "" || session.RedirectURL == "" {
		t.Fatalf("incomplete session %+v", session)
	}

	details, err := provider.LookupPayment(ctx, LookupRequest{IntentID: session.IntentID})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", details.Status)
	}
	if details.Amount != 12500 || details.Currency != "USD" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestSandboxFailingCustomer(t *testing.T) {
	ctx := context.Background()
	provider := NewSandboxProvider(nil)

	session, err := provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{CustomerID: "user-fail-card"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	details, err := provider.LookupPayment(ctx, LookupRequest{IntentID: session.IntentID})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", details.Status)
	}
}

func TestSandboxRefund(t *testing.T) {
	ctx := context.Background()
	provider := NewSandboxProvider(nil)

	session, err := provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{Amount: 5000, Currency: "usd", CustomerID: "u1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	details, err := provider.Refund(ctx, RefundRequest{IntentID: session.IntentID})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if details.Status != StatusRefunded || details.RefundedAt == nil {
		t.Fatalf("unexpected refund details %+v", details)
	}

	if _, err := provider.Refund(ctx, RefundRequest{IntentID: "pi_unknown"}); err == nil {
		t.Fatal("expected error for unknown intent")
	}
}

func TestSandboxSetOutcome(t *testing.T) {
	ctx := context.Background()
	provider := NewSandboxProvider(nil)

	session, _ := provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{CustomerID: "u1"})
	provider.SetOutcome(session.IntentID, StatusPending)

	details, err := provider.LookupPayment(ctx, LookupRequest{IntentID: session.IntentID})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusPending {
		t.Fatalf("expected pending, got %s", details.Status)
	}
}
