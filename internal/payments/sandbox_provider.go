package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SandboxProvider is a deterministic in-process gateway used in local
// development and tests. Intents succeed by default; a customer id containing
// "fail" produces a failing intent, mirroring gateway test-card conventions.
type SandboxProvider struct {
	clock func() time.Time

	mu      sync.Mutex
	seq     int
	intents map[string]PaymentDetails
}

// NewSandboxProvider constructs an empty SandboxProvider.
func NewSandboxProvider(clock func() time.Time) *SandboxProvider {
	if clock == nil {
		clock = time.Now
	}
	return &SandboxProvider{
		clock:   clock,
		intents: make(map[string]PaymentDetails),
	}
}

// CreateCheckoutSession fabricates a session and records a matching intent.
func (p *SandboxProvider) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	intentID := fmt.Sprintf("pi_sandbox_%06d", p.seq)
	sessionID := fmt.Sprintf("cs_sandbox_%06d", p.seq)

	status := StatusSucceeded
	if strings.Contains(strings.ToLower(req.CustomerID), "fail") {
		status = StatusFailed
	}
	p.intents[intentID] = PaymentDetails{
		Provider: "sandbox",
		IntentID: intentID,
		Status:   status,
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
	}

	return CheckoutSession{
		ID:          sessionID,
		Provider:    "sandbox",
		RedirectURL: "https://sandbox.invalid/checkout/" + sessionID,
		IntentID:    intentID,
		ExpiresAt:   p.clock().UTC().Add(30 * time.Minute),
	}, nil
}

// LookupPayment returns the recorded intent outcome.
func (p *SandboxProvider) LookupPayment(_ context.Context, req LookupRequest) (PaymentDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	details, ok := p.intents[req.IntentID]
	if !ok {
		return PaymentDetails{}, fmt.Errorf("sandbox: unknown intent %q", req.IntentID)
	}
	return details, nil
}

// Refund marks the intent refunded.
func (p *SandboxProvider) Refund(_ context.Context, req RefundRequest) (PaymentDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	details, ok := p.intents[req.IntentID]
	if !ok {
		return PaymentDetails{}, fmt.Errorf("sandbox: unknown intent %q", req.IntentID)
	}
	if details.Status != StatusSucceeded && details.Status != StatusRefunded {
		return PaymentDetails{}, fmt.Errorf("sandbox: intent %q not refundable in status %s", req.IntentID, details.Status)
	}
	now := p.clock().UTC()
	details.Status = StatusRefunded
	details.RefundedAt = &now
	p.intents[req.IntentID] = details
	return details, nil
}

// SetOutcome overrides the recorded outcome for an intent, letting tests
// script pending or failed states before confirmation.
func (p *SandboxProvider) SetOutcome(intentID string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if details, ok := p.intents[intentID]; ok {
		details.Status = status
		p.intents[intentID] = details
	}
}
