// Package ledger records payment confirmation outcomes keyed by the gateway
// payment-intent id. The intent id is the natural idempotency key for
// ConfirmPayment: the first confirmation claims the intent, every retry
// replays the recorded outcome without side effects.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/enrollfield/api/internal/domain"
)

var (
	// ErrInFlight signals that another confirmation currently holds the claim.
	ErrInFlight = errors.New("ledger: confirmation already in flight")
	// ErrNotClaimed signals Complete or Release on an intent never claimed.
	ErrNotClaimed = errors.New("ledger: intent not claimed")
)

// DefaultClaimTTL is the lease on a pending claim. A holder that crashed
// between Begin and Complete would otherwise block the intent forever; once
// the lease lapses, Begin reclaims the intent for the next confirmation.
const DefaultClaimTTL = 2 * time.Minute

// Entry is the terminal outcome recorded for one confirmed intent.
type Entry struct {
	IntentID      string
	OrderID       string
	PaymentID     string
	PaymentStatus domain.PaymentStatus
	OrderStatus   domain.OrderStatus
	RecordedAt    time.Time
}

// Claim is the result of Begin.
type Claim struct {
	// Replay is non-nil when the intent was already confirmed; the caller
	// must return the recorded outcome and perform no further writes.
	Replay *Entry
}

// Store persists confirmation claims and outcomes.
//
// Begin performs a conditional insert: a fresh intent yields an empty Claim,
// a terminal record yields Claim.Replay, and an in-flight claim yields
// ErrInFlight. Complete stores the terminal entry under the claim. Release
// drops a claim after a retryable failure so a later confirmation can start
// over.
type Store interface {
	Begin(ctx context.Context, intentID, orderID string) (Claim, error)
	Complete(ctx context.Context, entry Entry) error
	Release(ctx context.Context, intentID string) error
}
