package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/enrollfield/api/internal/domain"
	platformfs "github.com/enrollfield/api/internal/platform/firestore"
)

const ledgerCollection = "paymentIntentLedger"

type ledgerDoc struct {
	IntentID      string    `firestore:"intentId"`
	OrderID       string    `firestore:"orderId"`
	PaymentID     string    `firestore:"paymentId"`
	PaymentStatus string    `firestore:"paymentStatus"`
	OrderStatus   string    `firestore:"orderStatus"`
	State         string    `firestore:"state"`
	ClaimedAt     time.Time `firestore:"claimedAt"`
	RecordedAt    time.Time `firestore:"recordedAt,omitempty"`
}

// FirestoreStore persists ledger entries in a dedicated collection. Begin
// relies on Firestore's transactional Create failing with AlreadyExists to
// make the claim a conditional insert.
type FirestoreStore struct {
	provider *platformfs.Provider
	clock    func() time.Time
	claimTTL time.Duration
}

// NewFirestoreStore constructs a FirestoreStore bound to the shared provider.
func NewFirestoreStore(provider *platformfs.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("ledger: firestore provider is required")
	}
	return &FirestoreStore{provider: provider, clock: time.Now, claimTTL: DefaultClaimTTL}, nil
}

// WithClock overrides the time source, primarily for tests.
func (s *FirestoreStore) WithClock(clock func() time.Time) *FirestoreStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// WithClaimTTL overrides the pending-claim lease. Zero disables reclaiming.
func (s *FirestoreStore) WithClaimTTL(ttl time.Duration) *FirestoreStore {
	s.claimTTL = ttl
	return s
}

// Begin claims the intent or reports the prior outcome. A pending claim whose
// lease has lapsed is treated as abandoned and reclaimed.
func (s *FirestoreStore) Begin(ctx context.Context, intentID, orderID string) (Claim, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Claim{}, ErrNotClaimed
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return Claim{}, err
	}
	ref := client.Collection(ledgerCollection).Doc(intentID)

	var claim Claim
	err = platformfs.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		claim = Claim{}
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			var doc ledgerDoc
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("ledger: decode entry %s: %w", intentID, err)
			}
			if doc.State == string(stateComplete) {
				entry := docToEntry(doc)
				claim.Replay = &entry
				return nil
			}
			now := s.clock().UTC()
			if s.claimTTL <= 0 || now.Sub(doc.ClaimedAt) <= s.claimTTL {
				return ErrInFlight
			}
			return tx.Set(ref, ledgerDoc{
				IntentID:  intentID,
				OrderID:   orderID,
				State:     string(statePending),
				ClaimedAt: now,
			})
		}
		return tx.Create(ref, ledgerDoc{
			IntentID:  intentID,
			OrderID:   orderID,
			State:     string(statePending),
			ClaimedAt: s.clock().UTC(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrInFlight) {
			return Claim{}, ErrInFlight
		}
		return Claim{}, err
	}
	return claim, nil
}

// Complete stores the terminal entry for a claimed intent.
func (s *FirestoreStore) Complete(ctx context.Context, entry Entry) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(ledgerCollection).Doc(entry.IntentID)
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock().UTC()
	}

	return platformfs.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotClaimed
			}
			return err
		}
		var doc ledgerDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("ledger: decode entry %s: %w", entry.IntentID, err)
		}
		if doc.State != string(statePending) {
			return ErrNotClaimed
		}
		return tx.Set(ref, ledgerDoc{
			IntentID:      entry.IntentID,
			OrderID:       entry.OrderID,
			PaymentID:     entry.PaymentID,
			PaymentStatus: string(entry.PaymentStatus),
			OrderStatus:   string(entry.OrderStatus),
			State:         string(stateComplete),
			ClaimedAt:     doc.ClaimedAt,
			RecordedAt:    entry.RecordedAt,
		})
	})
}

// Release drops an in-flight claim so a later confirmation can retry.
func (s *FirestoreStore) Release(ctx context.Context, intentID string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(ledgerCollection).Doc(intentID)

	return platformfs.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotClaimed
			}
			return err
		}
		var doc ledgerDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("ledger: decode entry %s: %w", intentID, err)
		}
		if doc.State == string(stateComplete) {
			return nil
		}
		return tx.Delete(ref)
	})
}

func docToEntry(doc ledgerDoc) Entry {
	return Entry{
		IntentID:      doc.IntentID,
		OrderID:       doc.OrderID,
		PaymentID:     doc.PaymentID,
		PaymentStatus: domain.PaymentStatus(doc.PaymentStatus),
		OrderStatus:   domain.OrderStatus(doc.OrderStatus),
		RecordedAt:    doc.RecordedAt,
	}
}
