package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/enrollfield/api/internal/domain"
	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
	"github.com/enrollfield/api/internal/platform/pagination"
)

type paymentDocument struct {
	OrderID         string     `firestore:"orderId"`
	UserID          string     `firestore:"userId"`
	Amount          int64      `firestore:"amount"`
	RefundedAmount  int64      `firestore:"refundedAmount"`
	Currency        string     `firestore:"currency"`
	Status          string     `firestore:"status"`
	GatewayIntentID string     `firestore:"gatewayIntentId"`
	FailureReason   *string    `firestore:"failureReason,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
	ExpiresAt       *time.Time `firestore:"expiresAt,omitempty"`
}

// PaymentRepository stores payment attempts as a subcollection of their order.
type PaymentRepository struct {
	provider *pfirestore.Provider
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{provider: provider}, nil
}

func (r *PaymentRepository) paymentRef(ctx context.Context, orderID, paymentID string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("payments: order id is required")
	}
	if strings.TrimSpace(paymentID) == "" {
		return nil, errors.New("payments: payment id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection).Doc(orderID).Collection(paymentsCollection).Doc(paymentID), nil
}

// Insert creates the payment document, failing on id collision.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	ref, err := r.paymentRef(ctx, payment.OrderID, payment.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, paymentToDocument(payment)); err != nil {
		return pfirestore.WrapError("payments.insert", err)
	}
	return nil
}

// Update overwrites the payment document.
func (r *PaymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	ref, err := r.paymentRef(ctx, payment.OrderID, payment.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, paymentToDocument(payment)); err != nil {
		return pfirestore.WrapError("payments.update", err)
	}
	return nil
}

// List returns all payment attempts for an order, oldest first.
func (r *PaymentRepository) List(ctx context.Context, orderID string) ([]domain.Payment, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.New("payments: order id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	iter := client.Collection(ordersCollection).Doc(orderID).Collection(paymentsCollection).
		OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var payments []domain.Payment
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("payments.list", err)
		}
		payment, err := snapshotToPayment(snap)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, nil
}

// FindByIntent locates the payment carrying the given gateway intent id.
func (r *PaymentRepository) FindByIntent(ctx context.Context, orderID, gatewayIntentID string) (domain.Payment, error) {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(gatewayIntentID) == "" {
		return domain.Payment{}, errors.New("payments: order id and intent id are required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Payment{}, err
	}

	iter := client.Collection(ordersCollection).Doc(orderID).Collection(paymentsCollection).
		Where("gatewayIntentId", "==", gatewayIntentID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Payment{}, pfirestore.WrapError("payments.findByIntent",
			status.Errorf(codes.NotFound, "payment with intent %s not found under order %s", gatewayIntentID, orderID))
	}
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.findByIntent", err)
	}
	return snapshotToPayment(snap)
}

// ListByUser returns a user's payments newest first across all orders.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Payment], error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CursorPage[domain.Payment]{}, errors.New("payments: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Payment]{}, err
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Payment]{}, err
	}

	query := client.CollectionGroup(paymentsCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc)
	if len(cursor.StartAfter) > 0 {
		query = query.StartAfter(cursor.StartAfter...)
	}

	iter := query.Limit(pageSize + 1).Documents(ctx)
	defer iter.Stop()

	page := domain.CursorPage[domain.Payment]{}
	var last domain.Payment
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Payment]{}, pfirestore.WrapError("payments.listByUser", err)
		}
		payment, err := snapshotToPayment(snap)
		if err != nil {
			return domain.CursorPage[domain.Payment]{}, err
		}
		if len(page.Items) == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{last.CreatedAt}})
			if err != nil {
				return domain.CursorPage[domain.Payment]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, payment)
		last = payment
	}
	return page, nil
}

func paymentToDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		OrderID:         payment.OrderID,
		UserID:          payment.UserID,
		Amount:          payment.Amount,
		RefundedAmount:  payment.RefundedAmount,
		Currency:        payment.Currency,
		Status:          string(payment.Status),
		GatewayIntentID: payment.GatewayIntentID,
		FailureReason:   payment.FailureReason,
		CreatedAt:       payment.CreatedAt.UTC(),
		UpdatedAt:       payment.UpdatedAt.UTC(),
		ExpiresAt:       payment.ExpiresAt,
	}
}

func snapshotToPayment(snap *firestore.DocumentSnapshot) (domain.Payment, error) {
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Payment{}, fmt.Errorf("firestore payments decode %s: %w", snap.Ref.ID, err)
	}
	return domain.Payment{
		ID:              snap.Ref.ID,
		OrderID:         doc.OrderID,
		UserID:          doc.UserID,
		Amount:          doc.Amount,
		RefundedAmount:  doc.RefundedAmount,
		Currency:        doc.Currency,
		Status:          domain.PaymentStatus(doc.Status),
		GatewayIntentID: doc.GatewayIntentID,
		FailureReason:   doc.FailureReason,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		ExpiresAt:       doc.ExpiresAt,
	}, nil
}
