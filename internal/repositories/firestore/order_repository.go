package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/enrollfield/api/internal/domain"
	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
	"github.com/enrollfield/api/internal/platform/pagination"
	"github.com/enrollfield/api/internal/repositories"
)

const (
	ordersCollection   = "orders"
	paymentsCollection = "payments"
)

type orderDocument struct {
	OrderNumber  string              `firestore:"orderNumber"`
	UserID       string              `firestore:"userId"`
	Status       string              `firestore:"status"`
	Currency     string              `firestore:"currency"`
	Subtotal     int64               `firestore:"subtotal"`
	Discount     int64               `firestore:"discount"`
	Tax          int64               `firestore:"tax"`
	Total        int64               `firestore:"total"`
	Items        []orderItemDocument `firestore:"items"`
	PromoCode    *string             `firestore:"promoCode,omitempty"`
	Metadata     map[string]string   `firestore:"metadata,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
	PaidAt       *time.Time          `firestore:"paidAt,omitempty"`
	CanceledAt   *time.Time          `firestore:"canceledAt,omitempty"`
	RefundedAt   *time.Time          `firestore:"refundedAt,omitempty"`
	CancelReason *string             `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	Position     int    `firestore:"position"`
	EnrollmentID string `firestore:"enrollmentId"`
	ProgramRef   string `firestore:"programRef"`
	Description  string `firestore:"description"`
	UnitPrice    int64  `firestore:"unitPrice"`
	Currency     string `firestore:"currency"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: base}, nil
}

// Insert creates the order document, failing on id collision.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("orders insert: order id is required")
	}
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, orderToDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("orders update: order id is required")
	}
	_, err := r.orders.Set(ctx, order.ID, orderToDocument(order))
	return err
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return documentToOrder(doc.ID, doc.Data), nil
}

// UpdateStatus performs a compare-and-set on the order status inside a
// transaction. A stored status differing from from yields a conflict.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, at time.Time) (domain.Order, error) {
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}
		if doc.Status != string(from) {
			return status.Errorf(codes.FailedPrecondition, "order %s is %s, expected %s", orderID, doc.Status, from)
		}

		at = at.UTC()
		doc.Status = string(to)
		doc.UpdatedAt = at
		switch to {
		case domain.OrderStatusPaid:
			doc.PaidAt = &at
		case domain.OrderStatusCanceled:
			doc.CanceledAt = &at
		case domain.OrderStatusRefunded:
			doc.RefundedAt = &at
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = documentToOrder(orderID, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

// List returns the user's orders newest first with cursor pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		if filter.UserID != "" {
			query = query.Where("userId", "==", filter.UserID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			query = query.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(cursor.StartAfter) > 0 {
			query = query.StartAfter(cursor.StartAfter...)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{
				StartAfter: []any{docs[pageSize-1].Data.CreatedAt, docs[pageSize-1].ID},
			})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, documentToOrder(doc.ID, doc.Data))
	}
	return page, nil
}

func orderToDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			Position:     item.Position,
			EnrollmentID: item.EnrollmentID,
			ProgramRef:   item.ProgramRef,
			Description:  item.Description,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
		})
	}
	return orderDocument{
		OrderNumber:  order.OrderNumber,
		UserID:       order.UserID,
		Status:       string(order.Status),
		Currency:     order.Currency,
		Subtotal:     order.Totals.Subtotal,
		Discount:     order.Totals.Discount,
		Tax:          order.Totals.Tax,
		Total:        order.Totals.Total,
		Items:        items,
		PromoCode:    order.PromoCode,
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PaidAt:       order.PaidAt,
		CanceledAt:   order.CanceledAt,
		RefundedAt:   order.RefundedAt,
		CancelReason: order.CancelReason,
	}
}

func documentToOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderLineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderLineItem{
			Position:     item.Position,
			EnrollmentID: item.EnrollmentID,
			ProgramRef:   item.ProgramRef,
			Description:  item.Description,
			UnitPrice:    item.UnitPrice,
			Currency:     item.Currency,
		})
	}
	return domain.Order{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		UserID:      doc.UserID,
		Status:      domain.OrderStatus(doc.Status),
		Currency:    doc.Currency,
		Totals: domain.OrderTotals{
			Subtotal: doc.Subtotal,
			Discount: doc.Discount,
			Tax:      doc.Tax,
			Total:    doc.Total,
		},
		Items:        items,
		PromoCode:    doc.PromoCode,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		PaidAt:       doc.PaidAt,
		CanceledAt:   doc.CanceledAt,
		RefundedAt:   doc.RefundedAt,
		CancelReason: doc.CancelReason,
	}
}
