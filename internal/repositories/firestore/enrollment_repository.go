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
)

const enrollmentsCollection = "enrollments"

type enrollmentDocument struct {
	UserID    string    `firestore:"userId"`
	ProgramID string    `firestore:"programId"`
	Status    string    `firestore:"status"`
	OrderRef  *string   `firestore:"orderRef,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// EnrollmentRepository is the narrow Firestore window onto enrollments owned
// by the enrollment service. The order flow only reads them, claims and
// releases the order reference, and issues the activation signal.
type EnrollmentRepository struct {
	provider    *pfirestore.Provider
	enrollments *pfirestore.BaseRepository[enrollmentDocument]
}

// NewEnrollmentRepository constructs a Firestore-backed enrollment repository.
func NewEnrollmentRepository(provider *pfirestore.Provider) (*EnrollmentRepository, error) {
	if provider == nil {
		return nil, errors.New("enrollment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[enrollmentDocument](provider, enrollmentsCollection, nil, nil)
	return &EnrollmentRepository{provider: provider, enrollments: base}, nil
}

// FindByIDs loads the given enrollments. Missing ids surface as not-found.
func (r *EnrollmentRepository) FindByIDs(ctx context.Context, enrollmentIDs []string) ([]domain.Enrollment, error) {
	out := make([]domain.Enrollment, 0, len(enrollmentIDs))
	for _, id := range enrollmentIDs {
		doc, err := r.enrollments.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, documentToEnrollment(doc.ID, doc.Data))
	}
	return out, nil
}

// Attach claims the enrollment for an order. A transaction guards the
// exclusivity invariant: an enrollment already referencing a different order
// yields a conflict.
func (r *EnrollmentRepository) Attach(ctx context.Context, enrollmentID, orderID string) error {
	if strings.TrimSpace(enrollmentID) == "" || strings.TrimSpace(orderID) == "" {
		return errors.New("enrollments attach: enrollment id and order id are required")
	}
	ref, err := r.enrollments.DocumentRef(ctx, enrollmentID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc enrollmentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore enrollments decode %s: %w", enrollmentID, err)
		}
		if doc.OrderRef != nil && *doc.OrderRef != orderID {
			return status.Errorf(codes.FailedPrecondition, "enrollment %s already attached to order %s", enrollmentID, *doc.OrderRef)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "orderRef", Value: orderID},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	return pfirestore.WrapError("enrollments.attach", err)
}

// Release drops the order claim placed by Attach.
func (r *EnrollmentRepository) Release(ctx context.Context, enrollmentID, orderID string) error {
	ref, err := r.enrollments.DocumentRef(ctx, enrollmentID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc enrollmentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore enrollments decode %s: %w", enrollmentID, err)
		}
		if doc.OrderRef == nil || *doc.OrderRef != orderID {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "orderRef", Value: firestore.Delete},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	return pfirestore.WrapError("enrollments.release", err)
}

// Activate issues the write-once activation signal. Re-activation is a no-op.
func (r *EnrollmentRepository) Activate(ctx context.Context, enrollmentID string) error {
	ref, err := r.enrollments.DocumentRef(ctx, enrollmentID)
	if err != nil {
		return err
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc enrollmentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore enrollments decode %s: %w", enrollmentID, err)
		}
		if doc.Status == string(domain.EnrollmentStatusActive) {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(domain.EnrollmentStatusActive)},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	return pfirestore.WrapError("enrollments.activate", err)
}

func documentToEnrollment(id string, doc enrollmentDocument) domain.Enrollment {
	return domain.Enrollment{
		ID:        id,
		UserID:    doc.UserID,
		ProgramID: doc.ProgramID,
		Status:    domain.EnrollmentStatus(doc.Status),
		OrderRef:  doc.OrderRef,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}
