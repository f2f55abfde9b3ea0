package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
)

const promotionsCollection = "promotions"

type promotionDocument struct {
	Kind     string     `firestore:"kind"`
	Percent  int64      `firestore:"percentBps,omitempty"`
	Amount   int64      `firestore:"amount,omitempty"`
	Active   bool       `firestore:"active"`
	StartsAt *time.Time `firestore:"startsAt,omitempty"`
	EndsAt   *time.Time `firestore:"endsAt,omitempty"`
}

// PromotionRepository resolves discount codes. Codes are document ids,
// normalised to upper case.
type PromotionRepository struct {
	promotions *pfirestore.BaseRepository[promotionDocument]
}

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil)
	return &PromotionRepository{promotions: base}, nil
}

// FindByCode loads the promotion registered under the code.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	doc, err := r.promotions.Get(ctx, normalized)
	if err != nil {
		return domain.Promotion{}, err
	}
	return domain.Promotion{
		Code:     doc.ID,
		Kind:     domain.PromotionKind(doc.Data.Kind),
		Percent:  doc.Data.Percent,
		Amount:   doc.Data.Amount,
		Active:   doc.Data.Active,
		StartsAt: doc.Data.StartsAt,
		EndsAt:   doc.Data.EndsAt,
	}, nil
}
