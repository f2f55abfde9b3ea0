package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/enrollfield/api/internal/domain"
	pfirestore "github.com/enrollfield/api/internal/platform/firestore"
)

const programsCollection = "programs"

type programDocument struct {
	Name      string    `firestore:"name"`
	Price     int64     `firestore:"price"`
	Currency  string    `firestore:"currency"`
	Published bool      `firestore:"published"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CatalogRepository resolves published programs for price snapshots.
type CatalogRepository struct {
	programs *pfirestore.BaseRepository[programDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[programDocument](provider, programsCollection, nil, nil)
	return &CatalogRepository{programs: base}, nil
}

// FindProgramsByIDs loads the given programs. Missing ids surface as not-found.
func (r *CatalogRepository) FindProgramsByIDs(ctx context.Context, programIDs []string) ([]domain.Program, error) {
	out := make([]domain.Program, 0, len(programIDs))
	for _, id := range programIDs {
		doc, err := r.programs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Program{
			ID:        doc.ID,
			Name:      doc.Data.Name,
			Price:     doc.Data.Price,
			Currency:  doc.Data.Currency,
			Published: doc.Data.Published,
			UpdatedAt: doc.Data.UpdatedAt,
		})
	}
	return out, nil
}
