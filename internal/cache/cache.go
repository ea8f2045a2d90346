package cache

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

// CatalogCache holds slow-moving catalog reads. Stock levels are never
// cached; anything quantity-bearing is always served from the store.
type CatalogCache interface {
	GetSuppliers(ctx context.Context) ([]domain.Supplier, bool, error)
	SetSuppliers(ctx context.Context, suppliers []domain.Supplier, ttl time.Duration) error
	InvalidateSuppliers(ctx context.Context) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) GetSuppliers(_ context.Context) ([]domain.Supplier, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) SetSuppliers(_ context.Context, _ []domain.Supplier, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) InvalidateSuppliers(_ context.Context) error {
	return nil
}
