package store

import (
	"context"
	"errors"

	"apotekpos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRecord       = errors.New("invalid record")
	ErrIdentifierCollision = errors.New("identifier collision")
	ErrTxConflict          = errors.New("transaction conflict")
)

// Repository is the persistence boundary. Implementations must make
// CreateSale atomic: identifier assignment, stock deduction across products
// and batches, and the sale row with its items commit together or not at
// all. CreateSale may fail with ErrTxConflict or ErrIdentifierCollision,
// both of which are safe to retry with the same draft.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error)
	ListLowStockProducts(ctx context.Context) ([]domain.Product, error)

	ListBatches(ctx context.Context, productID string) ([]domain.Batch, error)
	ReceiveBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)

	CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	GetSaleByTransactionID(ctx context.Context, transactionID string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
