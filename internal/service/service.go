package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// saleRetryAttempts bounds how often a sale is replayed after a retryable
// store failure (serialization conflict or identifier collision) before the
// error is surfaced to the caller.
const saleRetryAttempts = 3

// supplierCacheTTL keeps the supplier list fresh enough for POS screens
// while sparing the store on hot reads. Stock is never cached.
const supplierCacheTTL = 5 * time.Minute

type Service struct {
	repo    store.Repository
	catalog cache.CatalogCache
}

func New(repo store.Repository, catalog cache.CatalogCache) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	return &Service{repo: repo, catalog: catalog}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return domain.Product{}, store.ErrInvalidRecord
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
		}
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStockProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.SupplierID = strings.ToUpper(strings.TrimSpace(req.SupplierID))
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, store.ErrInvalidRecord
	}
	if req.PriceCents < 1 || req.InitialStock < 0 || req.MinStockLevel < 0 {
		return domain.Product{}, store.ErrInvalidRecord
	}

	created, err := s.repo.CreateProduct(ctx, req)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price_cents=%d,stock=%d", created.Name, created.PriceCents, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return domain.Product{}, store.ErrInvalidRecord
	}

	updated, err := s.repo.UpdateProduct(ctx, id, req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
		}
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", updated.ID, fmt.Sprintf("name=%s,price_cents=%d", updated.Name, updated.PriceCents))
	return *updated, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return nil, store.ErrInvalidRecord
	}
	batches, err := s.repo.ListBatches(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ProductNotFoundError{ProductID: productID}
	}
	return batches, err
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}

	req.ProductID = strings.ToUpper(strings.TrimSpace(req.ProductID))
	req.BatchNumber = strings.ToUpper(strings.TrimSpace(req.BatchNumber))
	req.SupplierID = strings.ToUpper(strings.TrimSpace(req.SupplierID))
	if req.ProductID == "" || req.BatchNumber == "" || req.Qty < 1 || req.PriceCents < 0 {
		return domain.Batch{}, store.ErrInvalidRecord
	}

	var expiry *time.Time
	if req.ExpiryDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.Batch{}, store.ErrInvalidRecord
		}
		expiry = &parsed
	}

	batch, err := s.repo.ReceiveBatch(ctx, domain.Batch{
		BatchNumber: req.BatchNumber,
		ProductID:   req.ProductID,
		Stock:       req.Qty,
		PriceCents:  req.PriceCents,
		ExpiryDate:  expiry,
		SupplierID:  req.SupplierID,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Batch{}, &domain.ProductNotFoundError{ProductID: req.ProductID}
		}
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", batch.BatchNumber, fmt.Sprintf("product=%s,qty=%d", batch.ProductID, batch.Stock))
	return *batch, nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Supplier{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Supplier{}, store.ErrInvalidRecord
	}

	supplier, err := s.repo.CreateSupplier(ctx, req)
	if err != nil {
		return domain.Supplier{}, err
	}

	if err := s.catalog.InvalidateSuppliers(ctx); err != nil {
		log.Printf("[service] WARN: failed to invalidate supplier cache: %v", err)
	}
	s.logAudit(ctx, "supplier_create", "supplier", supplier.ID, fmt.Sprintf("name=%s", supplier.Name))
	return *supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	if cached, ok, err := s.catalog.GetSuppliers(ctx); err == nil && ok {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: supplier cache read failed: %v", err)
	}

	suppliers, err := s.repo.ListSuppliers(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetSuppliers(ctx, suppliers, supplierCacheTTL); err != nil {
		log.Printf("[service] WARN: supplier cache write failed: %v", err)
	}
	return suppliers, nil
}

// CompleteSale validates and normalizes the cart, then hands the whole sale
// to the store as one atomic commit. Retryable store failures replay the
// same draft a bounded number of times; the draft carries no assigned state,
// so a replay is safe.
func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	if len(req.Items) == 0 {
		return domain.SaleResponse{}, domain.ErrEmptyCart
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if len(lines) == 0 {
		return domain.SaleResponse{}, domain.ErrEmptyCart
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	draft := domain.SaleDraft{Lines: lines, PostedBy: actor.Username}

	var sale *domain.Sale
	for attempt := 1; ; attempt++ {
		sale, err = s.repo.CreateSale(ctx, draft)
		if err == nil {
			break
		}
		if !isRetryable(err) || attempt >= saleRetryAttempts {
			return domain.SaleResponse{}, err
		}
		log.Printf("[service] WARN: sale attempt %d failed, retrying: %v", attempt, err)
		select {
		case <-ctx.Done():
			return domain.SaleResponse{}, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}

	s.logAudit(ctx, "sale_posted", "sale", sale.TransactionID, fmt.Sprintf("total_cents=%d,items=%d", sale.TotalCents, sale.TotalItems))
	return toSaleResponse(sale), nil
}

func (s *Service) GetSale(ctx context.Context, transactionID string) (domain.SaleResponse, error) {
	transactionID = strings.ToUpper(strings.TrimSpace(transactionID))
	if transactionID == "" {
		return domain.SaleResponse{}, store.ErrInvalidRecord
	}
	sale, err := s.repo.GetSaleByTransactionID(ctx, transactionID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return toSaleResponse(sale), nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.SaleResponse, error) {
	sales, err := s.repo.ListSales(ctx, limit)
	if err != nil {
		return nil, err
	}
	responses := make([]domain.SaleResponse, 0, len(sales))
	for i := range sales {
		responses = append(responses, toSaleResponse(&sales[i]))
	}
	return responses, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// normalizeLines merges duplicate product lines, keeping first-seen order.
func normalizeLines(items []domain.CartLine) ([]domain.CartLine, error) {
	index := make(map[string]int, len(items))
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		productID := strings.ToUpper(strings.TrimSpace(item.ProductID))
		if productID == "" || item.Qty < 1 {
			return nil, store.ErrInvalidRecord
		}
		if at, seen := index[productID]; seen {
			lines[at].Qty += item.Qty
			continue
		}
		index[productID] = len(lines)
		lines = append(lines, domain.CartLine{ProductID: productID, Qty: item.Qty})
	}
	return lines, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, store.ErrTxConflict) || errors.Is(err, store.ErrIdentifierCollision)
}

func retryBackoff(attempt int) time.Duration {
	base := 25 * time.Millisecond * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(20 * time.Millisecond)))
	return base + jitter
}

func toSaleResponse(sale *domain.Sale) domain.SaleResponse {
	items := make([]domain.SaleItem, len(sale.Items))
	copy(items, sale.Items)
	return domain.SaleResponse{
		TransactionID: sale.TransactionID,
		TotalCents:    sale.TotalCents,
		TotalItems:    sale.TotalItems,
		Items:         items,
		PostedBy:      sale.PostedBy,
		CreatedAt:     sale.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
