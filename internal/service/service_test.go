package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopCatalogCache{})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

func TestCompleteSaleMultiLineTotals(t *testing.T) {
	svc := newTestService()

	// MED001 at 450 cents, MED002 at 620 cents in the seeded catalog.
	resp, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{
			{ProductID: "MED001", Qty: 3},
			{ProductID: "MED002", Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	if resp.TransactionID != "TXN001" {
		t.Errorf("transaction ID = %q, want TXN001", resp.TransactionID)
	}
	wantTotal := int64(3*450 + 2*620)
	if resp.TotalCents != wantTotal {
		t.Errorf("total = %d cents, want %d", resp.TotalCents, wantTotal)
	}
	if resp.TotalItems != 5 {
		t.Errorf("total items = %d, want 5", resp.TotalItems)
	}
	if resp.PostedBy != "cashier" {
		t.Errorf("posted by = %q, want cashier", resp.PostedBy)
	}
	if len(resp.Items) != 2 || resp.Items[0].ProductID != "MED001" || resp.Items[1].ProductID != "MED002" {
		t.Errorf("items = %+v, want MED001 then MED002", resp.Items)
	}
}

func TestCompleteSaleMergesDuplicateLines(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{
			{ProductID: "MED001", Qty: 2},
			{ProductID: "med001", Qty: 3},
		},
	})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("items = %+v, want one merged line", resp.Items)
	}
	if resp.Items[0].Qty != 5 || resp.Items[0].SubtotalCents != 5*450 {
		t.Errorf("merged line = %+v, want qty 5 subtotal %d", resp.Items[0], int64(5*450))
	}
}

func TestCompleteSaleEmptyCart(t *testing.T) {
	svc := newTestService()

	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{})
	if !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("error = %v, want ErrEmptyCart", err)
	}
}

func TestCompleteSaleUnknownProduct(t *testing.T) {
	svc := newTestService()

	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{{ProductID: "MED999", Qty: 1}},
	})
	var notFound *domain.ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ProductNotFoundError", err)
	}
	if notFound.ProductID != "MED999" {
		t.Errorf("ProductID = %q, want MED999", notFound.ProductID)
	}
}

func TestCompleteSaleAtomicAcrossLines(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	before, err := svc.GetProduct(ctx, "MED001")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}

	_, err = svc.CompleteSale(ctx, domain.SaleRequest{
		Items: []domain.CartLine{
			{ProductID: "MED001", Qty: 1},
			{ProductID: "MED003", Qty: 100000},
		},
	})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("error = %v, want InsufficientStockError", err)
	}
	if insufficient.ProductID != "MED003" {
		t.Errorf("failing product = %q, want MED003", insufficient.ProductID)
	}

	after, err := svc.GetProduct(ctx, "MED001")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Stock != before.Stock {
		t.Errorf("MED001 stock changed from %d to %d on failed sale", before.Stock, after.Stock)
	}
	if sales, _ := svc.ListSales(ctx, 10); len(sales) != 0 {
		t.Errorf("sales after failed post = %d, want 0", len(sales))
	}
}

func TestCompleteSaleSnapshotSurvivesCatalogEdit(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{{ProductID: "MED001", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}

	newName := "Paracetamol 500mg Extra"
	newPrice := int64(9999)
	if _, err := svc.UpdateProduct(adminCtx(), "MED001", domain.ProductUpdateRequest{Name: &newName, PriceCents: &newPrice}); err != nil {
		t.Fatalf("update product: %v", err)
	}

	stored, err := svc.GetSale(cashierCtx(), resp.TransactionID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if stored.Items[0].ProductName != "Paracetamol 500mg" || stored.Items[0].UnitPriceCents != 450 {
		t.Errorf("stored item = %+v, want pre-edit name and price", stored.Items[0])
	}
}

func TestCompleteSaleConcurrentPostsStayConsistent(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopCatalogCache{})
	ctx := cashierCtx()

	before, err := svc.GetProduct(ctx, "MED006")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}

	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CompleteSale(ctx, domain.SaleRequest{
				Items: []domain.CartLine{{ProductID: "MED006", Qty: 2}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			var insufficient *domain.InsufficientStockError
			if !errors.As(err, &insufficient) {
				t.Errorf("unexpected error: %v", err)
			}
		}
	}

	after, err := svc.GetProduct(ctx, "MED006")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.Stock != before.Stock-2*succeeded {
		t.Errorf("final stock = %d, want %d", after.Stock, before.Stock-2*succeeded)
	}
	if after.Stock < 0 {
		t.Errorf("oversold: stock = %d", after.Stock)
	}
}

// flakyRepo fails CreateSale with a retryable error a fixed number of times.
type flakyRepo struct {
	store.Repository
	failures int32
	calls    int32
}

func (f *flakyRepo) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	call := atomic.AddInt32(&f.calls, 1)
	if call <= f.failures {
		return nil, store.ErrTxConflict
	}
	return f.Repository.CreateSale(ctx, draft)
}

func TestCompleteSaleRetriesTransientConflicts(t *testing.T) {
	repo := &flakyRepo{Repository: memory.NewSeeded(), failures: 2}
	svc := New(repo, cache.NoopCatalogCache{})

	resp, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{{ProductID: "MED001", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("complete sale failed after retries: %v", err)
	}
	if resp.TransactionID != "TXN001" {
		t.Errorf("transaction ID = %q, want TXN001", resp.TransactionID)
	}
	if got := atomic.LoadInt32(&repo.calls); got != 3 {
		t.Errorf("CreateSale calls = %d, want 3", got)
	}
}

func TestCompleteSaleGivesUpAfterBoundedRetries(t *testing.T) {
	repo := &flakyRepo{Repository: memory.NewSeeded(), failures: 10}
	svc := New(repo, cache.NoopCatalogCache{})

	_, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{{ProductID: "MED001", Qty: 1}},
	})
	if !errors.Is(err, store.ErrTxConflict) {
		t.Fatalf("error = %v, want ErrTxConflict", err)
	}
	if got := atomic.LoadInt32(&repo.calls); got != saleRetryAttempts {
		t.Errorf("CreateSale calls = %d, want %d", got, saleRetryAttempts)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		Name:       "Naproxen 250mg",
		Category:   "analgesic",
		PriceCents: 800,
	})
	if err == nil {
		t.Fatalf("expected create product to fail without admin role")
	}
}

func TestCreateProductAssignsNextIdentifier(t *testing.T) {
	svc := newTestService()

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:          "Naproxen 250mg",
		Category:      "analgesic",
		SupplierID:    "SUP001",
		PriceCents:    800,
		MinStockLevel: 10,
		InitialStock:  40,
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	// Seeded catalog ends at MED008.
	if created.ID != "MED009" {
		t.Errorf("product ID = %q, want MED009", created.ID)
	}
}

func TestReceiveBatchRejectsBadExpiry(t *testing.T) {
	svc := newTestService()

	_, err := svc.ReceiveBatch(adminCtx(), domain.BatchReceiveRequest{
		ProductID:   "MED001",
		BatchNumber: "PCM-BAD",
		Qty:         10,
		ExpiryDate:  "31-12-2027",
	})
	if !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("error = %v, want ErrInvalidRecord", err)
	}
}

func TestCreateSupplierAssignsNextIdentifier(t *testing.T) {
	svc := newTestService()

	supplier, err := svc.CreateSupplier(adminCtx(), domain.SupplierCreateRequest{
		Name:  "Harbor Pharmaceutical Wholesale",
		Phone: "+1-555-0190",
	})
	if err != nil {
		t.Fatalf("create supplier failed: %v", err)
	}
	// Seeded suppliers end at SUP002.
	if supplier.ID != "SUP003" {
		t.Errorf("supplier ID = %q, want SUP003", supplier.ID)
	}
}

// fakeCatalogCache is an in-process CatalogCache for testing cache wiring.
type fakeCatalogCache struct {
	suppliers []domain.Supplier
	populated bool
}

func (f *fakeCatalogCache) GetSuppliers(_ context.Context) ([]domain.Supplier, bool, error) {
	return f.suppliers, f.populated, nil
}

func (f *fakeCatalogCache) SetSuppliers(_ context.Context, suppliers []domain.Supplier, _ time.Duration) error {
	f.suppliers = suppliers
	f.populated = true
	return nil
}

func (f *fakeCatalogCache) InvalidateSuppliers(_ context.Context) error {
	f.suppliers = nil
	f.populated = false
	return nil
}

func TestListSuppliersPopulatesAndInvalidatesCache(t *testing.T) {
	catalog := &fakeCatalogCache{}
	svc := New(memory.NewSeeded(), catalog)
	ctx := adminCtx()

	first, err := svc.ListSuppliers(ctx)
	if err != nil {
		t.Fatalf("list suppliers: %v", err)
	}
	if !catalog.populated {
		t.Fatalf("expected supplier cache to be populated after list")
	}

	if _, err := svc.CreateSupplier(ctx, domain.SupplierCreateRequest{Name: "Harbor Pharmaceutical Wholesale"}); err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	if catalog.populated {
		t.Fatalf("expected supplier cache to be invalidated after create")
	}

	second, err := svc.ListSuppliers(ctx)
	if err != nil {
		t.Fatalf("list suppliers after create: %v", err)
	}
	if len(second) != len(first)+1 {
		t.Errorf("suppliers after create = %d, want %d", len(second), len(first)+1)
	}
}

func TestAuditLogWrittenForSale(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CompleteSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.CartLine{{ProductID: "MED001", Qty: 1}},
	}); err != nil {
		t.Fatalf("complete sale failed: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_posted" && entry.EntityID == "TXN001" {
			found = true
			if entry.ActorUsername != "cashier" {
				t.Errorf("audit actor = %q, want cashier", entry.ActorUsername)
			}
		}
	}
	if !found {
		t.Errorf("no sale_posted audit entry for TXN001 in %+v", logs)
	}
}
