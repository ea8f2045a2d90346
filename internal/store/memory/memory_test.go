package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()

	supplier, err := s.CreateSupplier(ctx, domain.SupplierCreateRequest{Name: "Test Supply Co", Phone: "+1-555-0100"})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}
	if supplier.ID != "SUP001" {
		t.Fatalf("first supplier ID = %q, want SUP001", supplier.ID)
	}
	return s
}

func mustCreateProduct(t *testing.T, s *Store, name string, priceCents int64, initialStock int) *domain.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name:          name,
		Category:      "test",
		SupplierID:    "SUP001",
		PriceCents:    priceCents,
		MinStockLevel: 5,
		InitialStock:  initialStock,
	})
	if err != nil {
		t.Fatalf("CreateProduct %s: %v", name, err)
	}
	return product
}

func mustReceiveBatch(t *testing.T, s *Store, productID string, batchNumber string, qty int, expiry string) {
	t.Helper()
	var expiryDate *time.Time
	if expiry != "" {
		parsed, err := time.Parse("2006-01-02", expiry)
		if err != nil {
			t.Fatalf("parse expiry %q: %v", expiry, err)
		}
		expiryDate = &parsed
	}
	_, err := s.ReceiveBatch(context.Background(), domain.Batch{
		BatchNumber: batchNumber,
		ProductID:   productID,
		Stock:       qty,
		PriceCents:  100,
		ExpiryDate:  expiryDate,
	})
	if err != nil {
		t.Fatalf("ReceiveBatch %s: %v", batchNumber, err)
	}
}

func TestProductIdentifierSequence(t *testing.T) {
	s := newTestStore(t)

	first := mustCreateProduct(t, s, "Aspirin 100mg", 300, 10)
	second := mustCreateProduct(t, s, "Loratadine 10mg", 550, 10)

	if first.ID != "MED001" {
		t.Errorf("first product ID = %q, want MED001", first.ID)
	}
	if second.ID != "MED002" {
		t.Errorf("second product ID = %q, want MED002", second.ID)
	}
}

func TestReceiveBatchUpdatesAggregateAndNearestExpiry(t *testing.T) {
	s := newTestStore(t)
	product := mustCreateProduct(t, s, "Aspirin 100mg", 300, 0)

	mustReceiveBatch(t, s, product.ID, "ASP-01", 20, "2027-05-01")
	mustReceiveBatch(t, s, product.ID, "ASP-02", 10, "2027-01-01")

	got, err := s.GetProductByID(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("GetProductByID: %v", err)
	}
	if got.Stock != 30 {
		t.Errorf("Stock = %d, want 30", got.Stock)
	}
	if got.NearestExpiry == nil || got.NearestExpiry.Format("2006-01-02") != "2027-01-01" {
		t.Errorf("NearestExpiry = %v, want 2027-01-01", got.NearestExpiry)
	}
}

func TestReceiveBatchRejectsDuplicateNumber(t *testing.T) {
	s := newTestStore(t)
	product := mustCreateProduct(t, s, "Aspirin 100mg", 300, 0)
	mustReceiveBatch(t, s, product.ID, "ASP-01", 20, "")

	_, err := s.ReceiveBatch(context.Background(), domain.Batch{
		BatchNumber: "ASP-01",
		ProductID:   product.ID,
		Stock:       5,
	})
	if !errors.Is(err, store.ErrInvalidRecord) {
		t.Fatalf("duplicate batch error = %v, want ErrInvalidRecord", err)
	}
}

func TestCreateSaleDeductsFEFOAndSnapshotsItems(t *testing.T) {
	s := newTestStore(t)
	product := mustCreateProduct(t, s, "Aspirin 100mg", 300, 0)
	mustReceiveBatch(t, s, product.ID, "LATE", 5, "2027-06-01")
	mustReceiveBatch(t, s, product.ID, "EARLY", 5, "2027-02-01")

	ctx := context.Background()
	sale, err := s.CreateSale(ctx, domain.SaleDraft{
		Lines:    []domain.CartLine{{ProductID: product.ID, Qty: 7}},
		PostedBy: "cashier",
	})
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if sale.TransactionID != "TXN001" {
		t.Errorf("TransactionID = %q, want TXN001", sale.TransactionID)
	}
	if sale.TotalCents != 2100 || sale.TotalItems != 7 {
		t.Errorf("totals = %d cents / %d items, want 2100 / 7", sale.TotalCents, sale.TotalItems)
	}

	batches, err := s.ListBatches(ctx, product.ID)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	remaining := map[string]int{}
	for _, b := range batches {
		remaining[b.BatchNumber] = b.Stock
	}
	if remaining["EARLY"] != 0 || remaining["LATE"] != 3 {
		t.Errorf("remaining batch stock = %v, want EARLY=0 LATE=3", remaining)
	}

	got, err := s.GetProductByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProductByID: %v", err)
	}
	if got.Stock != 3 {
		t.Errorf("aggregate stock = %d, want 3", got.Stock)
	}

	// Catalog edits after posting must not alter the stored sale.
	newName := "Aspirin 100mg (renamed)"
	newPrice := int64(999)
	if _, err := s.UpdateProduct(ctx, product.ID, domain.ProductUpdateRequest{Name: &newName, PriceCents: &newPrice}); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	stored, err := s.GetSaleByTransactionID(ctx, sale.TransactionID)
	if err != nil {
		t.Fatalf("GetSaleByTransactionID: %v", err)
	}
	if stored.Items[0].ProductName != "Aspirin 100mg" || stored.Items[0].UnitPriceCents != 300 {
		t.Errorf("stored sale item = %+v, want original name and price", stored.Items[0])
	}
}

func TestCreateSaleAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ok := mustCreateProduct(t, s, "Aspirin 100mg", 300, 10)
	short := mustCreateProduct(t, s, "Loratadine 10mg", 550, 2)

	ctx := context.Background()
	_, err := s.CreateSale(ctx, domain.SaleDraft{
		Lines: []domain.CartLine{
			{ProductID: ok.ID, Qty: 5},
			{ProductID: short.ID, Qty: 3},
		},
		PostedBy: "cashier",
	})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("CreateSale error = %v, want InsufficientStockError", err)
	}
	if insufficient.ProductID != short.ID || insufficient.Available != 2 || insufficient.Requested != 3 {
		t.Errorf("InsufficientStockError = %+v", insufficient)
	}

	// The passing line must not have been deducted.
	got, err := s.GetProductByID(ctx, ok.ID)
	if err != nil {
		t.Fatalf("GetProductByID: %v", err)
	}
	if got.Stock != 10 {
		t.Errorf("stock after failed sale = %d, want 10", got.Stock)
	}
	if sales, _ := s.ListSales(ctx, 10); len(sales) != 0 {
		t.Errorf("sales after failed post = %d, want 0", len(sales))
	}
}

func TestCreateSaleUnknownProduct(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSale(context.Background(), domain.SaleDraft{
		Lines:    []domain.CartLine{{ProductID: "MED999", Qty: 1}},
		PostedBy: "cashier",
	})
	var notFound *domain.ProductNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("CreateSale error = %v, want ProductNotFoundError", err)
	}
	if notFound.ProductID != "MED999" {
		t.Errorf("ProductNotFoundError.ProductID = %q, want MED999", notFound.ProductID)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := newTestStore(t)
	product := mustCreateProduct(t, s, "Aspirin 100mg", 300, 10)

	ctx := context.Background()
	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSale(ctx, domain.SaleDraft{
				Lines:    []domain.CartLine{{ProductID: product.ID, Qty: 1}},
				PostedBy: "cashier",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *domain.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Errorf("successful sales = %d, want 10", succeeded)
	}

	got, err := s.GetProductByID(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProductByID: %v", err)
	}
	if got.Stock != 0 {
		t.Errorf("final stock = %d, want 0", got.Stock)
	}

	// Transaction identifiers must be dense and unique.
	sales, err := s.ListSales(ctx, 0)
	if err != nil {
		t.Fatalf("ListSales: %v", err)
	}
	seen := map[string]bool{}
	for _, sale := range sales {
		if seen[sale.TransactionID] {
			t.Errorf("duplicate transaction ID %s", sale.TransactionID)
		}
		seen[sale.TransactionID] = true
	}
	if !seen["TXN001"] || !seen["TXN010"] {
		t.Errorf("transaction IDs not dense: %v", seen)
	}
}

func TestListLowStockProducts(t *testing.T) {
	s := newTestStore(t)
	low := mustCreateProduct(t, s, "Aspirin 100mg", 300, 5)
	mustCreateProduct(t, s, "Loratadine 10mg", 550, 50)

	products, err := s.ListLowStockProducts(context.Background())
	if err != nil {
		t.Fatalf("ListLowStockProducts: %v", err)
	}
	if len(products) != 1 || products[0].ID != low.ID {
		t.Fatalf("low stock = %+v, want only %s", products, low.ID)
	}
}
