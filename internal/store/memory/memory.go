package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/inventory"
	"apotekpos/backend/internal/seq"
	"apotekpos/backend/internal/store"
)

// Store keeps all state behind a single RWMutex. Every write path takes the
// write lock for its whole read-check-write sequence, so identifier scans and
// stock checks observe committed state only and CreateSale is atomic.
type Store struct {
	mu               sync.RWMutex
	productsByID     map[string]domain.Product
	batchesByProduct map[string][]domain.Batch
	suppliersByID    map[string]domain.Supplier
	salesByTxnID     map[string]*domain.Sale
	saleOrder        []string
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		productsByID:     make(map[string]domain.Product),
		batchesByProduct: make(map[string][]domain.Batch),
		suppliersByID:    make(map[string]domain.Supplier),
		salesByTxnID:     make(map[string]*domain.Sale),
		saleOrder:        make([]string, 0, 64),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a small drugstore catalog, two
// suppliers and batches for the fast movers. Used by dev mode and tests.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	suppliers := []domain.Supplier{
		{ID: "SUP001", Name: "Northside Pharma Distribution", Phone: "+1-555-0142", CreatedAt: now},
		{ID: "SUP002", Name: "Lakeland Medical Supply", Phone: "+1-555-0177", CreatedAt: now},
	}
	for _, sup := range suppliers {
		s.suppliersByID[sup.ID] = sup
	}

	products := []domain.Product{
		{ID: "MED001", Name: "Paracetamol 500mg", Category: "analgesic", SupplierID: "SUP001", PriceCents: 450, MinStockLevel: 30},
		{ID: "MED002", Name: "Ibuprofen 200mg", Category: "analgesic", SupplierID: "SUP001", PriceCents: 620, MinStockLevel: 25},
		{ID: "MED003", Name: "Amoxicillin 250mg", Category: "antibiotic", SupplierID: "SUP002", PriceCents: 1280, MinStockLevel: 15},
		{ID: "MED004", Name: "Cetirizine 10mg", Category: "antihistamine", SupplierID: "SUP001", PriceCents: 540, MinStockLevel: 20},
		{ID: "MED005", Name: "Omeprazole 20mg", Category: "antacid", SupplierID: "SUP002", PriceCents: 980, MinStockLevel: 15},
		{ID: "MED006", Name: "Vitamin C 500mg", Category: "supplement", SupplierID: "SUP002", PriceCents: 760, MinStockLevel: 40},
		{ID: "MED007", Name: "Cough Syrup 100ml", Category: "respiratory", SupplierID: "SUP001", PriceCents: 1150, MinStockLevel: 10},
		{ID: "MED008", Name: "Adhesive Bandages 20pk", Category: "first-aid", SupplierID: "SUP002", PriceCents: 390, MinStockLevel: 25},
	}
	for _, p := range products {
		s.productsByID[p.ID] = p
	}

	type seedBatch struct {
		productID   string
		batchNumber string
		qty         int
		expiry      string
	}
	batches := []seedBatch{
		{"MED001", "PCM-2601", 80, "2027-02-28"},
		{"MED001", "PCM-2602", 60, "2027-06-30"},
		{"MED002", "IBU-2601", 70, "2027-04-30"},
		{"MED003", "AMX-2601", 40, "2026-12-31"},
		{"MED004", "CTZ-2601", 50, "2027-03-31"},
		{"MED005", "OMP-2601", 45, "2027-01-31"},
		{"MED006", "VTC-2601", 120, "2027-08-31"},
		{"MED007", "CSY-2601", 30, "2026-11-30"},
		{"MED008", "BND-2601", 90, ""},
	}
	for _, b := range batches {
		var expiry *time.Time
		if b.expiry != "" {
			parsed, err := time.Parse("2006-01-02", b.expiry)
			if err != nil {
				log.Fatalf("[memory-store] bad seed expiry for %s: %v", b.batchNumber, err)
			}
			expiry = &parsed
		}
		product := s.productsByID[b.productID]
		s.batchesByProduct[b.productID] = append(s.batchesByProduct[b.productID], domain.Batch{
			BatchNumber: b.batchNumber,
			ProductID:   b.productID,
			Stock:       b.qty,
			PriceCents:  product.PriceCents,
			ExpiryDate:  expiry,
			SupplierID:  product.SupplierID,
			ReceivedAt:  now,
		})
		product.Stock += b.qty
		s.productsByID[b.productID] = product
	}
	for id := range s.productsByID {
		s.refreshNearestExpiryLocked(id)
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneProduct(p)
	return &clone, nil
}

func (s *Store) CreateProduct(_ context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Name == "" || req.PriceCents < 0 || req.InitialStock < 0 || req.MinStockLevel < 0 {
		return nil, store.ErrInvalidRecord
	}
	if req.SupplierID != "" {
		if _, ok := s.suppliersByID[req.SupplierID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	product := domain.Product{
		ID:            seq.Next(s.productIdentifiersLocked(), domain.SeriesProduct),
		Name:          req.Name,
		Category:      req.Category,
		SupplierID:    req.SupplierID,
		PriceCents:    req.PriceCents,
		Stock:         req.InitialStock,
		MinStockLevel: req.MinStockLevel,
	}
	s.productsByID[product.ID] = product
	clone := cloneProduct(product)
	return &clone, nil
}

func (s *Store) UpdateProduct(_ context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, store.ErrInvalidRecord
		}
		product.Name = *req.Name
	}
	if req.Category != nil {
		product.Category = *req.Category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return nil, store.ErrInvalidRecord
		}
		product.PriceCents = *req.PriceCents
	}
	if req.MinStockLevel != nil {
		if *req.MinStockLevel < 0 {
			return nil, store.ErrInvalidRecord
		}
		product.MinStockLevel = *req.MinStockLevel
	}
	s.productsByID[id] = product
	clone := cloneProduct(product)
	return &clone, nil
}

func (s *Store) ListLowStockProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0)
	for _, p := range s.productsByID {
		if p.IsLowStock() {
			products = append(products, cloneProduct(p))
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) ListBatches(_ context.Context, productID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.productsByID[productID]; !ok {
		return nil, store.ErrNotFound
	}
	batches := cloneBatches(s.batchesByProduct[productID])
	inventory.SortFEFO(batches)
	return batches, nil
}

func (s *Store) ReceiveBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.BatchNumber == "" || batch.Stock < 1 || batch.PriceCents < 0 {
		return nil, store.ErrInvalidRecord
	}
	product, ok := s.productsByID[batch.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.batchesByProduct[batch.ProductID] {
		if existing.BatchNumber == batch.BatchNumber {
			return nil, store.ErrInvalidRecord
		}
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	s.batchesByProduct[batch.ProductID] = append(s.batchesByProduct[batch.ProductID], batch)
	product.Stock += batch.Stock
	s.productsByID[batch.ProductID] = product
	s.refreshNearestExpiryLocked(batch.ProductID)

	clone := cloneBatch(batch)
	return &clone, nil
}

func (s *Store) CreateSupplier(_ context.Context, req domain.SupplierCreateRequest) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Name == "" {
		return nil, store.ErrInvalidRecord
	}
	supplier := domain.Supplier{
		ID:        seq.Next(s.supplierIdentifiersLocked(), domain.SeriesSupplier),
		Name:      req.Name,
		Phone:     req.Phone,
		CreatedAt: time.Now().UTC(),
	}
	s.suppliersByID[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, sup := range s.suppliersByID {
		suppliers = append(suppliers, sup)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return strings.Compare(a.ID, b.ID)
	})
	return suppliers, nil
}

// CreateSale validates and prices every line, plans the stock deductions and
// only then mutates anything. The whole sequence runs under the write lock,
// so a concurrent sale for the same product observes the already-deducted
// stock and either fits in what remains or fails in full.
func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(draft.Lines) == 0 {
		return nil, store.ErrInvalidRecord
	}

	type plannedLine struct {
		item domain.SaleItem
		plan []inventory.Deduction
	}
	planned := make([]plannedLine, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidRecord
		}
		product, ok := s.productsByID[line.ProductID]
		if !ok {
			return nil, &domain.ProductNotFoundError{ProductID: line.ProductID}
		}
		plan, err := inventory.Plan(product, s.batchesByProduct[line.ProductID], line.Qty)
		if err != nil {
			return nil, err
		}
		planned = append(planned, plannedLine{
			item: domain.SaleItem{
				ProductID:      product.ID,
				ProductName:    product.Name,
				UnitPriceCents: product.PriceCents,
				Qty:            line.Qty,
				SubtotalCents:  int64(line.Qty) * product.PriceCents,
			},
			plan: plan,
		})
	}

	sale := &domain.Sale{
		TransactionID: seq.Next(s.transactionIdentifiersLocked(), domain.SeriesTransaction),
		CreatedAt:     time.Now().UTC(),
		PostedBy:      draft.PostedBy,
		Items:         make([]domain.SaleItem, 0, len(planned)),
	}
	for _, pl := range planned {
		product := s.productsByID[pl.item.ProductID]
		product.Stock -= pl.item.Qty
		s.productsByID[pl.item.ProductID] = product

		batches := s.batchesByProduct[pl.item.ProductID]
		for _, d := range pl.plan {
			for i := range batches {
				if batches[i].BatchNumber == d.BatchNumber {
					batches[i].Stock -= d.Qty
					break
				}
			}
		}
		s.batchesByProduct[pl.item.ProductID] = batches
		s.refreshNearestExpiryLocked(pl.item.ProductID)

		sale.Items = append(sale.Items, pl.item)
		sale.TotalCents += pl.item.SubtotalCents
		sale.TotalItems += pl.item.Qty
	}

	s.salesByTxnID[sale.TransactionID] = sale
	s.saleOrder = append(s.saleOrder, sale.TransactionID)
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByTransactionID(_ context.Context, transactionID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByTxnID[transactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 || limit > len(s.saleOrder) {
		limit = len(s.saleOrder)
	}
	sales := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(sales) < limit; i-- {
		sales = append(sales, *cloneSale(s.salesByTxnID[s.saleOrder[i]]))
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 || limit > len(s.auditLogs) {
		limit = len(s.auditLogs)
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		logs = append(logs, s.auditLogs[i])
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) productIdentifiersLocked() []string {
	ids := make([]string, 0, len(s.productsByID))
	for id := range s.productsByID {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) supplierIdentifiersLocked() []string {
	ids := make([]string, 0, len(s.suppliersByID))
	for id := range s.suppliersByID {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) transactionIdentifiersLocked() []string {
	ids := make([]string, 0, len(s.salesByTxnID))
	for id := range s.salesByTxnID {
		ids = append(ids, id)
	}
	return ids
}

// refreshNearestExpiryLocked recomputes the product's nearest expiry from
// batches that still hold stock. Caller holds the write lock.
func (s *Store) refreshNearestExpiryLocked(productID string) {
	product, ok := s.productsByID[productID]
	if !ok {
		return
	}
	var nearest *time.Time
	for _, b := range s.batchesByProduct[productID] {
		if b.Stock < 1 || b.ExpiryDate == nil {
			continue
		}
		if nearest == nil || b.ExpiryDate.Before(*nearest) {
			d := *b.ExpiryDate
			nearest = &d
		}
	}
	product.NearestExpiry = nearest
	s.productsByID[productID] = product
}

func cloneProduct(p domain.Product) domain.Product {
	if p.NearestExpiry != nil {
		d := *p.NearestExpiry
		p.NearestExpiry = &d
	}
	return p
}

func cloneBatch(b domain.Batch) domain.Batch {
	if b.ExpiryDate != nil {
		d := *b.ExpiryDate
		b.ExpiryDate = &d
	}
	return b
}

func cloneBatches(batches []domain.Batch) []domain.Batch {
	out := make([]domain.Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, cloneBatch(b))
	}
	return out
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	clone := *sale
	clone.Items = make([]domain.SaleItem, len(sale.Items))
	copy(clone.Items, sale.Items)
	return &clone
}
