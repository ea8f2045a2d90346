package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/inventory"
	"apotekpos/backend/internal/seq"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `
	p.id, p.name, p.category, COALESCE(p.supplier_id, ''), p.price_cents, p.stock, p.min_stock_level,
	(SELECT MIN(b.expiry_date) FROM product_batches b WHERE b.product_id = p.id AND b.stock > 0)
`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	var nearest sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.SupplierID, &p.PriceCents, &p.Stock, &p.MinStockLevel, &nearest); err != nil {
		return nil, err
	}
	if nearest.Valid {
		e := nearest.Time.UTC()
		p.NearestExpiry = &e
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		ORDER BY p.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		WHERE p.id = $1
	`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

// CreateProduct assigns the next product identifier inside a serializable
// transaction so two concurrent creates cannot observe the same maximum. A
// unique-key race that slips past isolation surfaces as ErrIdentifierCollision
// and the caller retries.
func (s *Store) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if req.Name == "" || req.PriceCents < 0 || req.InitialStock < 0 || req.MinStockLevel < 0 {
		return nil, store.ErrInvalidRecord
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if req.SupplierID != "" {
		var exists bool
		if err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1)`, req.SupplierID).Scan(&exists); err != nil {
			return nil, translateTxErr(err)
		}
		if !exists {
			return nil, store.ErrNotFound
		}
	}

	ids, err := identifiersWithPrefix(ctx, pgTx, "products", "id", domain.SeriesProduct)
	if err != nil {
		return nil, translateTxErr(err)
	}
	product := domain.Product{
		ID:            seq.Next(ids, domain.SeriesProduct),
		Name:          req.Name,
		Category:      req.Category,
		SupplierID:    req.SupplierID,
		PriceCents:    req.PriceCents,
		Stock:         req.InitialStock,
		MinStockLevel: req.MinStockLevel,
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (id, name, category, supplier_id, price_cents, stock, min_stock_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Name, product.Category, nullIfEmpty(product.SupplierID),
		product.PriceCents, product.Stock, product.MinStockLevel)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if req.Name != nil && *req.Name == "" {
		return nil, store.ErrInvalidRecord
	}
	if req.PriceCents != nil && *req.PriceCents < 0 {
		return nil, store.ErrInvalidRecord
	}
	if req.MinStockLevel != nil && *req.MinStockLevel < 0 {
		return nil, store.ErrInvalidRecord
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = COALESCE($1, name),
		    category = COALESCE($2, category),
		    price_cents = COALESCE($3, price_cents),
		    min_stock_level = COALESCE($4, min_stock_level),
		    updated_at = now()
		WHERE id = $5
	`, req.Name, req.Category, req.PriceCents, req.MinStockLevel, id)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProductByID(ctx, id)
}

func (s *Store) ListLowStockProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		WHERE p.stock <= p.min_stock_level
		ORDER BY p.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 8)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_number, product_id, stock, price_cents, expiry_date, COALESCE(supplier_id, ''), received_at
		FROM product_batches
		WHERE product_id = $1
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, batch_number ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 8)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (s *Store) ReceiveBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.BatchNumber == "" || batch.Stock < 1 || batch.PriceCents < 0 {
		return nil, store.ErrInvalidRecord
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	result, err := pgTx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $1, updated_at = now() WHERE id = $2
	`, batch.Stock, batch.ProductID)
	if err != nil {
		return nil, translateTxErr(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO product_batches (batch_number, product_id, stock, price_cents, expiry_date, supplier_id, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, batch.BatchNumber, batch.ProductID, batch.Stock, batch.PriceCents,
		nullDate(batch.ExpiryDate), nullIfEmpty(batch.SupplierID), batch.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRecord
		}
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &batch, nil
}

func (s *Store) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (*domain.Supplier, error) {
	if req.Name == "" {
		return nil, store.ErrInvalidRecord
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids, err := identifiersWithPrefix(ctx, pgTx, "suppliers", "id", domain.SeriesSupplier)
	if err != nil {
		return nil, translateTxErr(err)
	}
	supplier := domain.Supplier{
		ID:        seq.Next(ids, domain.SeriesSupplier),
		Name:      req.Name,
		Phone:     req.Phone,
		CreatedAt: time.Now().UTC(),
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.CreatedAt)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), created_at
		FROM suppliers
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 8)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

// CreateSale is the all-or-nothing commit path. It locks the product rows and
// their batch rows, prices and plans every line against the locked state,
// applies the deductions and inserts the sale with its items in one
// serializable transaction. Serialization failures surface as ErrTxConflict
// and identifier races as ErrIdentifierCollision; both are retryable.
func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Lines) == 0 {
		return nil, store.ErrInvalidRecord
	}
	productIDs := make([]string, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidRecord
		}
		productIDs = append(productIDs, line.ProductID)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id ASC
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, translateTxErr(err)
	}
	productMap := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, translateTxErr(err)
	}
	_ = productRows.Close()

	sale := &domain.Sale{
		CreatedAt: time.Now().UTC(),
		PostedBy:  draft.PostedBy,
		Items:     make([]domain.SaleItem, 0, len(draft.Lines)),
	}
	for _, line := range draft.Lines {
		product, exists := productMap[line.ProductID]
		if !exists {
			return nil, &domain.ProductNotFoundError{ProductID: line.ProductID}
		}

		batches, err := lockBatches(ctx, pgTx, line.ProductID)
		if err != nil {
			return nil, translateTxErr(err)
		}
		plan, err := inventory.Plan(product, batches, line.Qty)
		if err != nil {
			return nil, err
		}
		for _, d := range plan {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE product_batches
				SET stock = stock - $1, updated_at = now()
				WHERE product_id = $2 AND batch_number = $3
			`, d.Qty, line.ProductID, d.BatchNumber)
			if err != nil {
				return nil, translateTxErr(err)
			}
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1, updated_at = now() WHERE id = $2
		`, line.Qty, line.ProductID)
		if err != nil {
			return nil, translateTxErr(err)
		}

		item := domain.SaleItem{
			ProductID:      product.ID,
			ProductName:    product.Name,
			UnitPriceCents: product.PriceCents,
			Qty:            line.Qty,
			SubtotalCents:  int64(line.Qty) * product.PriceCents,
		}
		sale.Items = append(sale.Items, item)
		sale.TotalCents += item.SubtotalCents
		sale.TotalItems += item.Qty
	}

	txnIDs, err := identifiersWithPrefix(ctx, pgTx, "sales", "transaction_id", domain.SeriesTransaction)
	if err != nil {
		return nil, translateTxErr(err)
	}
	sale.TransactionID = seq.Next(txnIDs, domain.SeriesTransaction)

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (transaction_id, total_cents, total_items, posted_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sale.TransactionID, sale.TotalCents, sale.TotalItems, sale.PostedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrIdentifierCollision
		}
		return nil, translateTxErr(err)
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (transaction_id, product_id, product_name, unit_price_cents, qty, subtotal_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.TransactionID, item.ProductID, item.ProductName, item.UnitPriceCents, item.Qty, item.SubtotalCents)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrIdentifierCollision
		}
		return nil, translateTxErr(err)
	}
	return sale, nil
}

func (s *Store) GetSaleByTransactionID(ctx context.Context, transactionID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, total_cents, total_items, posted_by, created_at
		FROM sales
		WHERE transaction_id = $1
	`, transactionID).Scan(&sale.TransactionID, &sale.TotalCents, &sale.TotalItems, &sale.PostedBy, &sale.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := s.saleItems(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, total_cents, total_items, posted_by, created_at
		FROM sales
		ORDER BY created_at DESC, transaction_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.TransactionID, &sale.TotalCents, &sale.TotalItems, &sale.PostedBy, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.saleItems(ctx, sales[i].TransactionID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, transactionID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, unit_price_cents, qty, subtotal_cents
		FROM sale_items
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.UnitPriceCents, &item.Qty, &item.SubtotalCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, COALESCE(entity_id, ''), COALESCE(detail, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRecord
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidRecord
	}
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// identifiersWithPrefix reads every identifier in the series inside the
// caller's transaction, so seq.Next computes the maximum against the same
// snapshot the insert will run in.
func identifiersWithPrefix(ctx context.Context, pgTx *sql.Tx, table string, column string, prefix string) ([]string, error) {
	rows, err := pgTx.QueryContext(ctx, `SELECT `+column+` FROM `+table+` WHERE `+column+` LIKE $1`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func lockBatches(ctx context.Context, pgTx *sql.Tx, productID string) ([]domain.Batch, error) {
	rows, err := pgTx.QueryContext(ctx, `
		SELECT batch_number, product_id, stock, price_cents, expiry_date, COALESCE(supplier_id, ''), received_at
		FROM product_batches
		WHERE product_id = $1 AND stock > 0
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, batch_number ASC
		FOR UPDATE
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 8)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(row interface{ Scan(...any) error }) (*domain.Batch, error) {
	var b domain.Batch
	var expiry sql.NullTime
	if err := row.Scan(&b.BatchNumber, &b.ProductID, &b.Stock, &b.PriceCents, &expiry, &b.SupplierID, &b.ReceivedAt); err != nil {
		return nil, err
	}
	if expiry.Valid {
		e := expiry.Time.UTC()
		b.ExpiryDate = &e
	}
	return &b, nil
}

func translateTxErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return store.ErrTxConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return time.Date(val.UTC().Year(), val.UTC().Month(), val.UTC().Day(), 0, 0, 0, 0, time.UTC)
}
