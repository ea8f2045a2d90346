package domain

import "time"

// Identifier series prefixes. Each series is an incrementing zero-padded
// numeric suffix behind a fixed prefix, e.g. MED004, TXN013.
const (
	SeriesProduct     = "MED"
	SeriesSupplier    = "SUP"
	SeriesTransaction = "TXN"
)

// Product is a catalog item. Stock is the aggregate on-hand quantity; when
// batches exist for the product it is a cache kept in sync with the sum of
// batch stocks by the store.
type Product struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	SupplierID    string     `json:"supplier_id,omitempty"`
	PriceCents    int64      `json:"price_cents"`
	Stock         int        `json:"stock"`
	MinStockLevel int        `json:"min_stock_level"`
	NearestExpiry *time.Time `json:"nearest_expiry,omitempty"`
}

func (p Product) IsLowStock() bool {
	return p.Stock <= p.MinStockLevel
}

type ProductCreateRequest struct {
	Name          string `json:"name"`
	Category      string `json:"category"`
	SupplierID    string `json:"supplier_id,omitempty"`
	PriceCents    int64  `json:"price_cents"`
	MinStockLevel int    `json:"min_stock_level"`
	InitialStock  int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	Category      *string `json:"category,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	MinStockLevel *int    `json:"min_stock_level,omitempty"`
}

// Batch is a received lot of a product. A batch belongs to exactly one
// product and is only ever mutated as part of an operation on that product.
type Batch struct {
	BatchNumber string     `json:"batch_number"`
	ProductID   string     `json:"product_id"`
	Stock       int        `json:"stock"`
	PriceCents  int64      `json:"price_cents"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	SupplierID  string     `json:"supplier_id,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
}

type BatchReceiveRequest struct {
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number"`
	Qty         int    `json:"qty"`
	PriceCents  int64  `json:"price_cents"`
	ExpiryDate  string `json:"expiry_date,omitempty"`
	SupplierID  string `json:"supplier_id,omitempty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CartLine is one requested line of a sale: a product and a quantity.
type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type SaleRequest struct {
	Items []CartLine `json:"items"`
}

// Sale is immutable once posted. It owns its items: they are created with the
// sale in one durable commit and never outlive or change after it.
type Sale struct {
	TransactionID string     `json:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at"`
	TotalCents    int64      `json:"total_cents"`
	TotalItems    int        `json:"total_items"`
	PostedBy      string     `json:"posted_by"`
	Items         []SaleItem `json:"items"`
}

// SaleItem snapshots product identity, name and unit price at time of sale.
// The values are copied, not referenced: later catalog edits do not alter
// posted sales.
type SaleItem struct {
	ProductID      string `json:"product_id"`
	ProductName    string `json:"product_name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

// SaleDraft is the input to the store's atomic sale commit. The store
// re-reads product state, allocates stock, assigns the transaction identifier
// and computes totals; nothing in the draft is trusted beyond the requested
// lines and the posting identity.
type SaleDraft struct {
	Lines    []CartLine
	PostedBy string
}

type SaleResponse struct {
	TransactionID string     `json:"transaction_id"`
	TotalCents    int64      `json:"total_cents"`
	TotalItems    int        `json:"total_items"`
	Items         []SaleItem `json:"items"`
	PostedBy      string     `json:"posted_by"`
	CreatedAt     string     `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
