package domain

import (
	"errors"
	"fmt"
)

// ErrEmptyCart rejects a sale with no valid lines.
var ErrEmptyCart = errors.New("cart is empty")

// ProductNotFoundError names the missing product so the caller can show a
// useful message.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InsufficientStockError carries the available and requested quantities for
// the product that could not be satisfied.
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}
