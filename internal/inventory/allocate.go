// Package inventory decides how a requested quantity is satisfied from a
// product's batches, in first-expiring-first-out order. Planning is pure: a
// plan is computed against a snapshot of product and batch state and applied
// by the store as part of its atomic commit, so a failed line never leaves a
// partial deduction behind.
package inventory

import (
	"slices"

	"apotekpos/backend/internal/domain"
)

// Deduction is one planned stock decrement against a batch.
type Deduction struct {
	BatchNumber string
	Qty         int
}

// Plan computes the per-batch deductions for requested units of product.
//
// With no batches the product's aggregate stock field is authoritative and
// the returned plan is empty (the store decrements only the aggregate).
// With batches, eligible batches (stock > 0) are walked in FEFO order and
// drained until the request is exhausted. A shortfall fails the whole plan
// with InsufficientStockError; no partial plan is ever returned.
func Plan(product domain.Product, batches []domain.Batch, requested int) ([]Deduction, error) {
	if len(batches) == 0 {
		if product.Stock < requested {
			return nil, &domain.InsufficientStockError{
				ProductID: product.ID,
				Available: product.Stock,
				Requested: requested,
			}
		}
		return []Deduction{}, nil
	}

	eligible := make([]domain.Batch, 0, len(batches))
	available := 0
	for _, batch := range batches {
		if batch.Stock < 1 {
			continue
		}
		eligible = append(eligible, batch)
		available += batch.Stock
	}
	if available < requested {
		return nil, &domain.InsufficientStockError{
			ProductID: product.ID,
			Available: available,
			Requested: requested,
		}
	}

	SortFEFO(eligible)

	plan := make([]Deduction, 0, len(eligible))
	remaining := requested
	for _, batch := range eligible {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > batch.Stock {
			take = batch.Stock
		}
		plan = append(plan, Deduction{BatchNumber: batch.BatchNumber, Qty: take})
		remaining -= take
	}
	return plan, nil
}

// SortFEFO orders batches by expiry date ascending with nil expiry sorting
// last, ties broken by received date then batch number.
func SortFEFO(batches []domain.Batch) {
	slices.SortFunc(batches, compareFEFO)
}

func compareFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if a.ExpiryDate.Before(*b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(*b.ExpiryDate) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return cmpString(a.BatchNumber, b.BatchNumber)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
