package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is the catalog projection checkout needs: current price, category
// for campaign scoping, and whether it can be sold right now.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Category  string
	Available bool
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
