package inventory

import (
	"context"
	"time"
)

// Item is a stock item at one location.
type Item struct {
	ID           string    `json:"id"`
	LocationID   string    `json:"locationId"`
	Name         string    `json:"name"`
	Unit         string    `json:"unit,omitempty"`
	Quantity     float64   `json:"quantity"`
	ReorderLevel float64   `json:"reorderLevel,omitempty"`
	Batches      []Batch   `json:"batches,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Batch is a received lot of an item, consumed earliest expiry first.
type Batch struct {
	ID                string    `json:"id"`
	QuantityRemaining float64   `json:"quantityRemaining"`
	ExpiryDate        time.Time `json:"expiryDate,omitempty"`
}

// Update is one quantity change applied by a mutation path.
type Update struct {
	ItemID     string  `json:"itemId"`
	LocationID string  `json:"locationId"`
	Delta      float64 `json:"delta"`
}

// Source is the system of record for inventory. Reads must be idempotent
// and free of side effects.
type Source interface {
	// LocationInventory returns every item stocked at a location, with its
	// non-empty batches ordered by expiry.
	LocationInventory(ctx context.Context, tenantID, locationID string) ([]Item, error)

	// Item returns one item.
	Item(ctx context.Context, tenantID, itemID string) (Item, error)

	// LowStockItems returns items at a location with a batch at or below
	// threshold.
	LowStockItems(ctx context.Context, tenantID, locationID string, threshold int) ([]Item, error)
}
