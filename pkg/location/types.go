package location

import (
	"context"
	"time"
)

// Location is one restaurant site.
type Location struct {
	ID           string    `json:"id"`
	RestaurantID string    `json:"restaurantId"`
	Name         string    `json:"name"`
	Address      string    `json:"address,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	OpeningTime  string    `json:"openingTime,omitempty"`
	ClosingTime  string    `json:"closingTime,omitempty"`
	IsActive     bool      `json:"isActive"`
	Restaurant   *Summary  `json:"restaurant,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summary is the restaurant a location belongs to.
type Summary struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Table is a seating table at a location.
type Table struct {
	ID         string `json:"id"`
	LocationID string `json:"locationId"`
	Number     int    `json:"number"`
	Capacity   int    `json:"capacity,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Source is the system of record for locations.
type Source interface {
	Location(ctx context.Context, tenantID, locationID string) (Location, error)

	// Tables returns a location's tables ordered by number.
	Tables(ctx context.Context, tenantID, locationID string) ([]Table, error)
}
