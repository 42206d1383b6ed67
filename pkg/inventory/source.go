package inventory

import (
	"context"
	"net/url"
	"strconv"

	"github.com/Sternrassler/dinecache/pkg/origin"
)

// HTTPSource reads inventory from the system of record's HTTP API.
type HTTPSource struct {
	client *origin.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source backed by client.
func NewHTTPSource(client *origin.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

func (s *HTTPSource) LocationInventory(ctx context.Context, tenantID, locationID string) ([]Item, error) {
	var out struct {
		Data []Item `json:"data"`
	}
	path := "/restaurants/" + url.PathEscape(tenantID) + "/inventory/locations/" + url.PathEscape(locationID)
	if err := s.client.GetJSON(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (s *HTTPSource) Item(ctx context.Context, tenantID, itemID string) (Item, error) {
	var out struct {
		Data Item `json:"data"`
	}
	path := "/restaurants/" + url.PathEscape(tenantID) + "/inventory/items/" + url.PathEscape(itemID)
	if err := s.client.GetJSON(ctx, path, nil, &out); err != nil {
		return Item{}, err
	}
	return out.Data, nil
}

func (s *HTTPSource) LowStockItems(ctx context.Context, tenantID, locationID string, threshold int) ([]Item, error) {
	var out struct {
		Data []Item `json:"data"`
	}
	path := "/restaurants/" + url.PathEscape(tenantID) + "/inventory/locations/" + url.PathEscape(locationID) + "/low-stock"
	query := url.Values{"threshold": {strconv.Itoa(threshold)}}
	if err := s.client.GetJSON(ctx, path, query, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
