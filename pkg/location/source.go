package location

import (
	"context"
	"net/url"

	"github.com/Sternrassler/dinecache/pkg/origin"
)

// HTTPSource reads locations from the system of record's HTTP API.
type HTTPSource struct {
	client *origin.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates a source backed by client.
func NewHTTPSource(client *origin.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

func locationPath(tenantID, locationID string) string {
	return "/restaurants/" + url.PathEscape(tenantID) + "/locations/" + url.PathEscape(locationID)
}

func (s *HTTPSource) Location(ctx context.Context, tenantID, locationID string) (Location, error) {
	var out struct {
		Data Location `json:"data"`
	}
	if err := s.client.GetJSON(ctx, locationPath(tenantID, locationID), nil, &out); err != nil {
		return Location{}, err
	}
	return out.Data, nil
}

func (s *HTTPSource) Tables(ctx context.Context, tenantID, locationID string) ([]Table, error) {
	var out struct {
		Data []Table `json:"data"`
	}
	if err := s.client.GetJSON(ctx, locationPath(tenantID, locationID)+"/tables", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
