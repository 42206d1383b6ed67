package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/cache"
	"github.com/Sternrassler/dinecache/pkg/logging"
)

// EventType identifies an inventory change notification.
type EventType string

const (
	EventInventoryUpdated EventType = "INVENTORY_UPDATED"
	EventQuantityChanged  EventType = "QUANTITY_CHANGED"
	EventCacheInvalidated EventType = "CACHE_INVALIDATED"
	EventBatchUpdate      EventType = "BATCH_UPDATE"
)

// Event is published on the location's channel after every cache mutation.
type Event struct {
	Type        EventType `json:"type"`
	TenantID    string    `json:"tenantId"`
	LocationID  string    `json:"locationId"`
	ItemID      string    `json:"itemId,omitempty"`
	Delta       float64   `json:"delta,omitempty"`
	ItemCount   int       `json:"itemCount,omitempty"`
	UpdateCount int       `json:"updateCount,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Channel returns the pub/sub channel for one location's events.
func Channel(tenantID, locationID string) string {
	return cache.BuildKey(Namespace, tenantID, locationID).String()
}

// Events publishes and subscribes to inventory events over Redis pub/sub.
type Events struct {
	redis   *redis.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEvents creates an event bus on client.
func NewEvents(client *redis.Client) *Events {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Events{
		redis:   client,
		timeout: 500 * time.Millisecond,
		logger:  logging.NewLogger("inventory-events"),
	}
}

// Publish sends e to its location's subscribers.
func (b *Events) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.redis.Publish(pctx, Channel(e.TenantID, e.LocationID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscription delivers one location's events until closed.
type Subscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts receiving events for a location. The subscription is
// confirmed before Subscribe returns.
func (b *Events) Subscribe(ctx context.Context, tenantID, locationID string) (*Subscription, error) {
	ps := b.redis.Subscribe(ctx, Channel(tenantID, locationID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to inventory events: %w", err)
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Ignoring malformed inventory event")
				continue
			}
			select {
			case sub.events <- e:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
