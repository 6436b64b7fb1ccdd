package feed

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	aqm "github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"

	"github.com/smartdine/kitchenfeed/pkg/enums/orderstatus"
	"github.com/smartdine/kitchenfeed/pkg/event"
)

// StatusFilter selects a projection of the active set. Filtering never
// mutates the underlying set.
type StatusFilter string

const (
	FilterAll       StatusFilter = "all"
	FilterPending   StatusFilter = "pending"
	FilterPreparing StatusFilter = "preparing"
)

// ParseStatusFilter maps a query value onto a filter; empty means all.
func ParseStatusFilter(s string) (StatusFilter, bool) {
	switch StatusFilter(s) {
	case "", FilterAll:
		return FilterAll, true
	case FilterPending:
		return FilterPending, true
	case FilterPreparing:
		return FilterPreparing, true
	}
	return FilterAll, false
}

// Counts are per-status totals over the active set, recomputed on demand.
type Counts struct {
	Pending   int `json:"pending"`
	Preparing int `json:"preparing"`
	Total     int `json:"total"`
}

// Tracker is notified as orders enter and leave the active set, so elapsed
// time recomputation follows the visible queue exactly.
type Tracker interface {
	Track(id OrderID, createdAt time.Time)
	Untrack(id OrderID)
}

// OrderStateCache maintains the in-memory set of active orders (pending and
// preparing) for one restaurant, derived from a full snapshot plus live event
// deltas. Exactly one representation exists per order id; merges keep
// whichever side is newer by updated_at.
type OrderStateCache struct {
	mu     sync.RWMutex
	orders map[OrderID]*Order

	restaurantID RestaurantID

	stream  events.StreamConsumer // for event replay on startup
	repo    OrderRepository       // snapshot fallback if replay unavailable
	tracker Tracker
	logger  aqm.Logger
}

// NewOrderStateCache creates an empty cache. Warm loads the initial snapshot.
func NewOrderStateCache(restaurantID RestaurantID, stream events.StreamConsumer, repo OrderRepository, logger aqm.Logger) *OrderStateCache {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &OrderStateCache{
		orders:       make(map[OrderID]*Order),
		restaurantID: restaurantID,
		stream:       stream,
		repo:         repo,
		logger:       logger,
	}
}

// SetTracker sets the SLA tracker reference (called after initialization).
func (c *OrderStateCache) SetTracker(t Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker = t
}

// Warm loads orders using event replay from the stream, falling back to the
// order repository if the stream is unavailable.
func (c *OrderStateCache) Warm(ctx context.Context) error {
	if c.stream != nil {
		if err := c.warmFromStream(ctx); err != nil {
			c.logger.Info("stream replay failed, falling back to repository", "error", err)
		} else {
			c.sweepInactive()
			return nil
		}
	}

	if c.repo == nil {
		c.logger.Info("neither stream nor repository configured, cache remains empty")
		return nil
	}

	return c.warmFromRepo(ctx)
}

func (c *OrderStateCache) warmFromStream(ctx context.Context) error {
	c.logger.Info("warming cache from event stream")

	messages, err := c.stream.Fetch(ctx, 10000)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range messages {
		c.applyReplayedLocked(msg.Data)
	}

	c.logger.Info("cache warmed from stream", "orders", len(c.orders))
	return nil
}

func (c *OrderStateCache) warmFromRepo(ctx context.Context) error {
	c.logger.Info("warming cache from repository")

	orders, err := c.repo.List(ctx, OrderFilter{
		RestaurantID: &c.restaurantID,
		Statuses: []string{
			orderstatus.Statuses.Pending.Code(),
			orderstatus.Statuses.Preparing.Code(),
		},
	})
	if err != nil {
		c.logger.Info("failed to warm cache from repository, cache remains empty", "error", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range orders {
		c.setLocked(&orders[i])
	}

	c.logger.Info("cache warmed from repository", "count", len(orders))
	return nil
}

// applyReplayedLocked replays one stored event. Must be called with c.mu held.
func (c *OrderStateCache) applyReplayedLocked(data []byte) {
	var evt event.OrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		c.logger.Error("failed to unmarshal replayed event", "error", err)
		return
	}
	if err := evt.Validate(); err != nil {
		return
	}

	switch evt.Kind {
	case event.EventOrderCreated, event.EventOrderUpdated:
		c.applyOrderLocked(&evt)
	case event.EventOrderStatusChanged:
		c.applyStatusLocked(&evt)
	default:
		// Replay carries only order lifecycle events; ignore anything else.
	}
}

// HandleOrderCreated is the dispatcher callback for order.created events.
// An already-present id is treated as an update, never a duplicate insert.
func (c *OrderStateCache) HandleOrderCreated(ctx context.Context, evt *event.OrderEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyOrderLocked(evt)
}

// HandleOrderUpdated is the dispatcher callback for order.updated events.
func (c *OrderStateCache) HandleOrderUpdated(ctx context.Context, evt *event.OrderEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyOrderLocked(evt)
}

// HandleStatusChanged is the dispatcher callback for order.status.changed
// events, including the confirmations of commands this service sent.
func (c *OrderStateCache) HandleStatusChanged(ctx context.Context, evt *event.OrderEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyStatusLocked(evt)
}

func (c *OrderStateCache) applyOrderLocked(evt *event.OrderEvent) {
	order := OrderFromPayload(evt.Order)
	if order == nil {
		return
	}
	if evt.Status != "" {
		order.Status = evt.Status
	}
	c.setLocked(order)
}

func (c *OrderStateCache) applyStatusLocked(evt *event.OrderEvent) {
	id, err := evt.ResolveOrderID()
	if err != nil {
		return
	}

	existing := c.orders[id]
	if existing == nil {
		if !orderstatus.IsActive(evt.Status) {
			// Terminal status for an order never seen: nothing to remove.
			return
		}
		if evt.Order != nil {
			c.applyOrderLocked(evt)
			return
		}
		// Missed the create event; insert a minimal active entry so the
		// kitchen still sees it.
		now := evt.OccurredAt
		c.setLocked(&Order{
			ID:        id,
			Status:    evt.Status,
			CreatedAt: now,
			UpdatedAt: now,
		})
		return
	}

	if evt.Order != nil {
		c.applyOrderLocked(evt)
		return
	}

	updated := *existing
	updated.Status = evt.Status
	if evt.OccurredAt.After(updated.UpdatedAt) {
		updated.UpdatedAt = evt.OccurredAt
	}
	c.setLocked(&updated)
}

// Set updates or adds an order. Inactive statuses remove the entry instead.
func (c *OrderStateCache) Set(order *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(order)
}

func (c *OrderStateCache) setLocked(order *Order) {
	if order == nil {
		return
	}

	if !orderstatus.IsActive(order.Status) {
		c.removeLocked(order.ID)
		return
	}

	if existing, ok := c.orders[order.ID]; ok {
		if existing.UpdatedAt.After(order.UpdatedAt) {
			// The cached copy is newer; keep it.
			return
		}
		c.orders[order.ID] = order
		if c.tracker != nil && !existing.CreatedAt.Equal(order.CreatedAt) {
			// A minimal entry gained its real creation time.
			c.tracker.Track(order.ID, order.CreatedAt)
		}
		return
	}

	c.orders[order.ID] = order
	if c.tracker != nil {
		c.tracker.Track(order.ID, order.CreatedAt)
	}
}

// Remove deletes an order from the active set.
func (c *OrderStateCache) Remove(id OrderID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *OrderStateCache) removeLocked(id OrderID) {
	if _, ok := c.orders[id]; !ok {
		return
	}
	delete(c.orders, id)
	if c.tracker != nil {
		c.tracker.Untrack(id)
	}
}

// sweepInactive drops orders that left the active statuses during replay.
func (c *OrderStateCache) sweepInactive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for id, order := range c.orders {
		if !orderstatus.IsActive(order.Status) {
			c.removeLocked(id)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("removed inactive orders after replay", "count", removed)
	}
}

// Get retrieves an order by id, or nil when it is not in the active set.
func (c *OrderStateCache) Get(id OrderID) *Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orders[id]
}

// Snapshot materializes the queue: the active set filtered by status and
// sorted ascending by created_at (oldest first), ties broken by id.
func (c *OrderStateCache) Snapshot(filter StatusFilter) []Order {
	c.mu.RLock()
	result := make([]Order, 0, len(c.orders))
	for _, order := range c.orders {
		if filter != FilterAll && order.Status != string(filter) {
			continue
		}
		result = append(result, *order)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return strings.Compare(result[i].ID.String(), result[j].ID.String()) < 0
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result
}

// Counts recomputes per-status totals from the current active set.
func (c *OrderStateCache) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var counts Counts
	for _, order := range c.orders {
		switch order.Status {
		case orderstatus.Statuses.Pending.Code():
			counts.Pending++
		case orderstatus.Statuses.Preparing.Code():
			counts.Preparing++
		}
		counts.Total++
	}
	return counts
}

// Count returns the number of orders in the active set.
func (c *OrderStateCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}
