package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// OrderCommandsTopic is the outbound command channel. Command results are
	// never returned directly; they surface as later events on the event channel.
	OrderCommandsTopic = "orders.commands"

	EventOrderCreated        = "order.created"
	EventOrderUpdated        = "order.updated"
	EventOrderStatusChanged  = "order.status.changed"
	EventKitchenNotification = "kitchen.notification"

	OpUpdateOrderStatus = "update_order_status"
)

// OrderEventsTopic returns the per-restaurant event channel subject.
func OrderEventsTopic(restaurantID string) string {
	return "orders.events." + restaurantID
}

// OrderItemPayload is one line item of an order as carried on the wire.
// The kitchen pipeline never mutates line items.
type OrderItemPayload struct {
	DishID    string  `json:"dish_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// OrderPayload is the order representation carried on order lifecycle events.
type OrderPayload struct {
	ID                  string             `json:"id"`
	OrderNumber         string             `json:"order_number"`
	RestaurantID        string             `json:"restaurant_id"`
	Status              string             `json:"status"`
	TableNumber         string             `json:"table_number,omitempty"`
	Items               []OrderItemPayload `json:"items,omitempty"`
	SpecialInstructions string             `json:"special_instructions,omitempty"`
	TotalPrice          float64            `json:"total_price"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// OrderEvent is the envelope for everything arriving on the event channel.
type OrderEvent struct {
	Kind       string        `json:"kind"`
	OccurredAt time.Time     `json:"occurred_at"`
	Order      *OrderPayload `json:"order,omitempty"`
	OrderID    string        `json:"order_id,omitempty"`
	Status     string        `json:"status,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// StatusCommand requests a status transition on the command channel.
type StatusCommand struct {
	Op      string `json:"op"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// KnownKind reports whether the event kind is part of the contract.
func KnownKind(kind string) bool {
	switch kind {
	case EventOrderCreated, EventOrderUpdated, EventOrderStatusChanged, EventKitchenNotification:
		return true
	}
	return false
}

// Validate checks the envelope shape for the given kind. Events failing
// validation are dropped by the dispatcher, never propagated.
func (e *OrderEvent) Validate() error {
	if !KnownKind(e.Kind) {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	switch e.Kind {
	case EventOrderCreated, EventOrderUpdated:
		if e.Order == nil {
			return fmt.Errorf("%s event without order payload", e.Kind)
		}
		if _, err := uuid.Parse(e.Order.ID); err != nil {
			return fmt.Errorf("%s event with invalid order id %q", e.Kind, e.Order.ID)
		}
	case EventOrderStatusChanged:
		id := e.OrderID
		if id == "" && e.Order != nil {
			id = e.Order.ID
		}
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%s event with invalid order id %q", e.Kind, id)
		}
		if e.Status == "" {
			return fmt.Errorf("%s event without status", e.Kind)
		}
	case EventKitchenNotification:
		if e.Message == "" {
			return fmt.Errorf("%s event without message", e.Kind)
		}
	}

	return nil
}

// ResolveOrderID returns the order id the event refers to, preferring the
// explicit order_id field over the embedded payload.
func (e *OrderEvent) ResolveOrderID() (uuid.UUID, error) {
	if e.OrderID != "" {
		return uuid.Parse(e.OrderID)
	}
	if e.Order != nil {
		return uuid.Parse(e.Order.ID)
	}
	return uuid.Nil, fmt.Errorf("event %s carries no order reference", e.Kind)
}
