package feed

import "context"

// OrderFilter narrows a snapshot query against the order-listing collaborator.
type OrderFilter struct {
	RestaurantID *RestaurantID
	Statuses     []string
	Limit        int
	Offset       int
}

// OrderRepository is the read-only order-listing collaborator used to warm the
// cache. The kitchen feed never writes orders.
type OrderRepository interface {
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	FindByID(ctx context.Context, id OrderID) (*Order, error)
}
