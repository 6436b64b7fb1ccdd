package feed

import (
	"time"

	"github.com/google/uuid"

	"github.com/smartdine/kitchenfeed/pkg/event"
)

type OrderID = uuid.UUID
type RestaurantID = uuid.UUID

// OrderItem is one line item of an order. The kitchen feed never mutates
// line items, they are display data.
type OrderItem struct {
	DishID    string  `bson:"dish_id" json:"dish_id"`
	Name      string  `bson:"name,omitempty" json:"name,omitempty"`
	Quantity  int     `bson:"quantity" json:"quantity"`
	UnitPrice float64 `bson:"unit_price" json:"unit_price"`
}

// Order is the kitchen feed's cached copy of a backend order. The backend
// owns the record; this copy reflects the newest event or fetch seen so far.
type Order struct {
	ID                  OrderID      `bson:"_id" json:"id"`
	OrderNumber         string       `bson:"order_number" json:"order_number"`
	RestaurantID        RestaurantID `bson:"restaurant_id" json:"restaurant_id"`
	Status              string       `bson:"status" json:"status"`
	TableNumber         string       `bson:"table_number,omitempty" json:"table_number,omitempty"`
	Items               []OrderItem  `bson:"items,omitempty" json:"items,omitempty"`
	SpecialInstructions string       `bson:"special_instructions,omitempty" json:"special_instructions,omitempty"`
	TotalPrice          float64      `bson:"total_price" json:"total_price"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// OrderFromPayload converts a wire payload into the cached representation.
// The payload id is validated by the dispatcher before it gets here.
func OrderFromPayload(p *event.OrderPayload) *Order {
	if p == nil {
		return nil
	}

	id, _ := uuid.Parse(p.ID)
	restaurantID, _ := uuid.Parse(p.RestaurantID)

	items := make([]OrderItem, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, OrderItem{
			DishID:    it.DishID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	return &Order{
		ID:                  id,
		OrderNumber:         p.OrderNumber,
		RestaurantID:        restaurantID,
		Status:              p.Status,
		TableNumber:         p.TableNumber,
		Items:               items,
		SpecialInstructions: p.SpecialInstructions,
		TotalPrice:          p.TotalPrice,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}
