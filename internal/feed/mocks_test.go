package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/appetiteclub/apt/events"
	"github.com/google/uuid"
)

// MockOrderRepository is a test mock for OrderRepository
type MockOrderRepository struct {
	orders       map[uuid.UUID]*Order
	FindByIDFunc func(ctx context.Context, id OrderID) (*Order, error)
	ListFunc     func(ctx context.Context, filter OrderFilter) ([]Order, error)
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders: make(map[uuid.UUID]*Order),
	}
}

func (m *MockOrderRepository) FindByID(ctx context.Context, id OrderID) (*Order, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	o, exists := m.orders[id]
	if !exists {
		return nil, errors.New("order not found")
	}
	return o, nil
}

func (m *MockOrderRepository) List(ctx context.Context, filter OrderFilter) ([]Order, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	result := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if filter.RestaurantID != nil && o.RestaurantID != *filter.RestaurantID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, o.Status) {
			continue
		}
		result = append(result, *o)
	}
	return result, nil
}

// AddOrder is a helper to seed the mock repository
func (m *MockOrderRepository) AddOrder(o *Order) {
	m.orders[o.ID] = o
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// MockStreamConsumer is a test mock for events.StreamConsumer
type MockStreamConsumer struct {
	messages            []events.StreamMessage
	FetchFunc           func(ctx context.Context, maxMessages int) ([]events.StreamMessage, error)
	SubscribeStreamFunc func(ctx context.Context, handler events.HandlerFunc) error
}

func NewMockStreamConsumer() *MockStreamConsumer {
	return &MockStreamConsumer{
		messages: make([]events.StreamMessage, 0),
	}
}

func (m *MockStreamConsumer) Fetch(ctx context.Context, maxMessages int) ([]events.StreamMessage, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, maxMessages)
	}
	return m.messages, nil
}

func (m *MockStreamConsumer) SubscribeStream(ctx context.Context, handler events.HandlerFunc) error {
	if m.SubscribeStreamFunc != nil {
		return m.SubscribeStreamFunc(ctx, handler)
	}
	return nil
}

func (m *MockStreamConsumer) AddMessage(data []byte) {
	m.messages = append(m.messages, events.StreamMessage{Data: data})
}

// MockTracker records Track/Untrack calls for assertions
type MockTracker struct {
	mu        sync.Mutex
	Tracked   map[OrderID]time.Time
	Untracked []OrderID
}

func NewMockTracker() *MockTracker {
	return &MockTracker{
		Tracked: make(map[OrderID]time.Time),
	}
}

func (m *MockTracker) Track(id OrderID, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tracked[id] = createdAt
}

func (m *MockTracker) Untrack(id OrderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Untracked = append(m.Untracked, id)
	delete(m.Tracked, id)
}

// MockCommander is a test mock for StatusCommander
type MockCommander struct {
	Commands              []StatusCommandCall
	UpdateOrderStatusFunc func(ctx context.Context, orderID uuid.UUID, status string) error
}

type StatusCommandCall struct {
	OrderID uuid.UUID
	Status  string
}

func NewMockCommander() *MockCommander {
	return &MockCommander{}
}

func (m *MockCommander) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	if m.UpdateOrderStatusFunc != nil {
		return m.UpdateOrderStatusFunc(ctx, orderID, status)
	}
	m.Commands = append(m.Commands, StatusCommandCall{OrderID: orderID, Status: status})
	return nil
}
