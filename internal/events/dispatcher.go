package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	aqm "github.com/appetiteclub/apt"
	aqmevents "github.com/appetiteclub/apt/events"
	"github.com/google/uuid"

	"github.com/smartdine/kitchenfeed/pkg/event"
)

// Callback handles one decoded event. Callbacks run synchronously in arrival
// order; a slow callback delays the whole pipeline, it never reorders it.
type Callback func(ctx context.Context, evt *event.OrderEvent)

// Dispatcher decodes inbound order events, validates their shape and routes
// them to the callbacks registered for each kind. Malformed payloads are
// logged and dropped; they never propagate. It also carries the outbound
// command primitive for status updates.
type Dispatcher struct {
	mu        sync.RWMutex
	callbacks map[string][]Callback
	publisher aqmevents.Publisher
	logger    aqm.Logger
}

func NewDispatcher(publisher aqmevents.Publisher, logger aqm.Logger) *Dispatcher {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Dispatcher{
		callbacks: make(map[string][]Callback),
		publisher: publisher,
		logger:    logger,
	}
}

// On registers a callback for an event kind. Registration order is delivery
// order within a kind.
func (d *Dispatcher) On(kind string, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[kind] = append(d.callbacks[kind], cb)
}

// HandleMessage implements events.HandlerFunc and is the single entry point
// for raw messages arriving on the event channel.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg []byte) error {
	var evt event.OrderEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		d.logger.Debug("dropping unparseable event", "error", err)
		return nil
	}

	if err := evt.Validate(); err != nil {
		d.logger.Debug("dropping malformed event", "kind", evt.Kind, "error", err)
		return nil
	}

	d.mu.RLock()
	cbs := make([]Callback, len(d.callbacks[evt.Kind]))
	copy(cbs, d.callbacks[evt.Kind])
	d.mu.RUnlock()

	for _, cb := range cbs {
		cb(ctx, &evt)
	}
	return nil
}

// UpdateOrderStatus sends a status transition command to the backend. The call
// is fire-and-forget: local state is never mutated here, the resulting
// order.status.changed event is the sole source of truth for whether the
// transition happened.
func (d *Dispatcher) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	cmd := event.StatusCommand{
		Op:      event.OpUpdateOrderStatus,
		OrderID: orderID.String(),
		Status:  status,
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("cannot marshal status command: %w", err)
	}

	if err := d.publisher.Publish(ctx, event.OrderCommandsTopic, data); err != nil {
		return fmt.Errorf("cannot publish status command: %w", err)
	}

	d.logger.Debug("status command sent", "order_id", orderID.String(), "status", status)
	return nil
}
