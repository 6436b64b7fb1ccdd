package notify

import (
	"sync"
	"time"

	aqm "github.com/appetiteclub/apt"
	"github.com/google/uuid"
)

// Kind classifies a notification and decides its tone and display duration.
type Kind string

const (
	KindNewOrder     Kind = "new_order"
	KindStatusUpdate Kind = "status_update"
	KindUrgent       Kind = "urgent"
	KindSuccess      Kind = "success"
	KindError        Kind = "error"

	displayDefault = 5 * time.Second
	displayUrgent  = 10 * time.Second
)

// OrderRef is the minimal order reference a notification carries for
// quick-action display.
type OrderRef struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number,omitempty"`
	TableNumber string `json:"table_number,omitempty"`
}

// Notification is an ephemeral user-facing alert. It has no backing store:
// created, displayed, auto-dismissed after DisplayMs, gone on reload.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Order     *OrderRef `json:"order,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Sound     bool      `json:"sound"`
	Tone      Tone      `json:"tone"`
	DisplayMs int64     `json:"display_ms"`
}

// DisplayFor returns how long a notification of the given kind stays visible.
func DisplayFor(kind Kind) time.Duration {
	if kind == KindUrgent {
		return displayUrgent
	}
	return displayDefault
}

// Notifier emits user-facing alerts to registered subscribers and plays the
// per-kind tone through the Toner. It is an explicit registry object: call
// sites get a *Notifier injected rather than reaching for ambient state.
// Identical notifications are never deduplicated; every emission is a new,
// independent entry.
type Notifier struct {
	mu           sync.RWMutex
	toner        Toner
	soundEnabled bool
	volume       float64
	subscribers  map[string]chan Notification
	logger       aqm.Logger
}

// New creates a Notifier with sound enabled at the default volume.
func New(toner Toner, logger aqm.Logger) *Notifier {
	if toner == nil {
		toner = NoopToner{}
	}
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Notifier{
		toner:        toner,
		soundEnabled: true,
		volume:       0.7,
		subscribers:  make(map[string]chan Notification),
		logger:       logger,
	}
}

// SetSoundEnabled toggles all tones. When disabled, per-notification sound
// flags are ignored.
func (n *Notifier) SetSoundEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.soundEnabled = enabled
}

func (n *Notifier) SoundEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.soundEnabled
}

// SetVolume sets the tone volume, clamped to [0, 1].
func (n *Notifier) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.volume = v
}

func (n *Notifier) Volume() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.volume
}

// Subscribe registers a consumer. Slow consumers drop notifications rather
// than block the pipeline.
func (n *Notifier) Subscribe(id string) <-chan Notification {
	ch := make(chan Notification, 100)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[id] = ch
	return ch
}

// Unsubscribe deregisters a consumer and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subscribers[id]; ok {
		delete(n.subscribers, id)
		close(ch)
	}
}

// NotifyNewOrder announces an incoming order, always with sound.
func (n *Notifier) NotifyNewOrder(order OrderRef) Notification {
	message := "Order #" + order.OrderNumber
	if order.TableNumber != "" {
		message += " (table " + order.TableNumber + ")"
	}
	return n.emit(Notification{
		Kind:    KindNewOrder,
		Title:   "New order",
		Message: message,
		Order:   &order,
		Sound:   true,
	})
}

// NotifyStatusUpdate announces a confirmed status transition, silent by default.
func (n *Notifier) NotifyStatusUpdate(order OrderRef, newStatus string) Notification {
	return n.emit(Notification{
		Kind:    KindStatusUpdate,
		Title:   "Order updated",
		Message: "Order #" + order.OrderNumber + " is now " + newStatus,
		Order:   &order,
	})
}

// NotifyUrgent raises the loudest, longest-lived alert.
func (n *Notifier) NotifyUrgent(message string, order *OrderRef) Notification {
	return n.emit(Notification{
		Kind:    KindUrgent,
		Title:   "Attention",
		Message: message,
		Order:   order,
		Sound:   true,
	})
}

// NotifySuccess shows a silent confirmation.
func (n *Notifier) NotifySuccess(message string) Notification {
	return n.emit(Notification{
		Kind:    KindSuccess,
		Title:   "Done",
		Message: message,
	})
}

// NotifyError shows a silent error toast. Command failures surface here.
func (n *Notifier) NotifyError(message string) Notification {
	return n.emit(Notification{
		Kind:    KindError,
		Title:   "Something went wrong",
		Message: message,
	})
}

func (n *Notifier) emit(notification Notification) Notification {
	notification.ID = uuid.New()
	notification.Timestamp = time.Now().UTC()
	notification.Tone = ToneFor(notification.Kind)
	notification.DisplayMs = DisplayFor(notification.Kind).Milliseconds()

	n.mu.RLock()
	soundEnabled := n.soundEnabled
	volume := n.volume
	toner := n.toner
	for id, ch := range n.subscribers {
		select {
		case ch <- notification:
		default:
			// Channel full, subscriber too slow - skip this notification
			n.logger.Info("subscriber channel full, dropping notification", "subscriber_id", id)
		}
	}
	n.mu.RUnlock()

	if notification.Sound && soundEnabled {
		n.playTone(toner, notification.Kind, volume)
	}

	return notification
}

// playTone shields the pipeline from the audio backend: errors are logged,
// panics recovered, and the notification stays visual-only.
func (n *Notifier) playTone(toner Toner, kind Kind, volume float64) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("tone playback panicked", "panic", r)
		}
	}()

	if err := toner.Play(kind, volume); err != nil {
		n.logger.Debug("tone playback failed", "kind", string(kind), "error", err)
	}
}
