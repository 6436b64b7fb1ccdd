package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	aqm "github.com/appetiteclub/apt"
)

// Severity buckets elapsed preparation time for SLA display. Thresholds are
// fixed and independent of order status.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"

	warningAfter  = 10 * time.Minute
	criticalAfter = 20 * time.Minute
)

// SeverityFor buckets an elapsed duration.
func SeverityFor(elapsed time.Duration) Severity {
	switch {
	case elapsed >= criticalAfter:
		return SeverityCritical
	case elapsed >= warningAfter:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// FormatElapsed renders a duration as M:SS, or H:MM:SS from one hour up.
// Negative durations clamp to zero.
func FormatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}

	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// Reading is one order's SLA state at a tick.
type Reading struct {
	OrderID  OrderID  `json:"order_id"`
	Seconds  int64    `json:"seconds"`
	Elapsed  string   `json:"elapsed"`
	Severity Severity `json:"severity"`
}

// SLAClock recomputes elapsed time for every tracked order on a single shared
// one-second schedule, instead of one timer per order. It is purely a function
// of creation time and wall clock; it holds no other order state.
type SLAClock struct {
	mu        sync.RWMutex
	createdAt map[OrderID]time.Time

	now      func() time.Time
	interval time.Duration
	onTick   func([]Reading)

	cancel context.CancelFunc
	done   chan struct{}

	logger aqm.Logger
}

// NewSLAClock creates a stopped clock. onTick, when non-nil, receives the full
// set of readings once per tick, oldest order first.
func NewSLAClock(onTick func([]Reading), logger aqm.Logger) *SLAClock {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &SLAClock{
		createdAt: make(map[OrderID]time.Time),
		now:       time.Now,
		interval:  time.Second,
		onTick:    onTick,
		logger:    logger,
	}
}

// Track starts recomputing elapsed time for an order. Tracking the same id
// again replaces its creation time.
func (c *SLAClock) Track(id OrderID, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createdAt[id] = createdAt
}

// Untrack stops recomputation for an order that left the visible queue.
func (c *SLAClock) Untrack(id OrderID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.createdAt, id)
}

// Reading computes the current reading for one order.
func (c *SLAClock) Reading(id OrderID) (Reading, bool) {
	c.mu.RLock()
	createdAt, ok := c.createdAt[id]
	now := c.now()
	c.mu.RUnlock()

	if !ok {
		return Reading{}, false
	}
	return readingFor(id, createdAt, now), true
}

// Readings computes readings for all tracked orders, oldest first.
func (c *SLAClock) Readings() []Reading {
	c.mu.RLock()
	now := c.now()
	result := make([]Reading, 0, len(c.createdAt))
	for id, createdAt := range c.createdAt {
		result = append(result, readingFor(id, createdAt, now))
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Seconds == result[j].Seconds {
			return result[i].OrderID.String() < result[j].OrderID.String()
		}
		return result[i].Seconds > result[j].Seconds
	})
	return result
}

// Start begins the shared tick loop. Stop or context cancellation ends it.
func (c *SLAClock) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	interval := c.interval
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick()
			}
		}
	}()

	return nil
}

// Stop cancels the tick loop and waits for it to exit.
func (c *SLAClock) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *SLAClock) tick() {
	c.mu.RLock()
	onTick := c.onTick
	tracked := len(c.createdAt)
	c.mu.RUnlock()

	if onTick == nil || tracked == 0 {
		return
	}
	onTick(c.Readings())
}

func readingFor(id OrderID, createdAt, now time.Time) Reading {
	elapsed := now.Sub(createdAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Reading{
		OrderID:  id,
		Seconds:  int64(elapsed.Seconds()),
		Elapsed:  FormatElapsed(elapsed),
		Severity: SeverityFor(elapsed),
	}
}
