package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	aqm "github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"

	"github.com/smartdine/kitchenfeed/pkg/bus"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from one state to another is legal.
// Legal set: disconnected -> connecting, connecting -> connected,
// connecting -> disconnected (dial failure), connected -> disconnected (drop).
func CanTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateDisconnected
	case StateConnected:
		return to == StateDisconnected
	}
	return false
}

// ErrNotConnected is returned by Publish while no connection is established.
var ErrNotConnected = errors.New("not connected")

// Conn is the bidirectional transport the manager hands out once connected.
type Conn interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error
	Close() error
}

// Dialer establishes a connection. onDrop must be invoked when an established
// connection is lost for any reason other than an explicit Close.
type Dialer func(url string, onDrop func(error)) (Conn, error)

// natsDialer is the production dialer.
func natsDialer(url string, onDrop func(error)) (Conn, error) {
	c, err := bus.Dial(url, onDrop)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config configures a Manager.
type Config struct {
	URL            string
	Dial           Dialer
	InitialBackoff time.Duration // first retry delay, default 1s
	MaxBackoff     time.Duration // retry delay cap, default 30s
	Logger         aqm.Logger
}

// Manager owns one persistent connection to the order event source. It is an
// explicit state machine: dial attempts, retries and drops move it between
// states, and an epoch counter guarantees that results of attempts started
// before a Disconnect can never resurrect the connection.
type Manager struct {
	mu      sync.Mutex
	url     string
	dial    Dialer
	state   State
	lastErr error
	conn    Conn
	epoch   uint64
	retry   *time.Timer
	backoff time.Duration

	initialBackoff time.Duration
	maxBackoff     time.Duration

	onState     func(State, error)
	onConnected func(Conn)

	logger aqm.Logger
}

// NewManager creates a disconnected Manager. Connect must be called to arm it.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	max := cfg.MaxBackoff
	if max < initial {
		max = 30 * time.Second
	}

	dial := cfg.Dial
	if dial == nil {
		dial = natsDialer
	}

	return &Manager{
		url:            cfg.URL,
		dial:           dial,
		state:          StateDisconnected,
		backoff:        initial,
		initialBackoff: initial,
		maxBackoff:     max,
		logger:         logger,
	}
}

// OnStateChange registers the state observer. Must be set before Connect.
func (m *Manager) OnStateChange(fn func(State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnConnected registers the callback invoked with the live connection every
// time a connection is established. Must be set before Connect.
func (m *Manager) OnConnected(fn func(Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error recorded by the most recent failure, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect arms the manager and starts a dial attempt. It is idempotent: while
// connecting or connected it is a no-op. Failures schedule automatic retries
// with capped exponential backoff until Disconnect is called. Connecting while
// a retry is pending supersedes the pending attempt, so at most one dial is
// ever in flight.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.setStateLocked(StateConnecting, nil)
	m.backoff = m.initialBackoff
	epoch := m.epoch
	notify := m.stateNotificationLocked()
	m.mu.Unlock()

	notify()
	go m.attempt(epoch)
}

// Disconnect tears down any open connection and cancels pending retries. The
// manager stays disconnected until Connect is called again; a dial attempt
// still in flight is abandoned even if it later succeeds.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	c := m.conn
	m.conn = nil
	// A deliberate disconnect is not a failure; drop any recorded error so
	// the reported state is a clean disconnected.
	m.lastErr = nil
	changed := m.state != StateDisconnected
	if changed {
		m.setStateLocked(StateDisconnected, nil)
	}
	notify := m.stateNotificationLocked()
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	if changed {
		notify()
	}
}

// Publish implements events.Publisher over the live connection. While
// disconnected it fails fast with ErrNotConnected.
func (m *Manager) Publish(ctx context.Context, topic string, msg []byte) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	return c.Publish(ctx, topic, msg)
}

func (m *Manager) attempt(epoch uint64) {
	m.mu.Lock()
	url := m.url
	dial := m.dial
	m.mu.Unlock()

	c, err := dial(url, func(cause error) {
		m.handleDrop(epoch, cause)
	})

	m.mu.Lock()
	if epoch != m.epoch {
		// Disconnected while the attempt was in flight.
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return
	}

	if err != nil {
		m.logger.Info("connection attempt failed", "error", err, "retry_in", m.backoff.String())
		m.setStateLocked(StateDisconnected, err)
		m.scheduleRetryLocked(epoch)
		notify := m.stateNotificationLocked()
		m.mu.Unlock()
		notify()
		return
	}

	m.conn = c
	m.backoff = m.initialBackoff
	m.setStateLocked(StateConnected, nil)
	onConnected := m.onConnected
	notify := m.stateNotificationLocked()
	m.mu.Unlock()

	m.logger.Info("connected to event source")
	notify()
	if onConnected != nil {
		onConnected(c)
	}
}

// handleDrop reacts to an established connection being lost. Drops from a
// previous epoch (including the Close performed by Disconnect) are ignored.
func (m *Manager) handleDrop(epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateDisconnected, cause)
	m.backoff = m.initialBackoff
	m.scheduleRetryLocked(epoch)
	notify := m.stateNotificationLocked()
	m.mu.Unlock()

	m.logger.Info("connection dropped, reconnecting", "error", cause)
	notify()
}

// scheduleRetryLocked arms the retry timer with the current backoff and
// doubles it up to the cap. Must be called with m.mu held.
func (m *Manager) scheduleRetryLocked(epoch uint64) {
	delay := m.backoff
	m.backoff *= 2
	if m.backoff > m.maxBackoff {
		m.backoff = m.maxBackoff
	}

	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.retry = nil
		m.setStateLocked(StateConnecting, nil)
		notify := m.stateNotificationLocked()
		m.mu.Unlock()

		notify()
		m.attempt(epoch)
	})
}

// setStateLocked applies a transition, guarding against illegal moves.
func (m *Manager) setStateLocked(to State, err error) {
	if m.state == to {
		if err != nil {
			m.lastErr = err
		}
		return
	}
	if !CanTransition(m.state, to) {
		m.logger.Errorf("illegal connection state transition %s -> %s", m.state, to)
		return
	}
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	if to == StateConnected {
		m.lastErr = nil
	}
}

// stateNotificationLocked captures the observer call for the current state so
// it can run outside the lock. Must be called with m.mu held.
func (m *Manager) stateNotificationLocked() func() {
	fn := m.onState
	if fn == nil {
		return func() {}
	}
	state := m.state
	err := m.lastErr
	return func() { fn(state, err) }
}
