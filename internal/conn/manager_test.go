package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	aqm "github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/events"
)

// mockConn is a test Conn that records publishes and closes
type mockConn struct {
	mu        sync.Mutex
	closed    bool
	published []publishedMsg
}

type publishedMsg struct {
	Topic string
	Data  []byte
}

func (c *mockConn) Publish(ctx context.Context, topic string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMsg{Topic: topic, Data: msg})
	return nil
}

func (c *mockConn) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Published() []publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMsg(nil), c.published...)
}

// mockDialer scripts dial outcomes and records onDrop callbacks
type mockDialer struct {
	mu      sync.Mutex
	calls   int
	errs    []error // error per call, nil means success; past the end means success
	conns   []*mockConn
	onDrops []func(error)
	gate    chan struct{} // when non-nil, dial blocks until closed
}

func (d *mockDialer) dial(url string, onDrop func(error)) (Conn, error) {
	d.mu.Lock()
	call := d.calls
	d.calls++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if call < len(d.errs) && d.errs[call] != nil {
		return nil, d.errs[call]
	}
	c := &mockConn{}
	d.conns = append(d.conns, c)
	d.onDrops = append(d.onDrops, onDrop)
	return c, nil
}

func (d *mockDialer) SetGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

func (d *mockDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *mockDialer) Conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *mockDialer) OnDrop(i int) func(error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.onDrops) {
		return nil
	}
	return d.onDrops[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(dialer *mockDialer) *Manager {
	return NewManager(Config{
		URL:            "nats://test",
		Dial:           dialer.dial,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Logger:         aqm.NewNoopLogger(),
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{name: "disconnectedToConnecting", from: StateDisconnected, to: StateConnecting, allowed: true},
		{name: "connectingToConnected", from: StateConnecting, to: StateConnected, allowed: true},
		{name: "connectingToDisconnected", from: StateConnecting, to: StateDisconnected, allowed: true},
		{name: "connectedToDisconnected", from: StateConnected, to: StateDisconnected, allowed: true},
		{name: "disconnectedToConnected", from: StateDisconnected, to: StateConnected, allowed: false},
		{name: "connectedToConnecting", from: StateConnected, to: StateConnecting, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestManagerConnect(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)

	connected := make(chan Conn, 1)
	m.OnConnected(func(c Conn) { connected <- c })

	m.Connect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected never invoked")
	}

	if m.State() != StateConnected {
		t.Errorf("State() = %v, want %v", m.State(), StateConnected)
	}
	if m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", m.LastError())
	}
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)

	connected := make(chan Conn, 2)
	m.OnConnected(func(c Conn) { connected <- c })

	m.Connect()
	<-connected
	m.Connect()
	m.Connect()

	// A second dial would register here; give it a moment.
	time.Sleep(20 * time.Millisecond)
	if dialer.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", dialer.Calls())
	}
}

func TestManagerRetriesAfterDialFailure(t *testing.T) {
	dialer := &mockDialer{errs: []error{errors.New("refused"), errors.New("refused")}}
	m := newTestManager(dialer)

	connected := make(chan Conn, 1)
	m.OnConnected(func(c Conn) { connected <- c })

	m.Connect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected after retries")
	}

	if dialer.Calls() != 3 {
		t.Errorf("dial calls = %d, want 3", dialer.Calls())
	}
	defer m.Disconnect()
}

func TestManagerRecordsLastError(t *testing.T) {
	dialErr := errors.New("connection refused")
	dialer := &mockDialer{errs: []error{dialErr}}
	m := newTestManager(dialer)
	defer m.Disconnect()

	var mu sync.Mutex
	var failureErr error
	m.OnStateChange(func(s State, err error) {
		mu.Lock()
		if s == StateDisconnected && err != nil {
			failureErr = err
		}
		mu.Unlock()
	})

	m.Connect()

	// A later successful connection clears the recorded error.
	waitFor(t, "reconnect", func() bool { return m.State() == StateConnected })
	if m.LastError() != nil {
		t.Errorf("LastError() after reconnect = %v, want nil", m.LastError())
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(failureErr, dialErr) {
		t.Errorf("observed failure error = %v, want %v", failureErr, dialErr)
	}
}

func TestManagerDisconnectAbandonsInflightDial(t *testing.T) {
	gate := make(chan struct{})
	dialer := &mockDialer{gate: gate}
	m := newTestManager(dialer)

	onConnectedCalls := make(chan Conn, 1)
	m.OnConnected(func(c Conn) { onConnectedCalls <- c })

	m.Connect()
	waitFor(t, "dial to start", func() bool { return dialer.Calls() == 1 })

	// Disconnect while the dial is still in flight, then let it "succeed".
	m.Disconnect()
	close(gate)

	waitFor(t, "abandoned connection to close", func() bool {
		c := dialer.Conn(0)
		return c != nil && c.Closed()
	})

	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", m.State(), StateDisconnected)
	}
	select {
	case <-onConnectedCalls:
		t.Error("OnConnected invoked for an abandoned dial")
	default:
	}
}

// Connecting again while a retry is pending must supersede the pending
// attempt: exactly one dial in flight, one connection, one OnConnected.
func TestManagerConnectDuringBackoffSupersedesRetry(t *testing.T) {
	dialer := &mockDialer{errs: []error{errors.New("refused")}}
	m := NewManager(Config{
		URL:            "nats://test",
		Dial:           dialer.dial,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Logger:         aqm.NewNoopLogger(),
	})
	defer m.Disconnect()

	var mu sync.Mutex
	var conns []Conn
	m.OnConnected(func(c Conn) {
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "first dial to fail", func() bool {
		return dialer.Calls() == 1 && m.State() == StateDisconnected
	})

	// Hold every further dial open across the backoff window.
	gate := make(chan struct{})
	dialer.SetGate(gate)

	m.Connect()
	waitFor(t, "manual dial to start", func() bool { return dialer.Calls() == 2 })

	// Let the retry armed by the failed attempt expire; it must not dial.
	time.Sleep(120 * time.Millisecond)
	close(gate)

	waitFor(t, "connection", func() bool { return m.State() == StateConnected })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(conns) != 1 {
		t.Fatalf("OnConnected invoked %d times, want 1", len(conns))
	}
	if dialer.Calls() != 2 {
		t.Errorf("dial calls = %d, want 2", dialer.Calls())
	}
}

// An explicit Disconnect reports a clean disconnected state, not the error
// recorded by an earlier failed attempt.
func TestManagerDisconnectClearsLastError(t *testing.T) {
	dialer := &mockDialer{errs: []error{errors.New("refused")}}
	m := NewManager(Config{
		URL:            "nats://test",
		Dial:           dialer.dial,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Logger:         aqm.NewNoopLogger(),
	})

	var mu sync.Mutex
	var lastState State
	var lastNotifyErr error
	m.OnStateChange(func(s State, err error) {
		mu.Lock()
		lastState = s
		lastNotifyErr = err
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "first dial to fail", func() bool {
		return dialer.Calls() == 1 && m.State() == StateDisconnected
	})

	gate := make(chan struct{})
	dialer.SetGate(gate)
	defer close(gate)

	waitFor(t, "retry dial to start", func() bool { return dialer.Calls() == 2 })

	m.Disconnect()

	if m.LastError() != nil {
		t.Errorf("LastError() after Disconnect = %v, want nil", m.LastError())
	}

	mu.Lock()
	defer mu.Unlock()
	if lastState != StateDisconnected {
		t.Errorf("last observed state = %v, want %v", lastState, StateDisconnected)
	}
	if lastNotifyErr != nil {
		t.Errorf("disconnect notification error = %v, want nil", lastNotifyErr)
	}
}

func TestManagerReconnectsAfterDrop(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)
	defer m.Disconnect()

	connected := make(chan Conn, 2)
	m.OnConnected(func(c Conn) { connected <- c })

	m.Connect()
	<-connected

	dialer.OnDrop(0)(errors.New("server went away"))

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected after drop")
	}
	if dialer.Calls() != 2 {
		t.Errorf("dial calls = %d, want 2", dialer.Calls())
	}
}

func TestManagerIgnoresStaleDrop(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)

	connected := make(chan Conn, 1)
	m.OnConnected(func(c Conn) { connected <- c })

	m.Connect()
	<-connected

	onDrop := dialer.OnDrop(0)
	m.Disconnect()

	// The drop the explicit Close causes must not resurrect the manager.
	onDrop(errors.New("connection closed"))

	time.Sleep(30 * time.Millisecond)
	if m.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", m.State(), StateDisconnected)
	}
	if dialer.Calls() != 1 {
		t.Errorf("dial calls = %d, want 1", dialer.Calls())
	}
}

func TestManagerPublish(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)
	ctx := context.Background()

	if err := m.Publish(ctx, "orders.commands", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() while disconnected = %v, want ErrNotConnected", err)
	}

	connected := make(chan Conn, 1)
	m.OnConnected(func(c Conn) { connected <- c })
	m.Connect()
	<-connected
	defer m.Disconnect()

	if err := m.Publish(ctx, "orders.commands", []byte(`{"op":"x"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	published := dialer.Conn(0).Published()
	if len(published) != 1 || published[0].Topic != "orders.commands" {
		t.Errorf("published = %+v", published)
	}
}

func TestManagerStateObserver(t *testing.T) {
	dialer := &mockDialer{}
	m := newTestManager(dialer)

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s State, err error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "connected observation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2 && states[1] == StateConnected
	})
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("observed states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("observed states = %v, want %v", states, want)
		}
	}
}
