package feed

import (
	"net/http"
	"sync"

	aqm "github.com/appetiteclub/apt"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smartdine/kitchenfeed/internal/conn"
	"github.com/smartdine/kitchenfeed/internal/notify"
	"github.com/smartdine/kitchenfeed/pkg/event"
)

// ConnStatus exposes the connection manager state for UI status indicators.
type ConnStatus interface {
	State() conn.State
	LastError() error
}

// Frame is the envelope pushed to websocket clients. Types: snapshot,
// order_event, sla, notification, connection.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ConnectionInfo is the connection payload inside snapshot and connection frames.
type ConnectionInfo struct {
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// SnapshotPayload is the first frame every client receives on connect.
type SnapshotPayload struct {
	Orders     []Order        `json:"orders"`
	Counts     Counts         `json:"counts"`
	SLA        []Reading      `json:"sla"`
	Connection ConnectionInfo `json:"connection"`
}

// StreamServer pushes live order events, SLA ticks and notifications to
// connected kitchen consoles over websocket. Slow clients drop frames rather
// than stall the pipeline.
type StreamServer struct {
	cache  *OrderStateCache
	clock  *SLAClock
	status ConnStatus
	logger aqm.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]chan Frame
}

// NewStreamServer creates a stream server over the given queue and clock.
func NewStreamServer(cache *OrderStateCache, clock *SLAClock, status ConnStatus, logger aqm.Logger) *StreamServer {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &StreamServer{
		cache:  cache,
		clock:  clock,
		status: status,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]chan Frame),
	}
}

// Handle upgrades the request and streams frames until the client goes away.
func (s *StreamServer) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("failed to upgrade stream client: %v", err)
		return
	}
	defer ws.Close()

	clientID := uuid.NewString()
	frames := make(chan Frame, 100)

	s.mu.Lock()
	s.clients[clientID] = frames
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		s.logger.Info("stream client disconnected", "client_id", clientID)
	}()

	s.logger.Info("stream client connected", "client_id", clientID)

	if err := ws.WriteJSON(s.snapshotFrame()); err != nil {
		s.logger.Errorf("failed to send snapshot: %v", err)
		return
	}

	// The read loop only detects the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case frame := <-frames:
			if err := ws.WriteJSON(frame); err != nil {
				s.logger.Errorf("failed to send frame: %v", err)
				return
			}
		}
	}
}

func (s *StreamServer) snapshotFrame() Frame {
	payload := SnapshotPayload{
		Orders: s.cache.Snapshot(FilterAll),
		Counts: s.cache.Counts(),
		SLA:    s.clock.Readings(),
	}
	if s.status != nil {
		payload.Connection = connectionInfo(s.status.State(), s.status.LastError())
	}
	return Frame{Type: "snapshot", Payload: payload}
}

// BroadcastEvent forwards a decoded order event to all connected clients.
func (s *StreamServer) BroadcastEvent(evt *event.OrderEvent) {
	s.broadcast(Frame{Type: "order_event", Payload: evt})
}

// BroadcastReadings pushes the SLA readings of one tick.
func (s *StreamServer) BroadcastReadings(readings []Reading) {
	if len(readings) == 0 {
		return
	}
	s.broadcast(Frame{Type: "sla", Payload: readings})
}

// BroadcastNotification pushes a user-facing alert.
func (s *StreamServer) BroadcastNotification(n notify.Notification) {
	s.broadcast(Frame{Type: "notification", Payload: n})
}

// BroadcastConnState pushes a connection state change, so consoles can show
// the degraded-mode banner while disconnected.
func (s *StreamServer) BroadcastConnState(state conn.State, lastErr error) {
	s.broadcast(Frame{Type: "connection", Payload: connectionInfo(state, lastErr)})
}

func (s *StreamServer) broadcast(frame Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for clientID, ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Channel full, client too slow - skip this frame
			s.logger.Info("client channel full, dropping frame", "client_id", clientID)
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (s *StreamServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func connectionInfo(state conn.State, lastErr error) ConnectionInfo {
	info := ConnectionInfo{State: state.String()}
	if lastErr != nil {
		info.LastError = lastErr.Error()
	}
	return info
}
