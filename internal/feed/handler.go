package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	aqm "github.com/appetiteclub/apt"
	"github.com/appetiteclub/apt/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smartdine/kitchenfeed/internal/notify"
	"github.com/smartdine/kitchenfeed/pkg/enums/orderstatus"
)

const MaxBodyBytes = 1 << 20

// StatusCommander is the outbound command primitive exposed by the dispatcher.
type StatusCommander interface {
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error
}

// HandlerDeps carries the handler's collaborators.
type HandlerDeps struct {
	Cache     *OrderStateCache
	Clock     *SLAClock
	Commander StatusCommander
	Conn      ConnStatus
	Stream    *StreamServer
	Notifier  *notify.Notifier
}

// Handler exposes the kitchen feed to the console UI: queue snapshot with
// counts and SLA readings, single-order lookup, status-update commands and
// the websocket stream endpoint.
type Handler struct {
	deps   HandlerDeps
	config *aqm.Config
	logger aqm.Logger
	tlm    *telemetry.HTTP
}

func NewHandler(deps HandlerDeps, config *aqm.Config, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		deps:   deps,
		config: config,
		logger: logger,
		tlm:    telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/feed", func(r chi.Router) {
		r.Get("/", h.GetFeed)
		r.Get("/orders/{id}", h.GetOrder)
		r.Patch("/orders/{id}/status", h.UpdateOrderStatus)
		if h.deps.Stream != nil {
			r.Get("/stream", h.deps.Stream.Handle)
		}
	})
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

// GetFeed returns the filtered, oldest-first queue with per-status counts,
// SLA readings and connection state.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetFeed")
	defer finish()

	filter, ok := ParseStatusFilter(r.URL.Query().Get("status"))
	if !ok {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	orders := h.deps.Cache.Snapshot(filter)

	sla := make(map[string]Reading, len(orders))
	if h.deps.Clock != nil {
		for _, order := range orders {
			if reading, ok := h.deps.Clock.Reading(order.ID); ok {
				sla[order.ID.String()] = reading
			}
		}
	}

	var connection ConnectionInfo
	if h.deps.Conn != nil {
		connection = connectionInfo(h.deps.Conn.State(), h.deps.Conn.LastError())
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"orders":     orders,
		"counts":     h.deps.Cache.Counts(),
		"sla":        sla,
		"connection": connection,
	}, nil)
}

// GetOrder returns one cached active order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetOrder")
	defer finish()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order := h.deps.Cache.Get(id)
	if order == nil {
		aqm.RespondError(w, http.StatusNotFound, "Order not found")
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

// UpdateOrderStatus forwards a status transition command to the backend. It
// never mutates local state: the confirming order.status.changed event does.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.UpdateOrderStatus")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if orderstatus.ByName(payload.Status) == nil {
		aqm.RespondError(w, http.StatusBadRequest, "Unknown status")
		return
	}

	if err := h.deps.Commander.UpdateOrderStatus(ctx, id, payload.Status); err != nil {
		log.Errorf("cannot send status command: %v", err)
		if h.deps.Notifier != nil {
			h.deps.Notifier.NotifyError("Could not request status update for order " + idStr)
		}
		aqm.RespondError(w, http.StatusBadGateway, "Could not send status update")
		return
	}

	aqm.Respond(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"order_id": id.String(),
		"status":   payload.Status,
	}, nil)
}
