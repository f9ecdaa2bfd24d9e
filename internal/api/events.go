package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/fleet-engine/internal/events"
	"github.com/snarg/fleet-engine/internal/poller"
)

// EventArchive is the durable side of the event log, for catch-up queries
// that outlive the in-memory retention window.
type EventArchive interface {
	LatestEvents(ctx context.Context, deviceAddr string, channel *int, limit int) ([]events.Event, error)
}

// EventsHandler owns the producer ingest endpoint and the event log query.
type EventsHandler struct {
	store   *events.Store
	hub     *events.Hub
	mirror  poller.EventMirror // optional
	archive EventArchive
}

func NewEventsHandler(store *events.Store, hub *events.Hub, mirror poller.EventMirror, archive EventArchive) *EventsHandler {
	return &EventsHandler{store: store, hub: hub, mirror: mirror, archive: archive}
}

// Ingest accepts one producer event, runs it through the store (which
// assigns ids and applies the dedup window), and fans accepted events out.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req events.IngestRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !events.ValidType(req.Type) {
		WriteError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if req.Device == "" {
		WriteError(w, http.StatusBadRequest, "device is required")
		return
	}

	accepted, ok, err := h.store.Accept(req.Event())
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "event rejected", err.Error())
		return
	}
	if ok {
		h.hub.Broadcast(accepted)
		if h.mirror != nil {
			h.mirror.Publish(accepted)
		}
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": ok,
		"event_id": accepted.ID,
	})
}

// List returns recent events from the durable cache, optionally filtered
// by device address and channel.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	deviceAddr, _ := QueryString(r, "device")
	var channel *int
	if n, ok := QueryInt(r, "channel"); ok {
		channel = &n
	}
	limit, _ := QueryInt(r, "limit")

	out, err := h.archive.LatestEvents(r.Context(), deviceAddr, channel, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	if out == nil {
		out = []events.Event{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}

// Live returns the store's retained events for one device, straight from
// the in-memory rings.
func (h *EventsHandler) Live(w http.ResponseWriter, r *http.Request) {
	deviceAddr := chi.URLParam(r, "address")
	if deviceAddr == "" {
		WriteError(w, http.StatusBadRequest, "missing device address")
		return
	}

	var out []events.Event
	if n, ok := QueryInt(r, "channel"); ok {
		out = h.store.LatestForChannel(deviceAddr, n)
	} else {
		out = h.store.LatestForDevice(deviceAddr)
	}
	if out == nil {
		out = []events.Event{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"events": out,
		"count":  len(out),
	})
}
