package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/fleet-engine/internal/poller"
)

// AdminHandler exposes operational knobs on the poller.
type AdminHandler struct {
	poller *poller.Poller
}

func NewAdminHandler(p *poller.Poller) *AdminHandler {
	return &AdminHandler{poller: p}
}

// ForceRefresh pokes every tier of one device, or the whole fleet when no
// device_id is given.
func (h *AdminHandler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := QueryInt(r, "device_id")
	if !h.poller.ForceRefresh(deviceID) {
		WriteError(w, http.StatusNotFound, "no matching polling loop")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"refreshed": true, "device_id": deviceID})
}

// ClearCache drops change-detector snapshots so the next polls rewrite
// state as first-seen.
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := QueryInt(r, "device_id")
	if !h.poller.ClearCache(deviceID) {
		WriteError(w, http.StatusNotFound, "no matching polling loop")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cleared": true, "device_id": deviceID})
}

// Reconcile re-reads the roster immediately instead of waiting for the
// reconcile timer.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if err := h.poller.Reconcile(r.Context()); err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "reconcile failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"reconciled": true})
}

// Routes registers admin routes on the given router.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/admin/force-refresh", h.ForceRefresh)
	r.Post("/admin/clear-cache", h.ClearCache)
	r.Post("/admin/reconcile", h.Reconcile)
}
