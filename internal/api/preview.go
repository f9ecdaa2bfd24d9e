package api

import (
	"net/http"
	"os"

	"github.com/snarg/fleet-engine/internal/preview"
)

// PreviewHandler bridges viewer interest to the preview service: subscribe
// issues a subscription id against a channel, unsubscribe releases one,
// and the image endpoint serves whatever frame is currently cached.
type PreviewHandler struct {
	store   DeviceStore
	service *preview.Service
}

func NewPreviewHandler(store DeviceStore, service *preview.Service) *PreviewHandler {
	return &PreviewHandler{store: store, service: service}
}

func (h *PreviewHandler) channelArgs(w http.ResponseWriter, r *http.Request) (deviceID, channel int, ok bool) {
	deviceID, err := PathInt(r, "deviceID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid device id")
		return 0, 0, false
	}
	channel, err = PathInt(r, "channel")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid channel")
		return 0, 0, false
	}
	return deviceID, channel, true
}

func (h *PreviewHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	_, channel, ok := h.channelArgs(w, r)
	if !ok {
		return
	}
	d, ok := resolveDevice(h.store, w, r)
	if !ok {
		return
	}

	sub := h.service.Subscribe(d, channel)
	WriteJSON(w, http.StatusOK, map[string]any{
		"device":           d.Address,
		"channel":          channel,
		"subscriber_id":    sub.ID,
		"subscriber_count": sub.Count,
		"is_first":         sub.First,
	})
}

// Unsubscribe releases one subscription id, taken from the query string
// or a JSON body. Releasing an id twice is harmless; only the id's own
// reference is ever dropped.
func (h *PreviewHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	_, channel, ok := h.channelArgs(w, r)
	if !ok {
		return
	}
	d, ok := resolveDevice(h.store, w, r)
	if !ok {
		return
	}

	id, _ := QueryString(r, "subscriber_id")
	if id == "" {
		var body struct {
			SubscriberID string `json:"subscriber_id"`
		}
		if err := DecodeJSON(r, &body); err == nil {
			id = body.SubscriberID
		}
	}
	if id == "" {
		WriteError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	remaining, released := h.service.Unsubscribe(id)
	WriteJSON(w, http.StatusOK, map[string]any{
		"device":           d.Address,
		"channel":          channel,
		"subscriber_id":    id,
		"subscriber_count": remaining,
		"released":         released,
	})
}

// Image serves the cached frame, falling back to the generated placeholder
// before the first fetch lands. Frames update in place, so caching is
// disabled.
func (h *PreviewHandler) Image(w http.ResponseWriter, r *http.Request) {
	_, channel, ok := h.channelArgs(w, r)
	if !ok {
		return
	}
	d, ok := resolveDevice(h.store, w, r)
	if !ok {
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	path := h.service.ImagePath(d.Address, channel)
	if _, err := os.Stat(path); err != nil {
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.Write(h.service.Placeholder())
		return
	}
	http.ServeFile(w, r, path)
}
