package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/snarg/fleet-engine/internal/device"
)

// DeviceStore is the roster slice the device endpoints read.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetDevice(ctx context.Context, id int) (device.Device, error)
}

// DeviceInfo is a roster entry with credentials stripped.
type DeviceInfo struct {
	ID        int       `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceHandler serves the roster listing and the control passthrough to
// publishers and recorders on the appliances themselves.
type DeviceHandler struct {
	store  DeviceStore
	client *device.Client
}

func NewDeviceHandler(store DeviceStore, client *device.Client) *DeviceHandler {
	return &DeviceHandler{store: store, client: client}
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "roster query failed")
		return
	}

	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			ID:        d.ID,
			Address:   d.Address,
			Name:      d.Name,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// resolveDevice loads the device for the {deviceID} path parameter,
// writing the error response itself when the lookup fails.
func resolveDevice(store DeviceStore, w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	id, err := PathInt(r, "deviceID")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid device id")
		return device.Device{}, false
	}
	d, err := store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			WriteError(w, http.StatusNotFound, "device not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "roster query failed")
		}
		return device.Device{}, false
	}
	return d, true
}

// ControlPublisher passes a start/stop through to one publisher. The engine
// never tracks intent; the next fast tick reports whatever state the device
// actually reached.
func (h *DeviceHandler) ControlPublisher(w http.ResponseWriter, r *http.Request) {
	d, ok := resolveDevice(h.store, w, r)
	if !ok {
		return
	}
	channel, err := PathInt(r, "channel")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	publisherID := chi.URLParam(r, "publisherID")
	action := chi.URLParam(r, "action")
	if action != "start" && action != "stop" {
		WriteError(w, http.StatusBadRequest, "action must be start or stop")
		return
	}

	if err := h.client.ControlPublisher(r.Context(), d, channel, publisherID, action); err != nil {
		writeDeviceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"device":    d.Address,
		"channel":   channel,
		"publisher": publisherID,
		"action":    action,
		"ack":       true,
	})
}

// ControlRecorder passes a start/stop through to one recorder.
func (h *DeviceHandler) ControlRecorder(w http.ResponseWriter, r *http.Request) {
	d, ok := resolveDevice(h.store, w, r)
	if !ok {
		return
	}
	recorderID := chi.URLParam(r, "recorderID")
	action := chi.URLParam(r, "action")
	if action != "start" && action != "stop" {
		WriteError(w, http.StatusBadRequest, "action must be start or stop")
		return
	}

	if err := h.client.ControlRecorder(r.Context(), d, recorderID, action); err != nil {
		writeDeviceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"device":   d.Address,
		"recorder": recorderID,
		"action":   action,
		"ack":      true,
	})
}

// writeDeviceError maps appliance failures onto gateway status codes.
func writeDeviceError(w http.ResponseWriter, err error) {
	switch device.ErrKind(err) {
	case device.KindTimeout:
		WriteErrorDetail(w, http.StatusGatewayTimeout, "device timed out", err.Error())
	case device.KindNotFound:
		WriteErrorDetail(w, http.StatusNotFound, "not found on device", err.Error())
	case device.KindUnauthorized:
		WriteErrorDetail(w, http.StatusBadGateway, "device rejected credentials", err.Error())
	default:
		WriteErrorDetail(w, http.StatusBadGateway, "device request failed", err.Error())
	}
}
