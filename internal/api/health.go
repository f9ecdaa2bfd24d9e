package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/fleet-engine/internal/poller"
)

// HealthDB is the database surface the health endpoint probes.
type HealthDB interface {
	HealthCheck(ctx context.Context) error
}

// MirrorStatus reports the optional MQTT mirror connection.
type MirrorStatus interface {
	IsConnected() bool
}

// BusStatus reports live bus counters.
type BusStatus interface {
	ConnectionCount() int
	SubscriptionCount() int
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        HealthDB
	mirror    MirrorStatus
	poller    *poller.Poller
	bus       BusStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(db HealthDB, mirror MirrorStatus, p *poller.Poller, bus BusStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mirror:    mirror,
		poller:    p,
		bus:       bus,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mirror != nil {
		if h.mirror.IsConnected() {
			checks["mqtt_mirror"] = "ok"
		} else {
			checks["mqtt_mirror"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt_mirror"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}

type StatusResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Devices       []poller.DeviceStatus `json:"devices"`
	WebSocket     WSStatus              `json:"websocket"`
}

type WSStatus struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

// Status is the operational overview: per-device polling state plus bus
// counters.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	devices := h.poller.Status()

	status := "ok"
	for _, d := range devices {
		if d.Status != "online" {
			status = "degraded"
			break
		}
	}

	WriteJSON(w, http.StatusOK, StatusResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Devices:       devices,
		WebSocket: WSStatus{
			Connections:   h.bus.ConnectionCount(),
			Subscriptions: h.bus.SubscriptionCount(),
		},
	})
}
