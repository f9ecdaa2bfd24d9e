package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
)

type fakeDeviceStore struct {
	devices map[int]device.Device
}

func (f *fakeDeviceStore) ListDevices(context.Context) ([]device.Device, error) {
	out := make([]device.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, id int) (device.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return device.Device{}, pgx.ErrNoRows
	}
	return d, nil
}

func controlRouter(h *DeviceHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/devices/{deviceID}/channels/{channel}/publishers/{publisherID}/control/{action}", h.ControlPublisher)
	r.Post("/devices/{deviceID}/recorders/{recorderID}/control/{action}", h.ControlRecorder)
	r.Get("/devices", h.List)
	return r
}

func TestDeviceList(t *testing.T) {
	store := &fakeDeviceStore{devices: map[int]device.Device{
		1: {ID: 1, Address: "192.168.1.10", Name: "Studio A", Username: "admin", Password: "secret"},
	}}
	h := NewDeviceHandler(store, device.NewClient(time.Second, 1, zerolog.Nop()))

	rec := httptest.NewRecorder()
	controlRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "secret") || strings.Contains(body, "admin") {
		t.Errorf("credentials leaked into listing: %s", body)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out.Count != 1 {
		t.Errorf("unexpected listing: %s", rec.Body)
	}
}

func TestControlPublisher(t *testing.T) {
	deviceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(deviceSrv.Close)

	store := &fakeDeviceStore{devices: map[int]device.Device{
		1: {ID: 1, Address: strings.TrimPrefix(deviceSrv.URL, "http://")},
	}}
	h := NewDeviceHandler(store, device.NewClient(time.Second, 1, zerolog.Nop()))
	router := controlRouter(h)

	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}

	t.Run("start_acked", func(t *testing.T) {
		rec := post("/devices/1/channels/2/publishers/p1/control/start")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
		}
		var out struct {
			Ack    bool   `json:"ack"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || !out.Ack || out.Action != "start" {
			t.Errorf("unexpected ack body: %s", rec.Body)
		}
	})

	t.Run("invalid_action_rejected", func(t *testing.T) {
		if rec := post("/devices/1/channels/2/publishers/p1/control/pause"); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad action, got %d", rec.Code)
		}
	})

	t.Run("unknown_device_404", func(t *testing.T) {
		if rec := post("/devices/99/channels/2/publishers/p1/control/start"); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("bad_device_id_400", func(t *testing.T) {
		if rec := post("/devices/abc/channels/2/publishers/p1/control/start"); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("recorder_control_acked", func(t *testing.T) {
		rec := post("/devices/1/recorders/r1/control/stop")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
		}
	})

	t.Run("unreachable_device_502", func(t *testing.T) {
		down := &fakeDeviceStore{devices: map[int]device.Device{
			1: {ID: 1, Address: "127.0.0.1:1"},
		}}
		hd := NewDeviceHandler(down, device.NewClient(500*time.Millisecond, 1, zerolog.Nop()))
		rec := httptest.NewRecorder()
		controlRouter(hd).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/1/channels/2/publishers/p1/control/start", nil))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})
}
