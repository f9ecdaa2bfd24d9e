package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/preview"
)

type subscribeResponse struct {
	Device          string `json:"device"`
	Channel         int    `json:"channel"`
	SubscriberID    string `json:"subscriber_id"`
	SubscriberCount int    `json:"subscriber_count"`
	IsFirst         bool   `json:"is_first"`
	Released        bool   `json:"released"`
}

func TestPreviewSubscription(t *testing.T) {
	svc := preview.NewService(preview.Options{
		Client:  device.NewClient(time.Second, 1, zerolog.Nop()),
		Dir:     t.TempDir(),
		Refresh: 50 * time.Millisecond,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(svc.Stop)

	addr := "127.0.0.1:1"
	store := &fakeDeviceStore{devices: map[int]device.Device{1: {ID: 1, Address: addr}}}
	h := NewPreviewHandler(store, svc)

	router := chi.NewRouter()
	router.Post("/devices/{deviceID}/channels/{channel}/preview/subscribe", h.Subscribe)
	router.Post("/devices/{deviceID}/channels/{channel}/preview/unsubscribe", h.Unsubscribe)

	post := func(path string) (int, subscribeResponse) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		var out subscribeResponse
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("bad body: %v", err)
			}
		}
		return rec.Code, out
	}

	code, first := post("/devices/1/channels/3/preview/subscribe")
	if code != http.StatusOK || first.SubscriberID == "" || !first.IsFirst || first.SubscriberCount != 1 {
		t.Fatalf("unexpected first subscribe: code=%d body=%+v", code, first)
	}

	_, second := post("/devices/1/channels/3/preview/subscribe")
	if second.IsFirst || second.SubscriberCount != 2 || second.SubscriberID == first.SubscriberID {
		t.Fatalf("unexpected second subscribe: %+v", second)
	}

	code, rel := post("/devices/1/channels/3/preview/unsubscribe?subscriber_id=" + first.SubscriberID)
	if code != http.StatusOK || !rel.Released || rel.SubscriberCount != 1 {
		t.Fatalf("unexpected release: code=%d body=%+v", code, rel)
	}

	// Replaying the same id leaves the surviving subscription alone.
	_, replay := post("/devices/1/channels/3/preview/unsubscribe?subscriber_id=" + first.SubscriberID)
	if replay.Released {
		t.Error("expected replayed release reported as no-op")
	}
	if n := svc.SubscriberCount(addr, 3); n != 1 {
		t.Errorf("expected surviving subscriber, got count %d", n)
	}

	if code, _ := post("/devices/1/channels/3/preview/unsubscribe"); code != http.StatusBadRequest {
		t.Errorf("expected 400 without subscriber_id, got %d", code)
	}
}
