package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/events"
)

type fakeArchive struct {
	events []events.Event
	err    error
}

func (f *fakeArchive) LatestEvents(context.Context, string, *int, int) ([]events.Event, error) {
	return f.events, f.err
}

type recordingMirror struct {
	mu        sync.Mutex
	published []events.Event
}

func (m *recordingMirror) Publish(e events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, e)
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func newEventsFixture(t *testing.T) (*EventsHandler, *events.Store, *recordingMirror) {
	t.Helper()
	store := events.NewStore(events.StoreOptions{DedupWindow: time.Hour, Log: zerolog.Nop()})
	hub := events.NewHub(store, events.NewAuthenticator("", 0), events.Limits{}, zerolog.Nop())
	mirror := &recordingMirror{}
	return NewEventsHandler(store, hub, mirror, &fakeArchive{}), store, mirror
}

func postEvent(t *testing.T, h *EventsHandler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Ingest(rec, req)
	return rec
}

func ingestResult(t *testing.T, rec *httptest.ResponseRecorder) (bool, string) {
	t.Helper()
	var out struct {
		Accepted bool   `json:"accepted"`
		EventID  string `json:"event_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	return out.Accepted, out.EventID
}

func TestIngest(t *testing.T) {
	healthBody := func(status string) events.IngestRequest {
		return events.IngestRequest{
			Type:   events.TypeDeviceHealth,
			Device: "192.168.1.10",
			Data:   json.RawMessage(`{"status":"` + status + `"}`),
		}
	}

	t.Run("accepts_new_event", func(t *testing.T) {
		h, _, mirror := newEventsFixture(t)
		rec := postEvent(t, h, healthBody("online"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
		}
		accepted, id := ingestResult(t, rec)
		if !accepted || id == "" {
			t.Errorf("expected accepted event with id, got accepted=%v id=%q", accepted, id)
		}
		if mirror.count() != 1 {
			t.Errorf("expected mirror publish, got %d", mirror.count())
		}
	})

	t.Run("suppresses_duplicate", func(t *testing.T) {
		h, _, mirror := newEventsFixture(t)
		postEvent(t, h, healthBody("online"))
		rec := postEvent(t, h, healthBody("online"))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202 even for duplicates, got %d", rec.Code)
		}
		if accepted, _ := ingestResult(t, rec); accepted {
			t.Error("expected duplicate suppressed")
		}
		if mirror.count() != 1 {
			t.Errorf("suppressed events must not reach the mirror, got %d", mirror.count())
		}
	})

	t.Run("changed_payload_passes", func(t *testing.T) {
		h, _, _ := newEventsFixture(t)
		postEvent(t, h, healthBody("online"))
		rec := postEvent(t, h, healthBody("error"))
		if accepted, _ := ingestResult(t, rec); !accepted {
			t.Error("expected changed payload accepted")
		}
	})

	t.Run("unknown_type_rejected", func(t *testing.T) {
		h, _, _ := newEventsFixture(t)
		rec := postEvent(t, h, events.IngestRequest{Type: "bogus", Device: "192.168.1.10", Data: json.RawMessage(`{}`)})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing_device_rejected", func(t *testing.T) {
		h, _, _ := newEventsFixture(t)
		rec := postEvent(t, h, events.IngestRequest{Type: events.TypeDeviceHealth, Data: json.RawMessage(`{}`)})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("malformed_body_rejected", func(t *testing.T) {
		h, _, _ := newEventsFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader([]byte("not json")))
		rec := httptest.NewRecorder()
		h.Ingest(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestLive(t *testing.T) {
	h, store, _ := newEventsFixture(t)
	ch := 2
	reqs := []events.IngestRequest{
		{Type: events.TypeDeviceHealth, Device: "192.168.1.10", Data: json.RawMessage(`{"status":"online"}`)},
		{Type: events.TypePublisherStatus, Device: "192.168.1.10", Channel: &ch, Data: json.RawMessage(`{"state":"started"}`)},
	}
	for _, r := range reqs {
		if _, ok, err := store.Accept(r.Event()); !ok || err != nil {
			t.Fatalf("accept failed: ok=%v err=%v", ok, err)
		}
	}

	router := chi.NewRouter()
	router.Get("/live/{address}", h.Live)

	get := func(path string) (int, map[string]json.RawMessage) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]json.RawMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		return rec.Code, body
	}

	t.Run("all_device_events", func(t *testing.T) {
		code, body := get("/live/192.168.1.10")
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		var out []events.Event
		if err := json.Unmarshal(body["events"], &out); err != nil || len(out) != 2 {
			t.Errorf("expected both retained events, got %s", body["events"])
		}
	})

	t.Run("channel_filter", func(t *testing.T) {
		_, body := get("/live/192.168.1.10?channel=2")
		var out []events.Event
		if err := json.Unmarshal(body["events"], &out); err != nil || len(out) != 1 {
			t.Fatalf("expected one channel event, got %s", body["events"])
		}
		if out[0].Type != events.TypePublisherStatus {
			t.Errorf("unexpected event: %+v", out[0])
		}
	})

	t.Run("unknown_device_empty", func(t *testing.T) {
		code, body := get("/live/10.0.0.99")
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if string(body["events"]) != "[]" {
			t.Errorf("expected empty list, got %s", body["events"])
		}
	})
}
