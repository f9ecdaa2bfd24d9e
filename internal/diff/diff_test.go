package diff

import (
	"encoding/json"
	"testing"

	"github.com/snarg/fleet-engine/internal/device"
)

func TestCompare(t *testing.T) {
	t.Run("nil_previous_is_first_seen", func(t *testing.T) {
		if got := Compare(nil, map[string]int{"a": 1}); got != FirstSeen {
			t.Errorf("expected FirstSeen, got %v", got)
		}
	})

	t.Run("equal_values_unchanged", func(t *testing.T) {
		if got := Compare(map[string]int{"a": 1}, map[string]int{"a": 1}); got != Unchanged {
			t.Errorf("expected Unchanged, got %v", got)
		}
	})

	t.Run("different_values_changed", func(t *testing.T) {
		if got := Compare(map[string]int{"a": 1}, map[string]int{"a": 2}); got != Changed {
			t.Errorf("expected Changed, got %v", got)
		}
	})
}

func TestEqual(t *testing.T) {
	t.Run("struct_equals_equivalent_map", func(t *testing.T) {
		type payload struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		a := payload{Name: "hdmi", Count: 2}
		b := map[string]any{"count": 2, "name": "hdmi"}
		if !Equal(a, b) {
			t.Error("expected struct and equivalent map to compare equal")
		}
	})

	t.Run("raw_json_field_order_irrelevant", func(t *testing.T) {
		a := json.RawMessage(`{"state":"started","id":"rtmp0"}`)
		b := json.RawMessage(`{"id":"rtmp0","state":"started"}`)
		if !Equal(a, b) {
			t.Error("expected field order not to affect equality")
		}
	})

	t.Run("detects_nested_difference", func(t *testing.T) {
		a := json.RawMessage(`{"status":{"state":"started"}}`)
		b := json.RawMessage(`{"status":{"state":"stopped"}}`)
		if Equal(a, b) {
			t.Error("expected nested difference to be detected")
		}
	})
}

func TestStatusForCompare(t *testing.T) {
	s := device.Status{Date: "2026-08-26 10:00:01", Uptime: 1000, CPULoad: 0.4}
	stripped := StatusForCompare(s)
	if stripped.Date != "" {
		t.Errorf("expected date stripped, got %q", stripped.Date)
	}
	if stripped.Uptime != 1000 || stripped.CPULoad != 0.4 {
		t.Error("expected other fields preserved")
	}

	// Two samples differing only by wall clock must compare equal.
	s2 := s
	s2.Date = "2026-08-26 10:00:31"
	if !Equal(StatusForCompare(s), StatusForCompare(s2)) {
		t.Error("expected samples differing only by date to be equal")
	}
}

func TestChangeHash(t *testing.T) {
	ch := 1
	pub := "rtmp0"

	t.Run("stable_across_field_order", func(t *testing.T) {
		a := ChangeHash("publisher_status", "192.168.1.10", &ch, &pub, json.RawMessage(`{"state":"started","started":true}`))
		b := ChangeHash("publisher_status", "192.168.1.10", &ch, &pub, json.RawMessage(`{"started":true,"state":"started"}`))
		if a != b {
			t.Errorf("expected identical hashes, got %s vs %s", a, b)
		}
	})

	t.Run("hex_md5_length", func(t *testing.T) {
		h := ChangeHash("device_health", "192.168.1.10", nil, nil, map[string]string{"status": "online"})
		if len(h) != 32 {
			t.Errorf("expected 32 hex chars, got %d (%s)", len(h), h)
		}
	})

	t.Run("differs_by_data", func(t *testing.T) {
		a := ChangeHash("device_health", "192.168.1.10", nil, nil, map[string]string{"status": "online"})
		b := ChangeHash("device_health", "192.168.1.10", nil, nil, map[string]string{"status": "error"})
		if a == b {
			t.Error("expected differing data to change the hash")
		}
	})

	t.Run("differs_by_key_parts", func(t *testing.T) {
		data := map[string]string{"state": "started"}
		a := ChangeHash("publisher_status", "192.168.1.10", &ch, &pub, data)
		b := ChangeHash("publisher_status", "192.168.1.11", &ch, &pub, data)
		if a == b {
			t.Error("expected differing device to change the hash")
		}
		c := ChangeHash("publisher_status", "192.168.1.10", nil, nil, data)
		if a == c {
			t.Error("expected missing channel/publisher to change the hash")
		}
	})
}
