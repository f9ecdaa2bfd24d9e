package roster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
)

type fakeStore struct {
	mu       sync.Mutex
	upserted []device.Device
	kept     [][]string
	nextID   int
}

func (f *fakeStore) UpsertDevice(_ context.Context, d device.Device) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, d)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeStore) DeleteDevicesNotIn(_ context.Context, keep []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept = append(f.kept, append([]string(nil), keep...))
	return 0, nil
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted)
}

func writeRoster(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("parses_entries", func(t *testing.T) {
		path := filepath.Join(dir, "devices.json")
		writeRoster(t, path, `[
			{"address": "192.168.1.10", "username": "admin", "password": "secret", "name": "Studio A"},
			{"address": "192.168.1.11", "username": "admin", "password": "secret"}
		]`)
		entries, err := load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Name != "Studio A" || entries[1].Address != "192.168.1.11" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("last_duplicate_wins", func(t *testing.T) {
		path := filepath.Join(dir, "dup.json")
		writeRoster(t, path, `[
			{"address": "192.168.1.10", "username": "admin", "password": "old"},
			{"address": "192.168.1.10", "username": "admin", "password": "new"}
		]`)
		entries, err := load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 1 || entries[0].Password != "new" {
			t.Errorf("expected last duplicate to win, got %+v", entries)
		}
	})

	t.Run("missing_address_rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		writeRoster(t, path, `[{"username": "admin", "password": "secret"}]`)
		if _, err := load(path); err == nil {
			t.Error("expected error for entry without address")
		}
	})

	t.Run("malformed_json_rejected", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		writeRoster(t, path, `{"not": "an array"`)
		if _, err := load(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("missing_file_rejected", func(t *testing.T) {
		if _, err := load(filepath.Join(dir, "nope.json")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	writeRoster(t, path, `[
		{"address": "192.168.1.10", "username": "admin", "password": "a"},
		{"address": "192.168.1.11", "username": "admin", "password": "b"}
	]`)

	store := &fakeStore{}
	changed := 0
	w := NewWatcher(path, store, func() { changed++ }, zerolog.Nop())

	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if store.upsertCount() != 2 {
		t.Errorf("expected 2 upserts, got %d", store.upsertCount())
	}
	if len(store.kept) != 1 || len(store.kept[0]) != 2 {
		t.Errorf("expected prune with both addresses kept, got %+v", store.kept)
	}
	if changed != 1 {
		t.Errorf("expected onChange once, got %d", changed)
	}

	// A malformed rewrite aborts before touching the store.
	writeRoster(t, path, `garbage`)
	if err := w.Sync(context.Background()); err == nil {
		t.Fatal("expected sync failure on malformed file")
	}
	if store.upsertCount() != 2 || changed != 1 {
		t.Error("failed sync must not touch the store or fire onChange")
	}
}

func TestWatcherReactsToEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")
	writeRoster(t, path, `[{"address": "192.168.1.10", "username": "admin", "password": "a"}]`)

	store := &fakeStore{}
	var mu sync.Mutex
	changed := 0
	w := NewWatcher(path, store, func() {
		mu.Lock()
		changed++
		mu.Unlock()
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer w.Stop()

	if store.upsertCount() != 1 {
		t.Fatalf("expected initial sync, got %d upserts", store.upsertCount())
	}

	// Rewrite the file the way editors do: write a temp file, rename over.
	tmp := filepath.Join(dir, "devices.json.tmp")
	writeRoster(t, tmp, `[
		{"address": "192.168.1.10", "username": "admin", "password": "a"},
		{"address": "192.168.1.12", "username": "admin", "password": "c"}
	]`)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for store.upsertCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never re-synced, upserts=%d", store.upsertCount())
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if changed < 2 {
		t.Errorf("expected onChange after re-sync, got %d", changed)
	}
}
