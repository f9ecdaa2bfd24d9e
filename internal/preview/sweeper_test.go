package preview

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
)

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	s := NewService(Options{
		Client: device.NewClient(time.Second, 1, zerolog.Nop()),
		Dir:    dir,
		MaxAge: time.Minute,
	})

	write := func(rel string, age time.Duration) string {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("frame"), 0o644); err != nil {
			t.Fatal(err)
		}
		mtime := time.Now().Add(-age)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
		return path
	}

	stale := write("10.0.0.1/channel_1.jpg", 5*time.Minute)
	staleSibling := write("10.0.0.1/channel_2.jpg", 5*time.Minute)
	fresh := write("10.0.0.2/channel_1.jpg", time.Second)

	removed, err := s.sweep(time.Now())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removals, got %d", removed)
	}

	for _, p := range []string{stale, staleSibling} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", p)
		}
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh frame must survive: %v", err)
	}

	// The emptied device directory is pruned, the occupied one is kept.
	if _, err := os.Stat(filepath.Join(dir, "10.0.0.1")); !os.IsNotExist(err) {
		t.Error("expected empty device dir pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "10.0.0.2")); err != nil {
		t.Errorf("occupied device dir must survive: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("cache root must survive: %v", err)
	}
}

func TestSweepMissingRoot(t *testing.T) {
	s := NewService(Options{
		Client: device.NewClient(time.Second, 1, zerolog.Nop()),
		Dir:    filepath.Join(t.TempDir(), "never-created"),
	})
	if _, err := s.sweep(time.Now()); err != nil {
		t.Errorf("sweep of a missing root must be a no-op, got %v", err)
	}
}
