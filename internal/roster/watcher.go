// Package roster syncs the device roster from an operator-managed JSON
// file into the database and reacts to edits while the engine runs.
package roster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
)

// Store is the slice of the database the watcher writes.
type Store interface {
	UpsertDevice(ctx context.Context, d device.Device) (int, error)
	DeleteDevicesNotIn(ctx context.Context, keep []string) (int64, error)
}

// Entry is one device in the roster file.
type Entry struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// Watcher loads the roster file on start and re-syncs on every edit.
// OnChange fires after a successful sync so the poller can reconcile
// immediately instead of waiting for its timer.
type Watcher struct {
	path     string
	store    Store
	onChange func()
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewWatcher(path string, store Store, onChange func(), log zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		onChange: onChange,
		log:      log.With().Str("component", "roster").Str("file", path).Logger(),
		done:     make(chan struct{}),
	}
}

// Start performs the initial sync, then watches the file's directory.
// Editors replace files by rename, so watching the file inode directly
// would lose the watch on the first save.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Sync(ctx); err != nil {
		return fmt.Errorf("initial roster sync: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create roster watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch roster dir: %w", err)
	}
	w.watcher = fw

	go w.loop(ctx)
	w.log.Info().Msg("roster watcher started")
	return nil
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	// Editors emit bursts of events per save; collapse them with a short
	// settle timer before re-reading.
	var settle *time.Timer
	var settleC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(250 * time.Millisecond)
				settleC = settle.C
			} else {
				settle.Reset(250 * time.Millisecond)
			}
		case <-settleC:
			settle = nil
			settleC = nil
			if err := w.Sync(ctx); err != nil {
				w.log.Error().Err(err).Msg("roster re-sync failed, keeping previous roster")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("roster watch error")
		}
	}
}

// Sync reads the file, upserts every entry, and deletes devices that fell
// off the roster. A malformed file aborts the sync without touching the
// database.
func (w *Watcher) Sync(ctx context.Context) error {
	entries, err := load(w.path)
	if err != nil {
		return err
	}

	keep := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, err := w.store.UpsertDevice(ctx, device.Device{
			Address:  e.Address,
			Username: e.Username,
			Password: e.Password,
			Name:     e.Name,
		}); err != nil {
			return fmt.Errorf("upsert device %s: %w", e.Address, err)
		}
		keep = append(keep, e.Address)
	}

	removed, err := w.store.DeleteDevicesNotIn(ctx, keep)
	if err != nil {
		return fmt.Errorf("prune removed devices: %w", err)
	}

	w.log.Info().Int("devices", len(keep)).Int64("removed", removed).Msg("roster synced")
	if w.onChange != nil {
		w.onChange()
	}
	return nil
}

// load parses and validates the roster file, deduplicating by address
// (last entry wins).
func load(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse roster file: %w", err)
	}

	byAddr := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if e.Address == "" {
			return nil, fmt.Errorf("roster entry %d has no address", i)
		}
		if idx, ok := byAddr[e.Address]; ok {
			out[idx] = e
			continue
		}
		byAddr[e.Address] = len(out)
		out = append(out, e)
	}
	return out, nil
}
