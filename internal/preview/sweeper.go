package preview

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// sweepLoop ages out frames nobody is refreshing anymore and removes the
// per-device directories they leave behind.
func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sweep(time.Now())
			if err != nil {
				s.log.Warn().Err(err).Msg("preview sweep failed")
			} else if removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("swept stale preview frames")
			}
		}
	}
}

// sweep deletes cache files older than MaxAge and prunes empty device
// directories. The last unsubscribe already removes its frame; the sweep
// is the backstop for frames orphaned by an unclean shutdown.
func (s *Service) sweep(now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.MaxAge)
	removed := 0

	var dirs []string
	err := filepath.WalkDir(s.opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != s.opts.Dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	for _, dir := range dirs {
		// Remove fails on non-empty directories, which is exactly the
		// behaviour wanted here.
		os.Remove(dir)
	}
	return removed, nil
}
