// Package preview maintains still-frame images for subscribed channels:
// one fetch loop per (device, channel) while at least one viewer holds a
// subscription, with atomic writes under an on-disk cache directory.
package preview

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	// Registered so reencode can normalise devices that ignore the format
	// parameter and return PNG frames.
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/metrics"
)

type Options struct {
	Client *device.Client

	Dir         string
	Refresh     time.Duration
	MaxAge      time.Duration
	SweepEvery  time.Duration
	BackoffMax  time.Duration
	Format      string
	Resolution  string
	JPEGQuality int

	Log zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "./images"
	}
	if o.Refresh <= 0 {
		o.Refresh = 3 * time.Second
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 3 * time.Minute
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Minute
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.Format == "" {
		o.Format = "jpg"
	}
	if o.Resolution == "" {
		o.Resolution = "auto"
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 85
	}
	return o
}

// target is one refcounted fetch loop. The loop lives while refs > 0.
type target struct {
	dev     device.Device
	channel int
	refs    int
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscription is the receipt handed to one viewer. The ID is what
// releases the reference later; Count and First describe the target's
// state at grant time.
type Subscription struct {
	ID    string
	Count int
	First bool
}

// Service owns the preview cache. Each Subscribe issues its own
// subscription id against a (device address, channel) target; the fetch
// loop starts with the first id and stops when the last one is released.
type Service struct {
	opts        Options
	log         zerolog.Logger
	placeholder []byte

	mu      sync.Mutex
	targets map[string]*target
	subs    map[string]string // subscription id -> target key

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(opts Options) *Service {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:        opts,
		log:         opts.Log.With().Str("component", "preview").Logger(),
		placeholder: renderPlaceholder(opts.JPEGQuality),
		targets:     make(map[string]*target),
		subs:        make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start creates the cache directory and begins the stale-file sweeper.
func (s *Service) Start() error {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create preview dir: %w", err)
	}
	s.wg.Add(1)
	go s.sweepLoop()
	s.log.Info().Str("dir", s.opts.Dir).Dur("refresh", s.opts.Refresh).Msg("preview service started")
	return nil
}

// Stop cancels every fetch loop and the sweeper.
func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	for _, t := range s.targets {
		t.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	metrics.PreviewActiveLoops.Set(0)
	s.log.Info().Msg("preview service stopped")
}

func targetKey(addr string, channel int) string {
	return fmt.Sprintf("%s:%d", addr, channel)
}

func newSubID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers interest in a channel's preview and issues a
// subscription id for it. The first subscriber starts the fetch loop;
// later ones share it.
func (s *Service) Subscribe(dev device.Device, channel int) Subscription {
	key := targetKey(dev.Address, channel)
	id := newSubID()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[key]
	if ok {
		t.refs++
		s.subs[id] = key
		return Subscription{ID: id, Count: t.refs}
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t = &target{dev: dev, channel: channel, refs: 1, cancel: cancel, done: make(chan struct{})}
	s.targets[key] = t
	s.subs[id] = key
	metrics.PreviewActiveLoops.Set(float64(len(s.targets)))

	s.wg.Add(1)
	go s.fetchLoop(ctx, t)
	s.log.Info().Str("device", dev.Address).Int("channel", channel).Msg("preview loop started")
	return Subscription{ID: id, Count: 1, First: true}
}

// Unsubscribe releases one subscription id. Unknown or already-released
// ids are a no-op, so a double release never steals another viewer's
// reference. When the last id goes, the loop stops and the cached frame
// is deleted once the loop has fully exited.
func (s *Service) Unsubscribe(id string) (int, bool) {
	s.mu.Lock()
	key, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	delete(s.subs, id)

	t := s.targets[key]
	t.refs--
	if t.refs > 0 {
		remaining := t.refs
		s.mu.Unlock()
		return remaining, true
	}
	t.cancel()
	delete(s.targets, key)
	metrics.PreviewActiveLoops.Set(float64(len(s.targets)))
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-t.done
		s.removeFrame(t.dev.Address, t.channel)
	}()
	s.log.Info().Str("device", t.dev.Address).Int("channel", t.channel).Msg("preview loop stopped")
	return 0, true
}

// SubscriberCount returns the refcount for one target, 0 when no loop runs.
func (s *Service) SubscriberCount(addr string, channel int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[targetKey(addr, channel)]; ok {
		return t.refs
	}
	return 0
}

// ImagePath returns where the current frame for a channel lives. The file
// may not exist yet; callers fall back to the placeholder.
func (s *Service) ImagePath(addr string, channel int) string {
	return filepath.Join(s.opts.Dir, safeSegment(addr), fmt.Sprintf("channel_%d.%s", channel, s.opts.Format))
}

// Placeholder returns the generated stand-in frame.
func (s *Service) Placeholder() []byte {
	return s.placeholder
}

// fetchLoop pulls one frame per refresh interval. Consecutive failures
// stretch the wait geometrically up to the backoff cap; one success snaps
// it back.
func (s *Service) fetchLoop(ctx context.Context, t *target) {
	defer s.wg.Done()
	defer close(t.done)

	failures := 0
	for {
		if err := s.fetchOnce(ctx, t); err != nil {
			failures++
			metrics.PreviewFetchesTotal.WithLabelValues("error").Inc()
			if failures == 1 {
				s.log.Warn().Err(err).Str("device", t.dev.Address).Int("channel", t.channel).Msg("preview fetch failed")
				s.writePlaceholder(t)
			}
		} else {
			if failures > 0 {
				s.log.Info().Str("device", t.dev.Address).Int("channel", t.channel).Msg("preview fetch recovered")
			}
			failures = 0
			metrics.PreviewFetchesTotal.WithLabelValues("ok").Inc()
		}

		timer := time.NewTimer(s.delay(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// delay returns the wait before the next fetch: the refresh interval while
// healthy, min(refresh * 2^(failures-1), cap) while failing.
func (s *Service) delay(failures int) time.Duration {
	if failures == 0 {
		return s.opts.Refresh
	}
	d := s.opts.Refresh
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	if d > s.opts.BackoffMax {
		return s.opts.BackoffMax
	}
	return d
}

func (s *Service) fetchOnce(ctx context.Context, t *target) error {
	fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	raw, err := s.opts.Client.GetPreview(fctx, t.dev, t.channel, device.PreviewOptions{
		Resolution: s.opts.Resolution,
		KeepAspect: true,
		Format:     s.opts.Format,
	})
	if err != nil {
		return err
	}
	return s.writeFrame(t, s.reencode(raw))
}

// reencode normalises the frame to a clean JPEG at the configured quality.
// Frames that do not decode are written through as-is.
func (s *Service) reencode(raw []byte) []byte {
	if s.opts.Format != "jpg" && s.opts.Format != "jpeg" {
		return raw
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		return raw
	}
	return buf.Bytes()
}

// writeFrame lands the frame atomically: temp file in the same directory,
// then rename, so readers never observe a partial image.
func (s *Service) writeFrame(t *target, data []byte) error {
	path := s.ImagePath(t.dev.Address, t.channel)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".frame-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// writePlaceholder installs the stand-in frame only when no real frame is
// cached, so a transient failure never clobbers the last good image.
func (s *Service) writePlaceholder(t *target) {
	path := s.ImagePath(t.dev.Address, t.channel)
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := s.writeFrame(t, s.placeholder); err != nil {
		s.log.Debug().Err(err).Str("device", t.dev.Address).Msg("placeholder write failed")
	}
}

// removeFrame deletes the cached frame after its loop stopped and prunes
// the device directory if that emptied it. Remove fails on a non-empty
// directory, which is the wanted behaviour.
func (s *Service) removeFrame(addr string, channel int) {
	path := s.ImagePath(addr, channel)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Debug().Err(err).Str("path", path).Msg("frame removal failed")
		return
	}
	os.Remove(filepath.Dir(path))
}

// safeSegment keeps device addresses usable as directory names.
func safeSegment(addr string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, addr)
}

// renderPlaceholder draws the "no signal" frame served before the first
// real fetch lands.
func renderPlaceholder(quality int) []byte {
	const w, h = 320, 180
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{R: 0x2b, G: 0x2b, B: 0x2e, A: 0xff}
	bar := color.RGBA{R: 0x4a, G: 0x4a, B: 0x50, A: 0xff}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y > h/2-2 && y < h/2+2 {
				img.Set(x, y, bar)
			} else {
				img.Set(x, y, bg)
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil
	}
	return buf.Bytes()
}
