package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/diff"
	"github.com/snarg/fleet-engine/internal/metrics"
)

// Archive is the durable side of the catch-up log. *database.DB implements
// it; failures there never block the real-time path.
type Archive interface {
	InsertEvent(ctx context.Context, e Event) error
	DeleteExpiredEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

type dedupEntry struct {
	hash string
	at   time.Time
}

// Store is the source-side event log: a bounded ring per subscription key
// with TTL expiry for reconnect catch-up, and producer-side suppression of
// exact (key, change_hash) duplicates within a short window.
//
// Deduplication lives here and only here. The fan-out path stays stateless
// and cache-free; live data is always delivered once an event is accepted.
type Store struct {
	mu    sync.Mutex
	rings map[string]*keyRing
	dedup map[string]dedupEntry

	ringSize int
	ttl      time.Duration
	window   time.Duration

	archive Archive
	seq     atomic.Uint64
	log     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type StoreOptions struct {
	RingSize    int           // per-key ring capacity (default 100)
	TTL         time.Duration // catch-up retention (default 30s)
	DedupWindow time.Duration // duplicate suppression window (default 2s)
	Archive     Archive       // optional
	Log         zerolog.Logger
}

func NewStore(opts StoreOptions) *Store {
	if opts.RingSize <= 0 {
		opts.RingSize = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 2 * time.Second
	}
	return &Store{
		rings:    make(map[string]*keyRing),
		dedup:    make(map[string]dedupEntry),
		ringSize: opts.RingSize,
		ttl:      opts.TTL,
		window:   opts.DedupWindow,
		archive:  opts.Archive,
		log:      opts.Log.With().Str("component", "event-store").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic expiry sweep.
func (s *Store) Start() {
	go s.sweepLoop()
}

func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Accept validates and ingests one event. It assigns created_at and the
// event id, computes the change hash when the producer didn't, and returns
// (event, true) when the event should fan out. Exact (key, change_hash)
// duplicates inside the dedup window return (_, false).
func (s *Store) Accept(e Event) (Event, bool, error) {
	if !ValidType(e.Type) {
		return Event{}, false, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Device == "" {
		return Event{}, false, fmt.Errorf("event missing device")
	}
	if len(e.Data) == 0 {
		return Event{}, false, fmt.Errorf("event missing data")
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("%d-%d", now.UnixMilli(), s.seq.Add(1))
	}
	if e.ChangeHash == "" {
		e.ChangeHash = diff.ChangeHash(e.Type, e.Device, e.Channel, e.Publisher, e.Data)
	}

	key := e.Key()

	s.mu.Lock()
	if prev, ok := s.dedup[key]; ok && prev.hash == e.ChangeHash && now.Sub(prev.at) < s.window {
		s.mu.Unlock()
		metrics.EventsDeduplicatedTotal.Inc()
		return e, false, nil
	}
	s.dedup[key] = dedupEntry{hash: e.ChangeHash, at: now}

	ring, ok := s.rings[key]
	if !ok {
		ring = newKeyRing(s.ringSize)
		s.rings[key] = ring
	}
	ring.add(e)
	s.mu.Unlock()

	metrics.EventsAcceptedTotal.WithLabelValues(e.Type).Inc()

	// Archive best-effort off the hot path. The ring already holds the
	// event; a DB failure only costs restart catch-up.
	if s.archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.archive.InsertEvent(ctx, e); err != nil {
				s.log.Warn().Err(err).Str("key", key).Msg("event archive insert failed")
			}
		}()
	}

	return e, true, nil
}

// CatchUp returns retained, unexpired events for exactly one key, oldest
// first. Used when a client (re)subscribes.
func (s *Store) CatchUp(key string) []Event {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[key]
	if !ok {
		return nil
	}
	return ring.since(cutoff)
}

// LatestForDevice returns the newest retained event per key for one device
// address, across all types.
func (s *Store) LatestForDevice(deviceAddr string) []Event {
	return s.latestMatching(func(key string) bool {
		_, addr, _, _, err := ParseKey(key)
		return err == nil && addr == deviceAddr
	})
}

// LatestForChannel returns the newest retained event per key for one
// (device, channel).
func (s *Store) LatestForChannel(deviceAddr string, channel int) []Event {
	return s.latestMatching(func(key string) bool {
		_, addr, ch, _, err := ParseKey(key)
		return err == nil && addr == deviceAddr && ch != nil && *ch == channel
	})
}

// Latest returns the newest retained event for every key.
func (s *Store) Latest() []Event {
	return s.latestMatching(func(string) bool { return true })
}

func (s *Store) latestMatching(match func(key string) bool) []Event {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for key, ring := range s.rings {
		if !match(key) {
			continue
		}
		if e, ok := ring.newest(cutoff); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) sweepLoop() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops expired ring entries, empty rings, stale dedup entries, and
// expired archive rows.
func (s *Store) sweep() {
	now := time.Now()
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	for key, ring := range s.rings {
		ring.expire(cutoff)
		if ring.empty() {
			delete(s.rings, key)
		}
	}
	for key, entry := range s.dedup {
		if now.Sub(entry.at) > s.window {
			delete(s.dedup, key)
		}
	}
	keys := len(s.rings)
	s.mu.Unlock()

	metrics.EventRingKeys.Set(float64(keys))

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n, err := s.archive.DeleteExpiredEvents(ctx, cutoff); err != nil {
			s.log.Warn().Err(err).Msg("event cache sweep failed")
		} else if n > 0 {
			s.log.Debug().Int64("deleted", n).Msg("swept expired cached events")
		}
	}
}

// keyRing is a fixed-size ring of events for one subscription key.
type keyRing struct {
	buf   []Event
	head  int // next write position
	count int
}

func newKeyRing(size int) *keyRing {
	return &keyRing{buf: make([]Event, size)}
}

func (r *keyRing) add(e Event) {
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// since returns unexpired entries oldest-first.
func (r *keyRing) since(cutoff time.Time) []Event {
	var out []Event
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		e := r.buf[(start+i)%len(r.buf)]
		if e.CreatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// newest returns the most recent unexpired entry.
func (r *keyRing) newest(cutoff time.Time) (Event, bool) {
	if r.count == 0 {
		return Event{}, false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	e := r.buf[idx]
	if !e.CreatedAt.After(cutoff) {
		return Event{}, false
	}
	return e, true
}

// expire rewrites the ring keeping only unexpired entries.
func (r *keyRing) expire(cutoff time.Time) {
	kept := r.since(cutoff)
	r.head = 0
	r.count = 0
	for i := range r.buf {
		r.buf[i] = Event{}
	}
	for _, e := range kept {
		r.add(e)
	}
}

func (r *keyRing) empty() bool { return r.count == 0 }
