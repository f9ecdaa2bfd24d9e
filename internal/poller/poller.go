// Package poller drives the tiered polling of every device on the roster:
// three independent cadences per device (fast/medium/slow), change-gated
// state writes, and unconditional event emission to the bus.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/database"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/events"
	"github.com/snarg/fleet-engine/internal/metrics"
)

// StateStore is the slice of the database the poller writes. *database.DB
// implements it; tests substitute a fake.
type StateStore interface {
	UpsertDeviceState(ctx context.Context, r database.DeviceStateRow) error
	UpdateDeviceChannels(ctx context.Context, deviceID int, channelsData []byte) error
	UpsertPublisherStates(ctx context.Context, rows []database.PublisherStateRow) error
	UpdatePublisherName(ctx context.Context, deviceID, channelID int, publisherID, name string) error
	UpsertRecorderStates(ctx context.Context, rows []database.RecorderStateRow) error
	UpsertDeviceIdentity(ctx context.Context, r database.IdentityRow) error
	InsertSystemStatuses(ctx context.Context, rows []database.SystemStatusRow) (int64, error)
	PurgeSystemStatus(ctx context.Context, retention time.Duration) (int64, error)
}

// Roster lists the devices the poller should be watching.
type Roster interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
}

// EventSink receives every synthesised event. Submission failures are
// logged and not retried; the next tick re-emits current truth.
type EventSink interface {
	Submit(ctx context.Context, e events.Event) error
}

type Options struct {
	Client *device.Client
	Store  StateStore
	Roster Roster
	Sink   EventSink

	FastInterval   time.Duration
	MediumInterval time.Duration
	SlowInterval   time.Duration

	Backoff Backoff

	ReconcileInterval     time.Duration
	SystemStatusRetention time.Duration

	Log zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.FastInterval <= 0 {
		o.FastInterval = time.Second
	}
	if o.MediumInterval <= 0 {
		o.MediumInterval = 15 * time.Second
	}
	if o.SlowInterval <= 0 {
		o.SlowInterval = 30 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = o.FastInterval
	}
	if o.Backoff.Multiplier <= 1 {
		o.Backoff.Multiplier = 2
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 60 * time.Second
	}
	if o.Backoff.Threshold <= 0 {
		o.Backoff.Threshold = 10
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Minute
	}
	return o
}

// Poller owns one deviceLoop per roster entry and reconciles the set
// against the roster on a timer. At most one loop exists per device.
type Poller struct {
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	loops map[int]*deviceLoop

	statusBatcher *statusBatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Poller {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		opts:   opts,
		log:    opts.Log.With().Str("component", "poller").Logger(),
		loops:  make(map[int]*deviceLoop),
		ctx:    ctx,
		cancel: cancel,
	}
	p.statusBatcher = newStatusBatcher(100, 2*time.Second, p.flushSystemStatuses)
	return p
}

// Start performs the initial reconcile and begins the periodic sweeps.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.Reconcile(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.reconcileLoop()
	if p.opts.SystemStatusRetention > 0 {
		p.wg.Add(1)
		go p.retentionLoop()
	}
	p.log.Info().
		Dur("fast", p.opts.FastInterval).
		Dur("medium", p.opts.MediumInterval).
		Dur("slow", p.opts.SlowInterval).
		Msg("poller started")
	return nil
}

// Stop cancels every loop and flushes pending status rows.
func (p *Poller) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, l := range p.loops {
		l.stop()
	}
	p.loops = make(map[int]*deviceLoop)
	p.mu.Unlock()
	p.wg.Wait()
	p.statusBatcher.stop()
	metrics.DevicesPolled.Set(0)
	p.log.Info().Msg("poller stopped")
}

func (p *Poller) reconcileLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reconcile(p.ctx); err != nil {
				p.log.Error().Err(err).Msg("roster reconcile failed")
			}
		}
	}
}

// Reconcile reloads the roster: new devices get their three loops, removed
// devices are cancelled and their snapshots dropped, changed entries
// (address or credentials) restart.
func (p *Poller) Reconcile(ctx context.Context) error {
	devices, err := p.opts.Roster.ListDevices(ctx)
	if err != nil {
		return err
	}

	want := make(map[int]device.Device, len(devices))
	for _, d := range devices {
		want[d.ID] = d
	}

	p.mu.Lock()
	var started, stopped int
	for id, l := range p.loops {
		d, ok := want[id]
		if ok && d.Address == l.dev.Address && d.Username == l.dev.Username && d.Password == l.dev.Password {
			continue
		}
		l.stop()
		delete(p.loops, id)
		stopped++
	}
	for id, d := range want {
		if _, ok := p.loops[id]; ok {
			continue
		}
		l := newDeviceLoop(p, d)
		p.loops[id] = l
		l.start()
		started++
	}
	n := len(p.loops)
	p.mu.Unlock()

	metrics.DevicesPolled.Set(float64(n))
	if started > 0 || stopped > 0 {
		p.log.Info().Int("started", started).Int("stopped", stopped).Int("devices", n).Msg("roster reconciled")
	}
	return nil
}

// ForceRefresh pokes every tier of one device (or all devices when id is
// 0) for an immediate poll, bypassing the schedule but not the in-flight
// guard. Because emission is unconditional, the next poll re-publishes the
// current snapshot regardless of prior change hashes.
func (p *Poller) ForceRefresh(deviceID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deviceID == 0 {
		for _, l := range p.loops {
			l.poke()
		}
		return len(p.loops) > 0
	}
	l, ok := p.loops[deviceID]
	if ok {
		l.poke()
	}
	return ok
}

// ClearCache drops the detector snapshots for one device (or all), so the
// next polls act as first-seen and rewrite state.
func (p *Poller) ClearCache(deviceID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deviceID == 0 {
		for _, l := range p.loops {
			l.clearSnapshots()
		}
		return len(p.loops) > 0
	}
	l, ok := p.loops[deviceID]
	if ok {
		l.clearSnapshots()
	}
	return ok
}

// DeviceStatus is one row of the operational status snapshot.
type DeviceStatus struct {
	DeviceID   int       `json:"device_id"`
	Address    string    `json:"address"`
	Status     string    `json:"status"`
	ErrorCount int       `json:"error_count"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// Status reports the live state of every polling loop.
func (p *Poller) Status() []DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DeviceStatus, 0, len(p.loops))
	for _, l := range p.loops {
		out = append(out, l.status())
	}
	return out
}

func (p *Poller) flushSystemStatuses(rows []database.SystemStatusRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := p.opts.Store.InsertSystemStatuses(ctx, rows)
	if err != nil {
		p.log.Error().Err(err).Int("count", len(rows)).Msg("failed to flush system status rows")
		return
	}
	p.log.Debug().Int64("inserted", n).Msg("flushed system status rows")
}

// retentionLoop applies the operational system_status retention daily.
func (p *Poller) retentionLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 5*time.Minute)
			n, err := p.opts.Store.PurgeSystemStatus(ctx, p.opts.SystemStatusRetention)
			cancel()
			if err != nil {
				p.log.Warn().Err(err).Msg("system status purge failed")
			} else if n > 0 {
				p.log.Info().Int64("deleted", n).Msg("purged old system status rows")
			}
		}
	}
}
