package poller

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/snarg/fleet-engine/internal/database"
	"github.com/snarg/fleet-engine/internal/device"
	"github.com/snarg/fleet-engine/internal/diff"
	"github.com/snarg/fleet-engine/internal/events"
	"github.com/snarg/fleet-engine/internal/metrics"
)

const (
	deviceOnline = "online"
	deviceError  = "error"

	tickTimeout  = 45 * time.Second
	writeTimeout = 10 * time.Second
	emitTimeout  = 5 * time.Second
)

// snapshots holds the last observed value per shape for one device. The
// change detector compares against these to gate database writes; event
// emission never consults them.
type snapshots struct {
	channels     []device.Channel
	channelsDiff any
	publishers   map[int]any
	names        map[int]map[string]string
	recorders    any
	identity     any
	liveness     any
}

func newSnapshots() snapshots {
	return snapshots{
		publishers: make(map[int]any),
		names:      make(map[int]map[string]string),
	}
}

// deviceLoop runs the three polling tiers for one device. The fast tier is
// timer-driven so the consecutive-error backoff can stretch its cadence;
// medium and slow are plain tickers. Each tier runs its ticks serially.
type deviceLoop struct {
	p   *Poller
	dev device.Device
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	fastPoke   chan struct{}
	mediumPoke chan struct{}
	slowPoke   chan struct{}

	mu       sync.Mutex
	snap     snapshots
	errCount int
	state    string
	lastSeen time.Time
}

func newDeviceLoop(p *Poller, dev device.Device) *deviceLoop {
	ctx, cancel := context.WithCancel(p.ctx)
	return &deviceLoop{
		p:          p,
		dev:        dev,
		log:        p.log.With().Str("device", dev.Address).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		fastPoke:   make(chan struct{}, 1),
		mediumPoke: make(chan struct{}, 1),
		slowPoke:   make(chan struct{}, 1),
		snap:       newSnapshots(),
	}
}

func (l *deviceLoop) start() {
	l.p.wg.Add(1)
	go l.run()
}

func (l *deviceLoop) stop() {
	l.once.Do(l.cancel)
}

// poke requests an immediate poll on every tier. Non-blocking: a pending
// poke already covers the request.
func (l *deviceLoop) poke() {
	for _, ch := range []chan struct{}{l.fastPoke, l.mediumPoke, l.slowPoke} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *deviceLoop) clearSnapshots() {
	l.mu.Lock()
	l.snap = newSnapshots()
	l.mu.Unlock()
	l.log.Info().Msg("snapshots cleared, next polls act as first-seen")
}

func (l *deviceLoop) status() DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return DeviceStatus{
		DeviceID:   l.dev.ID,
		Address:    l.dev.Address,
		Status:     l.state,
		ErrorCount: l.errCount,
		LastSeen:   l.lastSeen,
	}
}

func (l *deviceLoop) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errCount
}

func (l *deviceLoop) channelSnapshot() []device.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]device.Channel, len(l.snap.channels))
	copy(out, l.snap.channels)
	return out
}

// run primes medium then slow then fast once, so the fast tier starts with
// a channel list, then hands each tier its own goroutine.
func (l *deviceLoop) run() {
	defer l.p.wg.Done()

	for _, t := range []struct {
		tier string
		tick func(context.Context) error
	}{
		{"medium", l.mediumTick},
		{"slow", l.slowTick},
		{"fast", l.fastTick},
	} {
		if l.ctx.Err() != nil {
			return
		}
		l.runTick(t.tier, t.tick)
	}

	l.p.wg.Add(3)
	go l.fastLoop()
	go l.tickerLoop("medium", l.p.opts.MediumInterval, l.mediumPoke, l.mediumTick)
	go l.tickerLoop("slow", l.p.opts.SlowInterval, l.slowPoke, l.slowTick)
}

func (l *deviceLoop) fastLoop() {
	defer l.p.wg.Done()
	for {
		delay := l.p.opts.Backoff.Delay(l.errorCount(), l.p.opts.FastInterval)
		timer := time.NewTimer(delay)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-l.fastPoke:
			timer.Stop()
		}
		l.runTick("fast", l.fastTick)
	}
}

func (l *deviceLoop) tickerLoop(tier string, interval time.Duration, poke chan struct{}, tick func(context.Context) error) {
	defer l.p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		case <-poke:
		}
		l.runTick(tier, tick)

		// A tick that overran the interval leaves a fire pending; drop it
		// instead of polling back to back.
		select {
		case <-ticker.C:
			metrics.PollSkipsTotal.WithLabelValues(tier).Inc()
			l.log.Debug().Str("tier", tier).Msg("tick overran interval, skipping next fire")
		default:
		}
	}
}

func (l *deviceLoop) runTick(tier string, tick func(context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(l.ctx, tickTimeout)
	err := tick(ctx)
	cancel()

	metrics.PollDuration.WithLabelValues(tier).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PollsTotal.WithLabelValues(tier, result).Inc()
}

// fastTick fetches publisher status for every known channel plus recorder
// status, all concurrently, and waits for every fetch to settle. The tick
// fails only when every fetch failed; partial results are applied.
func (l *deviceLoop) fastTick(ctx context.Context) error {
	channels := l.channelSnapshot()

	type pubResult struct {
		channel int
		status  []device.PublisherStatus
		err     error
	}
	results := make([]pubResult, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i, channel int) {
			defer wg.Done()
			st, err := l.p.opts.Client.GetPublisherStatus(ctx, l.dev, channel)
			results[i] = pubResult{channel: channel, status: st, err: err}
		}(i, int(ch.ID))
	}

	var recorders []device.RecorderStatus
	var recErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorders, recErr = l.p.opts.Client.GetRecorderStatus(ctx, l.dev)
	}()
	wg.Wait()

	var firstErr error
	anyOK := recErr == nil
	if recErr != nil {
		firstErr = recErr
	}
	for _, r := range results {
		if r.err == nil {
			anyOK = true
			continue
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}

	for _, r := range results {
		if r.err != nil {
			l.log.Debug().Err(r.err).Int("channel", r.channel).Msg("publisher status fetch failed")
			continue
		}
		l.applyPublisherStatus(ctx, r.channel, r.status)
	}
	if recErr == nil {
		l.applyRecorders(ctx, recorders)
	} else {
		l.log.Debug().Err(recErr).Msg("recorder status fetch failed")
	}

	l.applyLiveness(ctx, anyOK, firstErr)
	if !anyOK {
		return firstErr
	}
	return nil
}

func (l *deviceLoop) applyPublisherStatus(ctx context.Context, channel int, status []device.PublisherStatus) {
	l.mu.Lock()
	outcome := diff.Compare(l.snap.publishers[channel], status)
	l.snap.publishers[channel] = status
	l.mu.Unlock()

	if outcome != diff.Unchanged {
		rows := make([]database.PublisherStateRow, 0, len(status))
		for _, ps := range status {
			rows = append(rows, database.PublisherStateRow{
				DeviceID:     l.dev.ID,
				ChannelID:    channel,
				PublisherID:  string(ps.ID),
				Type:         ps.Type,
				IsConfigured: ps.Status.IsConfigured,
				Started:      ps.Status.Started,
				State:        ps.Status.State,
			})
		}
		l.write(ctx, "publisher_states", func(ctx context.Context) error {
			return l.p.opts.Store.UpsertPublisherStates(ctx, rows)
		})
	}

	for _, ps := range status {
		ch := channel
		pub := string(ps.ID)
		l.emit(ctx, events.TypePublisherStatus, &ch, &pub, publisherStatusPayload{
			ID:           pub,
			Type:         ps.Type,
			State:        ps.Status.State,
			Started:      ps.Status.Started,
			IsConfigured: ps.Status.IsConfigured,
		})
	}
}

func (l *deviceLoop) applyRecorders(ctx context.Context, recorders []device.RecorderStatus) {
	l.mu.Lock()
	outcome := diff.Compare(l.snap.recorders, recorders)
	l.snap.recorders = recorders
	l.mu.Unlock()

	if outcome != diff.Unchanged {
		rows := make([]database.RecorderStateRow, 0, len(recorders))
		for _, r := range recorders {
			rows = append(rows, database.RecorderStateRow{
				DeviceID:    l.dev.ID,
				RecorderID:  string(r.ID),
				Name:        r.Name,
				State:       r.Status.State,
				Description: r.Status.Description,
				Duration:    r.Status.Duration,
				Active:      r.Status.Active,
				Total:       r.Status.Total,
				Multisource: r.Multisource,
			})
		}
		l.write(ctx, "recorder_states", func(ctx context.Context) error {
			return l.p.opts.Store.UpsertRecorderStates(ctx, rows)
		})
	}

	payload := make([]recorderPayload, 0, len(recorders))
	for _, r := range recorders {
		payload = append(payload, recorderPayload{
			ID:          string(r.ID),
			Name:        r.Name,
			State:       r.Status.State,
			Description: r.Status.Description,
			Duration:    r.Status.Duration,
			Active:      r.Status.Active,
			Total:       r.Status.Total,
			Multisource: r.Multisource,
		})
	}
	l.emit(ctx, events.TypeRecorderStatus, nil, nil, recordersPayload{Recorders: payload})
}

// applyLiveness updates the error counter and liveness row. The database
// write is gated on (status, error count) transitions; last_seen rides on
// those writes. The health event goes out every fast tick regardless.
func (l *deviceLoop) applyLiveness(ctx context.Context, ok bool, tickErr error) {
	l.mu.Lock()
	if ok {
		l.errCount = 0
		l.state = deviceOnline
		l.lastSeen = time.Now().UTC()
	} else {
		l.errCount++
		l.state = deviceError
	}
	gate := livenessGate{Status: l.state, ErrorCount: l.errCount}
	outcome := diff.Compare(l.snap.liveness, gate)
	l.snap.liveness = gate

	row := database.DeviceStateRow{
		DeviceID:   l.dev.ID,
		Status:     l.state,
		ErrorCount: l.errCount,
		LastSeen:   l.lastSeen,
	}
	if tickErr != nil {
		row.LastError = tickErr.Error()
	}
	state := l.state
	errCount := l.errCount
	lastSeen := l.lastSeen
	l.mu.Unlock()

	if outcome != diff.Unchanged {
		l.write(ctx, "device_states", func(ctx context.Context) error {
			return l.p.opts.Store.UpsertDeviceState(ctx, row)
		})
		if !ok && errCount == 1 {
			l.log.Warn().Err(tickErr).Msg("device unreachable")
		} else if ok && outcome == diff.Changed {
			l.log.Info().Msg("device recovered")
		}
	}

	data := healthPayload{DeviceID: l.dev.ID, Status: state}
	if !lastSeen.IsZero() {
		data.LastSeen = lastSeen.Format(time.RFC3339)
	}
	if !ok {
		data.Error = row.LastError
		data.ErrorCount = errCount
	}
	l.emit(ctx, events.TypeDeviceHealth, nil, nil, data)
}

// mediumTick refreshes the channel topology and publisher display names.
func (l *deviceLoop) mediumTick(ctx context.Context) error {
	channels, err := l.p.opts.Client.GetChannels(ctx, l.dev)
	if err != nil {
		l.log.Debug().Err(err).Msg("channel listing fetch failed")
		return err
	}

	l.mu.Lock()
	outcome := diff.Compare(l.snap.channelsDiff, channels)
	l.snap.channels = channels
	l.snap.channelsDiff = channels
	l.mu.Unlock()

	if outcome != diff.Unchanged {
		blob, merr := json.Marshal(channels)
		if merr == nil {
			l.write(ctx, "device_states", func(ctx context.Context) error {
				return l.p.opts.Store.UpdateDeviceChannels(ctx, l.dev.ID, blob)
			})
		} else {
			l.log.Error().Err(merr).Msg("channel snapshot marshal failed")
		}
	}
	l.emit(ctx, events.TypeDeviceChannels, nil, nil, channelsPayload{
		Channels:      channels,
		ChannelsCount: len(channels),
	})

	l.refreshPublisherNames(ctx, channels)
	return nil
}

// refreshPublisherNames resolves display names for every publisher in the
// listing. Name lookups never fail (the client synthesises a fallback), so
// this only stops early on context cancellation.
func (l *deviceLoop) refreshPublisherNames(ctx context.Context, channels []device.Channel) {
	for _, ch := range channels {
		if ctx.Err() != nil {
			return
		}
		channel := int(ch.ID)
		names := make(map[string]string, len(ch.Publishers))

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, pub := range ch.Publishers {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				name := l.p.opts.Client.GetPublisherName(ctx, l.dev, channel, id)
				mu.Lock()
				names[id] = name
				mu.Unlock()
			}(string(pub.ID))
		}
		wg.Wait()

		l.mu.Lock()
		prev, seen := l.snap.names[channel]
		l.snap.names[channel] = names
		l.mu.Unlock()

		if !seen || !diff.Equal(prev, names) {
			for id, name := range names {
				if seen && prev[id] == name {
					continue
				}
				l.write(ctx, "publisher_states", func(ctx context.Context) error {
					return l.p.opts.Store.UpdatePublisherName(ctx, l.dev.ID, channel, id, name)
				})
			}
		}
		l.emit(ctx, events.TypePublisherNames, &channel, nil, namesPayload{Names: names})
	}
}

// slowTick fetches system identity and system status concurrently. Status
// samples are appended every tick; identity writes are change-gated.
func (l *deviceLoop) slowTick(ctx context.Context) error {
	var wg sync.WaitGroup
	var ident device.Identity
	var identErr error
	var status device.Status
	var statusErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		ident, identErr = l.p.opts.Client.GetSystemIdentity(ctx, l.dev)
	}()
	go func() {
		defer wg.Done()
		status, statusErr = l.p.opts.Client.GetSystemStatus(ctx, l.dev)
	}()
	wg.Wait()

	if identErr == nil {
		l.applyIdentity(ctx, ident)
	} else {
		l.log.Debug().Err(identErr).Msg("system identity fetch failed")
	}
	if statusErr == nil {
		l.applySystemStatus(ctx, status)
	} else {
		l.log.Debug().Err(statusErr).Msg("system status fetch failed")
	}

	if identErr != nil && statusErr != nil {
		return identErr
	}
	return nil
}

func (l *deviceLoop) applyIdentity(ctx context.Context, ident device.Identity) {
	l.mu.Lock()
	outcome := diff.Compare(l.snap.identity, ident)
	l.snap.identity = ident
	l.mu.Unlock()

	if outcome != diff.Unchanged {
		l.write(ctx, "device_identity", func(ctx context.Context) error {
			return l.p.opts.Store.UpsertDeviceIdentity(ctx, database.IdentityRow{
				DeviceID:    l.dev.ID,
				Name:        ident.Name,
				Location:    ident.Location,
				Description: ident.Description,
			})
		})
	}
	l.emit(ctx, events.TypeSystemIdentity, nil, nil, ident)
}

func (l *deviceLoop) applySystemStatus(ctx context.Context, status device.Status) {
	l.p.statusBatcher.add(database.SystemStatusRow{
		DeviceID:         l.dev.ID,
		Uptime:           status.Uptime,
		CPULoad:          status.CPULoad,
		CPULoadHigh:      status.CPULoadHigh,
		CPUTemp:          status.CPUTemp,
		CPUTempThreshold: status.CPUTempThreshold,
		Time:             time.Now().UTC(),
	})
	metrics.StateWritesTotal.WithLabelValues("system_status").Inc()

	// The device clock ticks on every poll; hash the date-stripped
	// snapshot so the store's dedup window can still recognise an
	// otherwise identical sample.
	hash := diff.ChangeHash(events.TypeSystemStatus, l.dev.Address, nil, nil, diff.StatusForCompare(status))
	l.emitWithHash(ctx, events.TypeSystemStatus, nil, nil, status, hash)
}

// emit synthesises one event and hands it to the sink synchronously, so
// successive snapshots of the same key reach the store in order. The store
// fills in id, hash, and timestamps.
func (l *deviceLoop) emit(ctx context.Context, eventType string, channel *int, publisher *string, data any) {
	l.emitWithHash(ctx, eventType, channel, publisher, data, "")
}

// emitWithHash is emit with a producer-supplied change hash, for payloads
// whose raw bytes carry volatile fields the dedup hash must ignore.
func (l *deviceLoop) emitWithHash(ctx context.Context, eventType string, channel *int, publisher *string, data any, hash string) {
	raw, err := json.Marshal(data)
	if err != nil {
		l.log.Error().Err(err).Str("type", eventType).Msg("event payload marshal failed")
		return
	}
	e := events.Event{
		Type:       eventType,
		Device:     l.dev.Address,
		Channel:    channel,
		Publisher:  publisher,
		Data:       raw,
		ChangeHash: hash,
		Timestamp:  time.Now().UTC(),
	}

	sctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	if err := l.p.opts.Sink.Submit(sctx, e); err != nil {
		l.log.Warn().Err(err).Str("type", eventType).Msg("event submit failed")
	}
}

func (l *deviceLoop) write(ctx context.Context, table string, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := fn(wctx); err != nil {
		l.log.Error().Err(err).Str("table", table).Msg("state write failed")
		return
	}
	metrics.StateWritesTotal.WithLabelValues(table).Inc()
}

type livenessGate struct {
	Status     string `json:"status"`
	ErrorCount int    `json:"error_count"`
}

type healthPayload struct {
	DeviceID   int    `json:"device_id"`
	Status     string `json:"status"`
	LastSeen   string `json:"last_seen,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCount int    `json:"error_count,omitempty"`
}

type publisherStatusPayload struct {
	ID           string `json:"id"`
	Type         string `json:"type,omitempty"`
	State        string `json:"state"`
	Started      bool   `json:"started"`
	IsConfigured bool   `json:"is_configured"`
}

type recorderPayload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	State       string  `json:"state"`
	Description string  `json:"description,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
	Active      int     `json:"active,omitempty"`
	Total       int     `json:"total,omitempty"`
	Multisource bool    `json:"multisource,omitempty"`
}

type recordersPayload struct {
	Recorders []recorderPayload `json:"recorders"`
}

type channelsPayload struct {
	Channels      []device.Channel `json:"channels"`
	ChannelsCount int              `json:"channels_count"`
}

type namesPayload struct {
	Names map[string]string `json:"names"`
}
