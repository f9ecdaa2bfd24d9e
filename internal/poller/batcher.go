package poller

import (
	"sync"
	"time"

	"github.com/snarg/fleet-engine/internal/database"
)

// statusBatcher coalesces system status samples from every device loop
// into batch inserts: flush on size or on the interval, whichever first.
type statusBatcher struct {
	size     int
	interval time.Duration
	flush    func([]database.SystemStatusRow)

	mu      sync.Mutex
	pending []database.SystemStatusRow

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newStatusBatcher(size int, interval time.Duration, flush func([]database.SystemStatusRow)) *statusBatcher {
	b := &statusBatcher{
		size:     size,
		interval: interval,
		flush:    flush,
		pending:  make([]database.SystemStatusRow, 0, size),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *statusBatcher) add(row database.SystemStatusRow) {
	b.mu.Lock()
	b.pending = append(b.pending, row)
	full := len(b.pending) >= b.size
	b.mu.Unlock()
	if full {
		b.flushPending()
	}
}

func (b *statusBatcher) flushPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make([]database.SystemStatusRow, 0, b.size)
	b.mu.Unlock()

	b.flush(batch)
}

func (b *statusBatcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.flushPending()
			return
		case <-ticker.C:
			b.flushPending()
		}
	}
}

// stop flushes whatever is pending and waits for the loop to exit.
func (b *statusBatcher) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
}
