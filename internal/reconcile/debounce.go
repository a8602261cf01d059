package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultWindow = 500 * time.Millisecond

// Debouncer coalesces bursts of sync requests into one Sync per device.
// This keeps concurrent claims from hammering the broker control channel;
// it is a throughput optimization only. Each flushed Sync is still fully
// idempotent, and callers that need the result call Sync directly.
type Debouncer struct {
	reconciler *Reconciler
	window     time.Duration
	timeout    time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

func NewDebouncer(r *Reconciler, window time.Duration) *Debouncer {
	if window <= 0 {
		window = defaultWindow
	}
	return &Debouncer{
		reconciler: r,
		window:     window,
		timeout:    30 * time.Second,
		pending:    make(map[string]struct{}),
	}
}

// Request schedules a sync for the device. Requests arriving within the
// window collapse into a single pass.
func (d *Debouncer) Request(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[address] = struct{}{}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.flush)
	}
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for address := range batch {
		if err := d.reconciler.Sync(ctx, address); err != nil {
			slog.Warn("Debounced sync failed", "address", address, "error", err)
		}
	}
}
