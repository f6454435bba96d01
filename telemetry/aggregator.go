// Package telemetry buffers high-frequency vehicle position reports and emits
// them as periodic batches. The buffer is latest-wins per vehicle: within one
// flush window only the newest point for each vehicle survives. A wall-clock
// ticker drives flushes; registered listeners receive each batch synchronously
// and in emission order.
package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// MinInterval and MaxInterval bound the flush period. SetInterval calls
	// outside this range are ignored without error; callers confirm by reading
	// Interval() back.
	MinInterval = 100 * time.Millisecond
	MaxInterval = 60 * time.Second

	// DefaultInterval is the flush period used when the owner doesn't configure one.
	DefaultInterval = time.Second

	// maxPending bounds the kept-batch queue. Batches beyond it evict the
	// oldest; the queue exists for introspection only, not delivery.
	maxPending = 20
)

// Listener receives each emitted batch. Listeners run synchronously on the
// flush path and must not block; a panicking listener is recovered and logged
// without affecting the others.
type Listener func(Batch)

// Aggregator coalesces points into time-windowed batches.
// All methods are safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger

	mu       sync.Mutex
	buffer   map[string]Point // vehicle ID → latest point this window
	order    []string         // vehicle IDs in first-insertion order
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	running  bool

	listeners []Listener
	pending   []Batch

	totalBatches int64
	totalPoints  int64
}

// Stats is a snapshot of aggregator counters.
type Stats struct {
	TotalBatches     int64         `json:"total_batches"`
	TotalPoints      int64         `json:"total_points"`
	BufferedVehicles int           `json:"buffered_vehicles"`
	PendingBatches   int           `json:"pending_batches"`
	FlushInterval    time.Duration `json:"flush_interval"`
}

// NewAggregator returns a stopped aggregator flushing every interval.
// An out-of-range interval falls back to DefaultInterval.
func NewAggregator(interval time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval < MinInterval || interval > MaxInterval {
		interval = DefaultInterval
	}
	return &Aggregator{
		logger:   logger,
		buffer:   make(map[string]Point),
		interval: interval,
	}
}

// AddListener registers fn for every future batch. Not removable; listeners
// are registered once at startup.
func (a *Aggregator) AddListener(fn Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// AddPoint buffers p, overwriting any earlier point for the same vehicle in
// this window. No validation happens here; admission control is the
// orchestrator's job.
func (a *Aggregator) AddPoint(p Point) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, buffered := a.buffer[p.VehicleID]; !buffered {
		a.order = append(a.order, p.VehicleID)
	}
	a.buffer[p.VehicleID] = p
}

// Start launches the flush timer. Safe to call once; the owner controls
// lifecycle explicitly rather than the constructor starting goroutines.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.ticker = time.NewTicker(a.interval)
	a.done = make(chan struct{})
	go a.flushLoop(a.ticker, a.done)
}

func (a *Aggregator) flushLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			a.Flush()
		case <-done:
			return
		}
	}
}

// Stop halts the flush timer. Buffered points stay buffered; callers wanting
// them should DrainAllPending first.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.ticker.Stop()
	close(a.done)
}

// SetInterval changes the flush period. Out-of-range values are ignored with
// no state change and no error; the effective value is readable via Interval.
// When running, the ticker restarts on the new period.
func (a *Aggregator) SetInterval(d time.Duration) {
	if d < MinInterval || d > MaxInterval {
		a.logger.Warn("ignoring out-of-range flush interval", "interval", d)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.interval = d
	if a.running {
		a.ticker.Stop()
		close(a.done)
		a.ticker = time.NewTicker(d)
		a.done = make(chan struct{})
		go a.flushLoop(a.ticker, a.done)
	}
}

// Interval reports the effective flush period.
func (a *Aggregator) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}

// Flush converts the current buffer into a batch and hands it to every
// listener. An empty buffer is a no-op: no batch, no listener calls.
// Returns the emitted batch and whether one was emitted.
func (a *Aggregator) Flush() (Batch, bool) {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return Batch{}, false
	}

	points := make([]Point, 0, len(a.order))
	for _, vid := range a.order {
		points = append(points, a.buffer[vid])
	}
	batch := Batch{
		ID:        newBatchID(),
		StartTime: points[0].Timestamp,
		EndTime:   points[0].Timestamp,
		EmittedAt: time.Now().UnixMilli(),
		Points:    points,
		Count:     len(points),
	}
	for _, p := range points[1:] {
		if p.Timestamp < batch.StartTime {
			batch.StartTime = p.Timestamp
		}
		if p.Timestamp > batch.EndTime {
			batch.EndTime = p.Timestamp
		}
	}

	a.buffer = make(map[string]Point)
	a.order = a.order[:0]

	a.pending = append(a.pending, batch)
	if len(a.pending) > maxPending {
		a.pending = a.pending[len(a.pending)-maxPending:]
	}
	a.totalBatches++
	a.totalPoints += int64(batch.Count)

	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	// Listeners run outside the lock, synchronously and in registration order
	// so batch emission order is preserved downstream.
	for i, fn := range listeners {
		a.invoke(i, fn, batch)
	}
	return batch, true
}

// invoke runs one listener inside its own recover scope so a failing listener
// cannot stop the rest of the cycle or corrupt aggregator state.
func (a *Aggregator) invoke(i int, fn Listener, batch Batch) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("batch listener panicked",
				"listener", i, "batch_id", batch.ID, "panic", r)
		}
	}()
	fn(batch)
}

// DrainAllPending forces an immediate flush of whatever is buffered now and
// returns it as a zero- or one-element slice. Used for shutdown and
// flush-before-read semantics.
func (a *Aggregator) DrainAllPending() []Batch {
	if batch, ok := a.Flush(); ok {
		return []Batch{batch}
	}
	return []Batch{}
}

// Pending returns a copy of the bounded kept-batch queue, newest last.
func (a *Aggregator) Pending() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Batch, len(a.pending))
	copy(out, a.pending)
	return out
}

// Stats returns current counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalBatches:     a.totalBatches,
		TotalPoints:      a.totalPoints,
		BufferedVehicles: len(a.buffer),
		PendingBatches:   len(a.pending),
		FlushInterval:    a.interval,
	}
}
