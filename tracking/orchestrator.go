// Package tracking coordinates the real-time telemetry pipeline: admission
// control on inbound points, batch enrichment via the directory cache, and
// handoff of each enriched batch to the transport layer's delivery callback.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/transitpulse/services/registry"
	"github.com/transitpulse/services/telemetry"
)

// Enricher decorates a point with directory display fields. Implementations
// must not fail: a lookup problem means returning the point unchanged.
// *directory.Cache is the production implementation.
type Enricher interface {
	Enrich(ctx context.Context, p telemetry.Point) telemetry.Point
}

// BatchReadyFunc is the transport layer's delivery callback, invoked once per
// emitted batch after enrichment. The transport computes per-connection
// subsets from it (see FanOut) and sends one message per connection.
type BatchReadyFunc func(telemetry.Batch)

// Config holds Orchestrator dependencies, injected by the owner at startup.
type Config struct {
	Aggregator *telemetry.Aggregator
	Enricher   Enricher
	Vehicles   *registry.Registry // vehicle-keyed subscriptions (telemetry fan-out)
	Routes     *registry.Registry // route-keyed subscriptions (trip events)
	OnBatch    BatchReadyFunc
	Logger     *slog.Logger
}

// Stats aggregates observability counters from the whole pipeline.
type Stats struct {
	PointsReceived     int64           `json:"points_received"`
	PointsRejected     int64           `json:"points_rejected"`
	Aggregator         telemetry.Stats `json:"aggregator"`
	VehicleSubscribers registry.Stats  `json:"vehicle_subscribers"`
	RouteSubscribers   registry.Stats  `json:"route_subscribers"`
}

// Orchestrator validates inbound telemetry and turns aggregator batches into
// enriched deliveries.
type Orchestrator struct {
	agg      *telemetry.Aggregator
	enricher Enricher
	vehicles *registry.Registry
	routes   *registry.Registry
	onBatch  BatchReadyFunc
	logger   *slog.Logger

	startOnce sync.Once
	received  atomic.Int64
	rejected  atomic.Int64
}

// New wires an Orchestrator. It does not register anything until Start.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		agg:      cfg.Aggregator,
		enricher: cfg.Enricher,
		vehicles: cfg.Vehicles,
		routes:   cfg.Routes,
		onBatch:  cfg.OnBatch,
		logger:   cfg.Logger,
	}
}

// Start registers the batch listener on the aggregator, exactly once.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		o.agg.AddListener(o.handleBatch)
	})
}

// ReceiveTelemetry admits one inbound point. Malformed points are dropped with
// a warning; nothing is surfaced to the transport, so a bad message never
// breaks the connection that sent it.
func (o *Orchestrator) ReceiveTelemetry(p telemetry.Point) {
	if err := Validate(p); err != nil {
		o.rejected.Add(1)
		o.logger.Warn("dropping invalid telemetry point",
			"vehicle_id", p.VehicleID, "err", err)
		return
	}
	o.received.Add(1)
	o.agg.AddPoint(p)
}

// handleBatch runs synchronously on the aggregator's flush path, so it only
// spawns the enrichment task: a slow directory upstream must never delay the
// next scheduled flush.
func (o *Orchestrator) handleBatch(b telemetry.Batch) {
	go o.enrichAndDeliver(b)
}

// enrichAndDeliver enriches every point concurrently, then invokes the
// delivery callback. Delivery is never skipped: any enrichment failure falls
// back to the original unenriched batch.
func (o *Orchestrator) enrichAndDeliver(b telemetry.Batch) {
	ctx := context.Background()
	enriched := make([]telemetry.Point, len(b.Points))

	var wg sync.WaitGroup
	for i, p := range b.Points {
		wg.Add(1)
		go func(i int, p telemetry.Point) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("point enrichment panicked, keeping raw point",
						"batch_id", b.ID, "vehicle_id", p.VehicleID, "panic", r)
					enriched[i] = p
				}
			}()
			enriched[i] = o.enricher.Enrich(ctx, p)
		}(i, p)
	}
	wg.Wait()

	out := b
	out.Points = enriched
	o.deliver(out)
}

// deliver invokes the transport callback inside a recover scope. A failing
// callback is logged and isolated; it cannot corrupt the pipeline.
func (o *Orchestrator) deliver(b telemetry.Batch) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("batch-ready callback panicked", "batch_id", b.ID, "panic", r)
		}
	}()
	o.onBatch(b)
}

// SubscribeVehicle subscribes connID to a vehicle's telemetry.
func (o *Orchestrator) SubscribeVehicle(vehicleID, connID string) bool {
	return o.vehicles.Subscribe(vehicleID, connID)
}

// UnsubscribeVehicle removes a vehicle subscription.
func (o *Orchestrator) UnsubscribeVehicle(vehicleID, connID string) bool {
	return o.vehicles.Unsubscribe(vehicleID, connID)
}

// SubscribeRoute subscribes connID to a route's trip events.
func (o *Orchestrator) SubscribeRoute(routeID, connID string) bool {
	return o.routes.Subscribe(routeID, connID)
}

// UnsubscribeRoute removes a route subscription.
func (o *Orchestrator) UnsubscribeRoute(routeID, connID string) bool {
	return o.routes.Unsubscribe(routeID, connID)
}

// RemoveClient sweeps every subscription held by connID in both registries.
// Called exactly once when the connection's lifecycle ends.
func (o *Orchestrator) RemoveClient(connID string) {
	vehicles := o.vehicles.RemoveConnection(connID)
	routes := o.routes.RemoveConnection(connID)
	if len(vehicles) > 0 || len(routes) > 0 {
		o.logger.Info("cleaned up disconnected client",
			"conn_id", connID,
			"vehicle_subscriptions", len(vehicles),
			"route_subscriptions", len(routes))
	}
}

// Stats snapshots pipeline counters for the diagnostics surface.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		PointsReceived:     o.received.Load(),
		PointsRejected:     o.rejected.Load(),
		Aggregator:         o.agg.Stats(),
		VehicleSubscribers: o.vehicles.Stats(),
		RouteSubscribers:   o.routes.Stats(),
	}
}
