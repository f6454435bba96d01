package tracking

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitpulse/services/registry"
	"github.com/transitpulse/services/telemetry"
)

// passthroughEnricher tags points so tests can tell enrichment ran.
type passthroughEnricher struct{}

func (passthroughEnricher) Enrich(_ context.Context, p telemetry.Point) telemetry.Point {
	p.FleetNumber = "enriched-" + p.VehicleID
	return p
}

// panickingEnricher simulates a directory cache blowing up mid-enrichment.
type panickingEnricher struct{}

func (panickingEnricher) Enrich(context.Context, telemetry.Point) telemetry.Point {
	panic("directory cache exploded")
}

type fixture struct {
	orch    *Orchestrator
	agg     *telemetry.Aggregator
	batches chan telemetry.Batch
}

func newFixture(t *testing.T, enricher Enricher) *fixture {
	t.Helper()
	agg := telemetry.NewAggregator(time.Second, slog.Default())
	batches := make(chan telemetry.Batch, 8)
	orch := New(Config{
		Aggregator: agg,
		Enricher:   enricher,
		Vehicles:   registry.New(),
		Routes:     registry.New(),
		OnBatch:    func(b telemetry.Batch) { batches <- b },
		Logger:     slog.Default(),
	})
	orch.Start()
	return &fixture{orch: orch, agg: agg, batches: batches}
}

func (f *fixture) waitBatch(t *testing.T) telemetry.Batch {
	t.Helper()
	select {
	case b := <-f.batches:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("batch-ready callback never fired")
		return telemetry.Batch{}
	}
}

func TestReceiveTelemetryForwardsValidPoints(t *testing.T) {
	f := newFixture(t, passthroughEnricher{})

	f.orch.ReceiveTelemetry(validPoint())
	f.agg.Flush()

	b := f.waitBatch(t)
	require.Len(t, b.Points, 1)
	assert.Equal(t, "enriched-V1", b.Points[0].FleetNumber)

	st := f.orch.Stats()
	assert.Equal(t, int64(1), st.PointsReceived)
	assert.Zero(t, st.PointsRejected)
}

func TestReceiveTelemetryDropsInvalidSilently(t *testing.T) {
	f := newFixture(t, passthroughEnricher{})

	bad := validPoint()
	bad.Latitude = 91
	f.orch.ReceiveTelemetry(bad)

	_, ok := f.agg.Flush()
	assert.False(t, ok, "rejected point never reaches the buffer")
	assert.Equal(t, int64(1), f.orch.Stats().PointsRejected)
}

func TestEnrichmentFailureStillDelivers(t *testing.T) {
	f := newFixture(t, panickingEnricher{})

	p := validPoint()
	f.orch.ReceiveTelemetry(p)
	flushed, ok := f.agg.Flush()
	require.True(t, ok)

	b := f.waitBatch(t)
	assert.Equal(t, flushed.ID, b.ID, "same flush cycle's batch is delivered")
	require.Len(t, b.Points, 1)
	assert.Empty(t, b.Points[0].FleetNumber, "fallback carries the original unenriched point")
	assert.Equal(t, p.VehicleID, b.Points[0].VehicleID)
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	agg := telemetry.NewAggregator(time.Second, slog.Default())
	delivered := make(chan string, 8)
	var calls atomic.Int32
	orch := New(Config{
		Aggregator: agg,
		Enricher:   passthroughEnricher{},
		Vehicles:   registry.New(),
		Routes:     registry.New(),
		OnBatch: func(b telemetry.Batch) {
			if calls.Add(1) == 1 {
				panic("transport fell over")
			}
			delivered <- b.ID
		},
	})
	orch.Start()

	orch.ReceiveTelemetry(validPoint())
	agg.Flush()
	orch.ReceiveTelemetry(validPoint())
	second, ok := agg.Flush()
	require.True(t, ok)

	select {
	case id := <-delivered:
		assert.Equal(t, second.ID, id, "pipeline keeps serving after a callback panic")
	case <-time.After(2 * time.Second):
		t.Fatal("second batch never delivered")
	}
}

func TestSubscriptionPassthroughsAndRemoveClient(t *testing.T) {
	f := newFixture(t, passthroughEnricher{})

	assert.True(t, f.orch.SubscribeVehicle("V1", "connA"))
	assert.False(t, f.orch.SubscribeVehicle("V1", "connA"))
	assert.True(t, f.orch.SubscribeRoute("R7", "connA"))

	st := f.orch.Stats()
	assert.Equal(t, 1, st.VehicleSubscribers.SubscriptionCount)
	assert.Equal(t, 1, st.RouteSubscribers.SubscriptionCount)

	f.orch.RemoveClient("connA")
	st = f.orch.Stats()
	assert.Zero(t, st.VehicleSubscribers.SubscriptionCount)
	assert.Zero(t, st.RouteSubscribers.SubscriptionCount)

	assert.False(t, f.orch.UnsubscribeVehicle("V2", "connB"), "unknown pair is a no-op")
	assert.False(t, f.orch.UnsubscribeRoute("R9", "connB"))
}

func TestStatsReflectAggregator(t *testing.T) {
	f := newFixture(t, passthroughEnricher{})
	f.orch.ReceiveTelemetry(validPoint())

	st := f.orch.Stats()
	assert.Equal(t, 1, st.Aggregator.BufferedVehicles)
	assert.Equal(t, time.Second, st.Aggregator.FlushInterval)
}
