package telemetry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	return NewAggregator(time.Second, slog.Default())
}

func point(vehicle string, ts int64) Point {
	return Point{
		VehicleID: vehicle,
		Timestamp: ts,
		Latitude:  41.0,
		Longitude: 2.1,
		Speed:     12.5,
		Bearing:   90,
	}
}

func TestLatestWinsWithinWindow(t *testing.T) {
	a := newTestAggregator(t)

	a.AddPoint(point("V1", 1000))
	a.AddPoint(point("V1", 2000))
	last := point("V1", 3000)
	last.Speed = 33
	a.AddPoint(last)

	batch, ok := a.Flush()
	require.True(t, ok)
	require.Len(t, batch.Points, 1)
	assert.Equal(t, last, batch.Points[0], "only the last submitted point survives")
}

func TestEmptyFlushEmitsNothing(t *testing.T) {
	a := newTestAggregator(t)
	called := 0
	a.AddListener(func(Batch) { called++ })

	_, ok := a.Flush()
	assert.False(t, ok)
	assert.Zero(t, called, "listeners must not run for an empty buffer")
	assert.Empty(t, a.DrainAllPending())
	assert.Zero(t, a.Stats().TotalBatches)
}

func TestFlushComputesWindowBounds(t *testing.T) {
	a := newTestAggregator(t)
	a.AddPoint(point("V2", 5000))
	a.AddPoint(point("V1", 2000))
	a.AddPoint(point("V3", 9000))

	batch, ok := a.Flush()
	require.True(t, ok)
	assert.Equal(t, int64(2000), batch.StartTime)
	assert.Equal(t, int64(9000), batch.EndTime)
	assert.Equal(t, 3, batch.Count)
	assert.NotEmpty(t, batch.ID)
	assert.Positive(t, batch.EmittedAt)
}

func TestInsertionOrderPreserved(t *testing.T) {
	a := newTestAggregator(t)
	a.AddPoint(point("V2", 100))
	a.AddPoint(point("V1", 200))
	// Overwriting V2 keeps its original position.
	a.AddPoint(point("V2", 300))
	a.AddPoint(point("V3", 400))

	batch, ok := a.Flush()
	require.True(t, ok)
	var ids []string
	for _, p := range batch.Points {
		ids = append(ids, p.VehicleID)
	}
	assert.Equal(t, []string{"V2", "V1", "V3"}, ids)
}

func TestFlushClearsBuffer(t *testing.T) {
	a := newTestAggregator(t)
	a.AddPoint(point("V1", 1000))

	_, ok := a.Flush()
	require.True(t, ok)
	_, ok = a.Flush()
	assert.False(t, ok, "second flush has nothing to emit")
	assert.Zero(t, a.Stats().BufferedVehicles)
}

func TestListenerPanicIsolated(t *testing.T) {
	a := newTestAggregator(t)
	var got []string
	a.AddListener(func(Batch) { panic("listener one blew up") })
	a.AddListener(func(b Batch) { got = append(got, b.ID) })

	a.AddPoint(point("V1", 1000))
	batch, ok := a.Flush()
	require.True(t, ok)
	assert.Equal(t, []string{batch.ID}, got, "second listener still runs")

	// Aggregator state is intact after the panic.
	a.AddPoint(point("V1", 2000))
	_, ok = a.Flush()
	assert.True(t, ok)
}

func TestSetIntervalRejectsOutOfRange(t *testing.T) {
	a := newTestAggregator(t)

	a.SetInterval(50 * time.Millisecond) // below the 100ms floor
	assert.Equal(t, time.Second, a.Interval(), "previous interval kept")

	a.SetInterval(61 * time.Second) // above the ceiling
	assert.Equal(t, time.Second, a.Interval())

	a.SetInterval(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, a.Interval())
}

func TestTimerDrivenFlush(t *testing.T) {
	a := NewAggregator(MinInterval, slog.Default())
	batches := make(chan Batch, 4)
	a.AddListener(func(b Batch) { batches <- b })

	a.Start()
	defer a.Stop()
	a.AddPoint(point("V1", 1000))

	select {
	case b := <-batches:
		assert.Equal(t, 1, b.Count)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never flushed")
	}
}

func TestDrainAllPending(t *testing.T) {
	a := newTestAggregator(t)
	a.AddPoint(point("V1", 1000))
	a.AddPoint(point("V2", 2000))

	drained := a.DrainAllPending()
	require.Len(t, drained, 1)
	assert.Equal(t, 2, drained[0].Count)
	assert.Empty(t, a.DrainAllPending(), "nothing buffered after a drain")
}

func TestCountersAndPendingQueue(t *testing.T) {
	a := newTestAggregator(t)
	for i := 0; i < 3; i++ {
		a.AddPoint(point("V1", int64(1000+i)))
		a.AddPoint(point("V2", int64(2000+i)))
		_, ok := a.Flush()
		require.True(t, ok)
	}

	st := a.Stats()
	assert.Equal(t, int64(3), st.TotalBatches)
	assert.Equal(t, int64(6), st.TotalPoints)
	assert.Equal(t, 3, st.PendingBatches)
	assert.Len(t, a.Pending(), 3)
}

func TestBatchIDsUnique(t *testing.T) {
	a := newTestAggregator(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		a.AddPoint(point("V1", int64(i+1)))
		b, ok := a.Flush()
		require.True(t, ok)
		assert.False(t, seen[b.ID], "duplicate batch ID %s", b.ID)
		seen[b.ID] = true
	}
}
