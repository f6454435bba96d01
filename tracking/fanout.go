package tracking

import (
	"github.com/transitpulse/services/registry"
	"github.com/transitpulse/services/telemetry"
)

// FanOut computes, per connection, the subset of a batch's points that
// connection is subscribed to via the vehicle registry. Connections with no
// matching points are absent from the result and receive nothing for this
// batch. Point order within each subset follows batch order.
func FanOut(b telemetry.Batch, vehicles *registry.Registry) map[string][]telemetry.Point {
	out := make(map[string][]telemetry.Point)
	for _, p := range b.Points {
		for _, connID := range vehicles.Subscribers(p.VehicleID) {
			out[connID] = append(out[connID], p)
		}
	}
	return out
}
