package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Point is one position report from a vehicle. Identity is the vehicle ID: a
// newer point for the same vehicle supersedes any buffered one before the next
// flush. The display fields at the bottom are empty until directory enrichment
// fills them; they ride along on the wire only when present.
type Point struct {
	VehicleID string `json:"vehicle_id"`
	TripID    string `json:"trip_id,omitempty"`
	RouteID   string `json:"route_id,omitempty"`
	DriverID  string `json:"driver_id,omitempty"`

	// Timestamp is milliseconds since the Unix epoch, as reported by the vehicle.
	Timestamp int64   `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Bearing   float64 `json:"bearing"`

	Altitude *float64 `json:"altitude,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`

	// Denormalized display fields, added by directory enrichment.
	FleetNumber string `json:"fleet_number,omitempty"`
	PlateNumber string `json:"plate_number,omitempty"`
	DriverName  string `json:"driver_name,omitempty"`
	TripStatus  string `json:"trip_status,omitempty"`
	RouteName   string `json:"route_name,omitempty"`
}

// Batch is one flush window's worth of points, immutable once emitted.
// Points appear in buffer insertion order, not time order.
type Batch struct {
	ID        string  `json:"batch_id"`
	StartTime int64   `json:"start_time"` // min point timestamp, epoch ms
	EndTime   int64   `json:"end_time"`   // max point timestamp, epoch ms
	EmittedAt int64   `json:"emitted_at"` // wall clock at flush, epoch ms
	Points    []Point `json:"points"`
	Count     int     `json:"count"`
}

// newBatchID returns a process-unique, time-sortable batch identifier.
// UUIDv7 embeds a millisecond timestamp with a random suffix.
func newBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails if the random source does; fall back to v4.
		return fmt.Sprintf("batch-%d-%s", time.Now().UnixMilli(), uuid.NewString())
	}
	return id.String()
}
