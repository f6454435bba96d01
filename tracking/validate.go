package tracking

import (
	"errors"
	"fmt"

	"github.com/transitpulse/services/telemetry"
)

var errMissingVehicleID = errors.New("missing vehicle_id")

// Validate checks a point's field constraints. Range bounds are inclusive:
// latitude 90, bearing 0 and bearing 360 are all valid.
func Validate(p telemetry.Point) error {
	if p.VehicleID == "" {
		return errMissingVehicleID
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("timestamp %d not positive", p.Timestamp)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", p.Longitude)
	}
	if p.Speed < 0 {
		return fmt.Errorf("speed %v negative", p.Speed)
	}
	if p.Bearing < 0 || p.Bearing > 360 {
		return fmt.Errorf("bearing %v out of range [0,360]", p.Bearing)
	}
	return nil
}
