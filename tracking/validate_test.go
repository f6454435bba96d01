package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/transitpulse/services/telemetry"
)

func validPoint() telemetry.Point {
	return telemetry.Point{
		VehicleID: "V1",
		Timestamp: 1700000000000,
		Latitude:  41.39,
		Longitude: 2.17,
		Speed:     8.3,
		Bearing:   275,
	}
}

func TestValidateBoundaries(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*telemetry.Point)
		ok     bool
	}{
		{"valid point", func(*telemetry.Point) {}, true},
		{"missing vehicle id", func(p *telemetry.Point) { p.VehicleID = "" }, false},
		{"zero timestamp", func(p *telemetry.Point) { p.Timestamp = 0 }, false},
		{"negative timestamp", func(p *telemetry.Point) { p.Timestamp = -5 }, false},
		{"latitude at north pole", func(p *telemetry.Point) { p.Latitude = 90 }, true},
		{"latitude just past pole", func(p *telemetry.Point) { p.Latitude = 90.0001 }, false},
		{"latitude at south pole", func(p *telemetry.Point) { p.Latitude = -90 }, true},
		{"latitude below south pole", func(p *telemetry.Point) { p.Latitude = -90.0001 }, false},
		{"longitude at antimeridian", func(p *telemetry.Point) { p.Longitude = 180 }, true},
		{"longitude past antimeridian", func(p *telemetry.Point) { p.Longitude = 180.5 }, false},
		{"longitude at -180", func(p *telemetry.Point) { p.Longitude = -180 }, true},
		{"zero speed", func(p *telemetry.Point) { p.Speed = 0 }, true},
		{"slightly negative speed", func(p *telemetry.Point) { p.Speed = -0.001 }, false},
		{"bearing zero", func(p *telemetry.Point) { p.Bearing = 0 }, true},
		{"bearing full circle", func(p *telemetry.Point) { p.Bearing = 360 }, true},
		{"bearing past full circle", func(p *telemetry.Point) { p.Bearing = 360.1 }, false},
		{"bearing negative", func(p *telemetry.Point) { p.Bearing = -1 }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPoint()
			tc.mutate(&p)
			err := Validate(p)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
