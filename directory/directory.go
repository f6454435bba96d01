// Package directory mirrors the upstream fleet directory (vehicles, drivers,
// routes, trips) into process memory and enriches outgoing telemetry with
// denormalized display fields. The cache is read-through: a miss triggers a
// single upstream fetch which is memoized on success. A periodic background
// refresh replaces each collection wholesale.
package directory

import "context"

// Vehicle is an upstream vehicle record.
type Vehicle struct {
	ID          string `json:"id"`
	FleetNumber string `json:"fleet_number"`
	PlateNumber string `json:"plate_number"`
	VehicleType string `json:"vehicle_type"`
}

// Driver is an upstream driver record.
type Driver struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Route is an upstream route record.
type Route struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
}

// Trip is an upstream trip record. VehicleID links a trip to the vehicle
// currently serving it; RouteID may be empty for unscheduled trips.
type Trip struct {
	ID        string `json:"id"`
	VehicleID string `json:"vehicle_id"`
	RouteID   string `json:"route_id"`
	DriverID  string `json:"driver_id"`
	Status    string `json:"status"`
}

// Source is the upstream directory the cache reads through. Implementations
// exist for the fleet HTTP API and for direct fleet-database access; both are
// external collaborators and own their own timeout policy.
//
// Single-record lookups return found=false (no error) when the record simply
// does not exist; errors are reserved for transport/storage failures.
type Source interface {
	Vehicles(ctx context.Context) ([]Vehicle, error)
	Drivers(ctx context.Context) ([]Driver, error)
	Routes(ctx context.Context) ([]Route, error)
	Trips(ctx context.Context) ([]Trip, error)

	VehicleByID(ctx context.Context, id string) (Vehicle, bool, error)
	DriverByID(ctx context.Context, id string) (Driver, bool, error)
	RouteByID(ctx context.Context, id string) (Route, bool, error)
	TripByID(ctx context.Context, id string) (Trip, bool, error)
}
