package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGSource reads the directory straight from the fleet database over the
// Postgres wire protocol. Used in deployments where the tracking service is
// co-located with the fleet DB and the extra API hop is not wanted.
type PGSource struct {
	db *sql.DB
}

// NewPGSource opens a connection pool against dsn.
// Directory reads are short and infrequent — a small pool is fine.
func NewPGSource(dsn string) (*PGSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("fleet db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PGSource{db: db}, nil
}

// Close releases the connection pool.
func (s *PGSource) Close() error { return s.db.Close() }

// Vehicles fetches all active vehicles.
func (s *PGSource) Vehicles(ctx context.Context) ([]Vehicle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fleet_number, plate_number, vehicle_type
		 FROM vehicles WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	out := make([]Vehicle, 0, 256)
	for rows.Next() {
		var v Vehicle
		if err := rows.Scan(&v.ID, &v.FleetNumber, &v.PlateNumber, &v.VehicleType); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Drivers fetches all active drivers.
func (s *PGSource) Drivers(ctx context.Context) ([]Driver, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM drivers WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()

	out := make([]Driver, 0, 256)
	for rows.Next() {
		var d Driver
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Routes fetches all active routes.
func (s *PGSource) Routes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, short_name FROM routes WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	out := make([]Route, 0, 64)
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.ID, &r.Name, &r.ShortName); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trips fetches current trips, oldest first so the cache's vehicle→trip index
// keeps the earliest trip per vehicle, matching first-match lookup semantics.
func (s *PGSource) Trips(ctx context.Context) ([]Trip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vehicle_id, route_id, driver_id, status
		 FROM trips WHERE status IN ('scheduled', 'in_progress')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	out := make([]Trip, 0, 256)
	for rows.Next() {
		var t Trip
		var routeID, driverID sql.NullString
		if err := rows.Scan(&t.ID, &t.VehicleID, &routeID, &driverID, &t.Status); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		t.RouteID = routeID.String
		t.DriverID = driverID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// VehicleByID fetches one vehicle; found=false when no row matches.
func (s *PGSource) VehicleByID(ctx context.Context, id string) (Vehicle, bool, error) {
	var v Vehicle
	err := s.db.QueryRowContext(ctx,
		`SELECT id, fleet_number, plate_number, vehicle_type
		 FROM vehicles WHERE id = $1`, id).
		Scan(&v.ID, &v.FleetNumber, &v.PlateNumber, &v.VehicleType)
	if errors.Is(err, sql.ErrNoRows) {
		return Vehicle{}, false, nil
	}
	if err != nil {
		return Vehicle{}, false, fmt.Errorf("query vehicle %s: %w", id, err)
	}
	return v, true, nil
}

// DriverByID fetches one driver; found=false when no row matches.
func (s *PGSource) DriverByID(ctx context.Context, id string) (Driver, bool, error) {
	var d Driver
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Driver{}, false, nil
	}
	if err != nil {
		return Driver{}, false, fmt.Errorf("query driver %s: %w", id, err)
	}
	return d, true, nil
}

// RouteByID fetches one route; found=false when no row matches.
func (s *PGSource) RouteByID(ctx context.Context, id string) (Route, bool, error) {
	var r Route
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, short_name FROM routes WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.ShortName)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, fmt.Errorf("query route %s: %w", id, err)
	}
	return r, true, nil
}

// TripByID fetches one trip; found=false when no row matches.
func (s *PGSource) TripByID(ctx context.Context, id string) (Trip, bool, error) {
	var t Trip
	var routeID, driverID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vehicle_id, route_id, driver_id, status
		 FROM trips WHERE id = $1`, id).
		Scan(&t.ID, &t.VehicleID, &routeID, &driverID, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, false, nil
	}
	if err != nil {
		return Trip{}, false, fmt.Errorf("query trip %s: %w", id, err)
	}
	t.RouteID = routeID.String
	t.DriverID = driverID.String
	return t, true, nil
}
