package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/transitpulse/services/telemetry"
)

// DefaultRefreshInterval is the period of the background bulk refresh.
// Directory data changes on an operational timescale, not a telemetry one.
const DefaultRefreshInterval = 6 * time.Hour

// Cache is an in-memory read-through mirror of the four directory collections.
// All methods are safe for concurrent use and never propagate upstream errors:
// lookups degrade to not-found, refreshes keep the previous (stale) collection.
type Cache struct {
	source Source
	logger *slog.Logger

	refreshInterval time.Duration

	mu       sync.RWMutex
	vehicles map[string]Vehicle
	drivers  map[string]Driver
	routes   map[string]Route
	trips    map[string]Trip
	// tripByVehicle indexes the trip currently served by each vehicle. Built
	// from the trips collection keeping the first trip per vehicle in list
	// order, which matches what a linear first-match scan would return.
	tripByVehicle map[string]string

	ticker  *time.Ticker
	done    chan struct{}
	running bool
}

// Stats is a snapshot of cache sizes.
type Stats struct {
	Vehicles int `json:"vehicles"`
	Drivers  int `json:"drivers"`
	Routes   int `json:"routes"`
	Trips    int `json:"trips"`
}

// Config holds Cache constructor options.
type Config struct {
	Source          Source
	RefreshInterval time.Duration // 0 = DefaultRefreshInterval
	Logger          *slog.Logger
}

// NewCache returns an empty cache over cfg.Source. The background refresh is
// not started; call Start after an initial RefreshAll.
func NewCache(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Cache{
		source:          cfg.Source,
		logger:          cfg.Logger,
		refreshInterval: cfg.RefreshInterval,
		vehicles:        make(map[string]Vehicle),
		drivers:         make(map[string]Driver),
		routes:          make(map[string]Route),
		trips:           make(map[string]Trip),
		tripByVehicle:   make(map[string]string),
	}
}

// RefreshAll fetches all four collections concurrently and replaces each map
// wholesale. A failed fetch is logged and leaves that collection's existing
// map untouched; the other collections still refresh.
func (c *Cache) RefreshAll(ctx context.Context) {
	var (
		wg       sync.WaitGroup
		vehicles []Vehicle
		drivers  []Driver
		routes   []Route
		trips    []Trip
		vErr     error
		dErr     error
		rErr     error
		tErr     error
	)

	wg.Add(4)
	go func() { defer wg.Done(); vehicles, vErr = c.source.Vehicles(ctx) }()
	go func() { defer wg.Done(); drivers, dErr = c.source.Drivers(ctx) }()
	go func() { defer wg.Done(); routes, rErr = c.source.Routes(ctx) }()
	go func() { defer wg.Done(); trips, tErr = c.source.Trips(ctx) }()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if vErr != nil {
		c.logger.Warn("vehicle refresh failed, keeping stale collection", "err", vErr)
	} else {
		m := make(map[string]Vehicle, len(vehicles))
		for _, v := range vehicles {
			m[v.ID] = v
		}
		c.vehicles = m
	}

	if dErr != nil {
		c.logger.Warn("driver refresh failed, keeping stale collection", "err", dErr)
	} else {
		m := make(map[string]Driver, len(drivers))
		for _, d := range drivers {
			m[d.ID] = d
		}
		c.drivers = m
	}

	if rErr != nil {
		c.logger.Warn("route refresh failed, keeping stale collection", "err", rErr)
	} else {
		m := make(map[string]Route, len(routes))
		for _, r := range routes {
			m[r.ID] = r
		}
		c.routes = m
	}

	if tErr != nil {
		c.logger.Warn("trip refresh failed, keeping stale collection", "err", tErr)
	} else {
		m := make(map[string]Trip, len(trips))
		idx := make(map[string]string, len(trips))
		for _, t := range trips {
			m[t.ID] = t
			if t.VehicleID != "" {
				if _, taken := idx[t.VehicleID]; !taken {
					idx[t.VehicleID] = t.ID
				}
			}
		}
		c.trips = m
		c.tripByVehicle = idx
	}
}

// Start launches the periodic background refresh. Refresh failures are logged
// inside RefreshAll and never stop the timer.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ticker = time.NewTicker(c.refreshInterval)
	c.done = make(chan struct{})

	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-ticker.C:
				c.RefreshAll(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}(c.ticker, c.done)
}

// Shutdown stops the background refresh and clears all collections.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.running = false
		c.ticker.Stop()
		close(c.done)
	}
	c.vehicles = make(map[string]Vehicle)
	c.drivers = make(map[string]Driver)
	c.routes = make(map[string]Route)
	c.trips = make(map[string]Trip)
	c.tripByVehicle = make(map[string]string)
}

// Vehicle returns the vehicle for id, fetching and memoizing from upstream on
// a cache miss. Returns found=false when the upstream also misses or fails.
func (c *Cache) Vehicle(ctx context.Context, id string) (Vehicle, bool) {
	c.mu.RLock()
	v, ok := c.vehicles[id]
	c.mu.RUnlock()
	if ok {
		return v, true
	}

	v, found, err := c.source.VehicleByID(ctx, id)
	if err != nil {
		c.logger.Warn("vehicle lookup failed", "vehicle_id", id, "err", err)
		return Vehicle{}, false
	}
	if !found {
		return Vehicle{}, false
	}
	c.mu.Lock()
	c.vehicles[v.ID] = v
	c.mu.Unlock()
	return v, true
}

// Driver is the read-through lookup for drivers.
func (c *Cache) Driver(ctx context.Context, id string) (Driver, bool) {
	c.mu.RLock()
	d, ok := c.drivers[id]
	c.mu.RUnlock()
	if ok {
		return d, true
	}

	d, found, err := c.source.DriverByID(ctx, id)
	if err != nil {
		c.logger.Warn("driver lookup failed", "driver_id", id, "err", err)
		return Driver{}, false
	}
	if !found {
		return Driver{}, false
	}
	c.mu.Lock()
	c.drivers[d.ID] = d
	c.mu.Unlock()
	return d, true
}

// Route is the read-through lookup for routes.
func (c *Cache) Route(ctx context.Context, id string) (Route, bool) {
	c.mu.RLock()
	r, ok := c.routes[id]
	c.mu.RUnlock()
	if ok {
		return r, true
	}

	r, found, err := c.source.RouteByID(ctx, id)
	if err != nil {
		c.logger.Warn("route lookup failed", "route_id", id, "err", err)
		return Route{}, false
	}
	if !found {
		return Route{}, false
	}
	c.mu.Lock()
	c.routes[r.ID] = r
	c.mu.Unlock()
	return r, true
}

// Trip is the read-through lookup for trips. A memoized trip also claims the
// vehicle→trip index slot if that vehicle has no current trip yet.
func (c *Cache) Trip(ctx context.Context, id string) (Trip, bool) {
	c.mu.RLock()
	t, ok := c.trips[id]
	c.mu.RUnlock()
	if ok {
		return t, true
	}

	t, found, err := c.source.TripByID(ctx, id)
	if err != nil {
		c.logger.Warn("trip lookup failed", "trip_id", id, "err", err)
		return Trip{}, false
	}
	if !found {
		return Trip{}, false
	}
	c.mu.Lock()
	c.trips[t.ID] = t
	if t.VehicleID != "" {
		if _, taken := c.tripByVehicle[t.VehicleID]; !taken {
			c.tripByVehicle[t.VehicleID] = t.ID
		}
	}
	c.mu.Unlock()
	return t, true
}

// TripForVehicle returns the trip currently associated with a vehicle, via the
// vehicle→trip index maintained on refresh.
func (c *Cache) TripForVehicle(vehicleID string) (Trip, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tripID, ok := c.tripByVehicle[vehicleID]
	if !ok {
		return Trip{}, false
	}
	t, ok := c.trips[tripID]
	return t, ok
}

// Enrich returns a copy of p with display fields filled from the directory:
// the vehicle always, the driver when a driver ID is present, the vehicle's
// current trip, and that trip's route when it names one. A failed lookup at
// any stage just omits its fields; Enrich never fails, worst case returning p
// unchanged.
func (c *Cache) Enrich(ctx context.Context, p telemetry.Point) telemetry.Point {
	if v, ok := c.Vehicle(ctx, p.VehicleID); ok {
		p.FleetNumber = v.FleetNumber
		p.PlateNumber = v.PlateNumber
	}

	if p.DriverID != "" {
		if d, ok := c.Driver(ctx, p.DriverID); ok {
			p.DriverName = d.Name
		}
	}

	trip, ok := c.TripForVehicle(p.VehicleID)
	if !ok {
		return p
	}
	p.TripStatus = trip.Status
	if p.TripID == "" {
		p.TripID = trip.ID
	}
	if trip.RouteID != "" {
		if r, ok := c.Route(ctx, trip.RouteID); ok {
			p.RouteName = r.Name
			if p.RouteID == "" {
				p.RouteID = trip.RouteID
			}
		}
	}
	return p
}

// Stats returns current collection sizes.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Vehicles: len(c.vehicles),
		Drivers:  len(c.drivers),
		Routes:   len(c.routes),
		Trips:    len(c.trips),
	}
}
