package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource reads the directory from the fleet API over REST.
// Timeout policy lives here, on the collaborator side of the boundary.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSource returns a source for the fleet API at baseURL.
// token, when non-empty, is sent as a bearer credential.
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build request %s: %w", path, err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fleet api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("fleet api %s: HTTP %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Vehicles fetches the full vehicle collection.
func (s *HTTPSource) Vehicles(ctx context.Context) ([]Vehicle, error) {
	var out struct {
		Vehicles []Vehicle `json:"vehicles"`
	}
	if _, err := s.getJSON(ctx, "/v1/vehicles", &out); err != nil {
		return nil, err
	}
	return out.Vehicles, nil
}

// Drivers fetches the full driver collection.
func (s *HTTPSource) Drivers(ctx context.Context) ([]Driver, error) {
	var out struct {
		Drivers []Driver `json:"drivers"`
	}
	if _, err := s.getJSON(ctx, "/v1/drivers", &out); err != nil {
		return nil, err
	}
	return out.Drivers, nil
}

// Routes fetches the full route collection.
func (s *HTTPSource) Routes(ctx context.Context) ([]Route, error) {
	var out struct {
		Routes []Route `json:"routes"`
	}
	if _, err := s.getJSON(ctx, "/v1/routes", &out); err != nil {
		return nil, err
	}
	return out.Routes, nil
}

// Trips fetches the full trip collection.
func (s *HTTPSource) Trips(ctx context.Context) ([]Trip, error) {
	var out struct {
		Trips []Trip `json:"trips"`
	}
	if _, err := s.getJSON(ctx, "/v1/trips", &out); err != nil {
		return nil, err
	}
	return out.Trips, nil
}

// VehicleByID fetches one vehicle; found=false on HTTP 404.
func (s *HTTPSource) VehicleByID(ctx context.Context, id string) (Vehicle, bool, error) {
	var v Vehicle
	found, err := s.getJSON(ctx, "/v1/vehicles/"+url.PathEscape(id), &v)
	return v, found, err
}

// DriverByID fetches one driver; found=false on HTTP 404.
func (s *HTTPSource) DriverByID(ctx context.Context, id string) (Driver, bool, error) {
	var d Driver
	found, err := s.getJSON(ctx, "/v1/drivers/"+url.PathEscape(id), &d)
	return d, found, err
}

// RouteByID fetches one route; found=false on HTTP 404.
func (s *HTTPSource) RouteByID(ctx context.Context, id string) (Route, bool, error) {
	var r Route
	found, err := s.getJSON(ctx, "/v1/routes/"+url.PathEscape(id), &r)
	return r, found, err
}

// TripByID fetches one trip; found=false on HTTP 404.
func (s *HTTPSource) TripByID(ctx context.Context, id string) (Trip, bool, error) {
	var t Trip
	found, err := s.getJSON(ctx, "/v1/trips/"+url.PathEscape(id), &t)
	return t, found, err
}
