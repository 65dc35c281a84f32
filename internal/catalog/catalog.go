// Package catalog loads the static transit-schedule bundle (a zipped set of
// GTFS CSV tables) once at startup and exposes read-only lookups over it.
// Parse the bundle once and keep the Catalog in memory: re-parsing per
// request is wasteful and the data never changes between reloads.
package catalog

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// ErrCatalogMissing is returned when stops.txt or routes.txt (or both) is
// absent from the supplied bundle. This is fatal at startup per the error
// handling design: the caller should exit non-zero.
var ErrCatalogMissing = errors.New("catalog_missing")

// Catalog is a read-only, in-memory index of stations and routes. It is safe
// for concurrent reads from many goroutines; nothing in it is mutated after
// Load returns.
type Catalog struct {
	stations map[string]model.Station
	routes   map[string]model.Route
	skipped  int
}

// Skipped reports the number of malformed rows ignored while parsing, for
// metrics purposes.
func (c *Catalog) Skipped() int { return c.skipped }

// LookupStation returns the station for stopID, resolving child stops to
// their parent automatically.
func (c *Catalog) LookupStation(stopID string) (model.Station, bool) {
	s, ok := c.stations[stopID]
	return s, ok
}

// LookupRoute returns the route for routeID.
func (c *Catalog) LookupRoute(routeID string) (model.Route, bool) {
	r, ok := c.routes[routeID]
	return r, ok
}

// Routes returns every route in the catalog, in no particular order.
func (c *Catalog) Routes() []model.Route {
	out := make([]model.Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	return out
}

// StationsForRoute returns every station whose RoutesServed includes
// routeID, for deriving a route's live position set from the catalog
// without a separate route→stops index.
func (c *Catalog) StationsForRoute(routeID string) []model.Station {
	out := make([]model.Station, 0)
	for _, s := range c.stations {
		for _, r := range s.RoutesServed {
			if r == routeID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// BBox is a lat/lon bounding box for StationsInBounds.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

// StationsInBounds returns every station whose coordinates fall within box.
func (c *Catalog) StationsInBounds(box BBox) []model.Station {
	out := make([]model.Station, 0)
	for _, s := range c.stations {
		if s.Lat >= box.MinLat && s.Lat <= box.MaxLat && s.Lon >= box.MinLon && s.Lon <= box.MaxLon {
			out = append(out, s)
		}
	}
	return out
}

// LoadFromBytes parses a zipped GTFS static bundle held entirely in memory.
func LoadFromBytes(zipBytes []byte) (*Catalog, error) {
	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to open gtfs bundle: %w", err)
	}
	return loadFromZipReader(r)
}

// LoadFromFile parses a zipped GTFS static bundle from a local path.
func LoadFromFile(path string) (*Catalog, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gtfs bundle: %w", err)
	}
	defer r.Close()
	return loadFromZipReader(&r.Reader)
}

func loadFromZipReader(r *zip.Reader) (*Catalog, error) {
	files := make(map[string]*zip.File)
	for _, f := range r.File {
		files[f.Name] = f
	}

	stopsFile, hasStops := files["stops.txt"]
	routesFile, hasRoutes := files["routes.txt"]
	if !hasStops || !hasRoutes {
		return nil, ErrCatalogMissing
	}

	cat := &Catalog{
		stations: make(map[string]model.Station),
		routes:   make(map[string]model.Route),
	}

	rawRoutes, skipped, err := parseRoutes(routesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse routes.txt: %w", err)
	}
	cat.skipped += skipped
	for _, route := range rawRoutes {
		cat.routes[route.RouteID] = route
	}

	rawStations, childOf, skipped, err := parseStops(stopsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stops.txt: %w", err)
	}
	cat.skipped += skipped

	// Roll up child stops into their parent: the parent absorbs the child's
	// stop_id as an alias, so lookups by either id resolve to one Station.
	for stopID, station := range rawStations {
		parentID := childOf[stopID]
		if parentID == "" {
			cat.stations[stopID] = station
			continue
		}
		parent, ok := rawStations[parentID]
		if !ok {
			// Parent row missing or itself invalid: keep the child as its
			// own analytics unit rather than dropping it.
			cat.stations[stopID] = station
			continue
		}
		parent.ParentID = ""
		cat.stations[stopID] = parent
		cat.stations[parentID] = parent
	}

	if tripsFile, ok := files["trips.txt"]; ok {
		routesServed, err := parseTripRouteMembership(tripsFile, stopsFile != nil, files["stop_times.txt"])
		if err == nil {
			for stopID, routeIDs := range routesServed {
				if s, ok := cat.stations[stopID]; ok {
					s.RoutesServed = routeIDs
					cat.stations[stopID] = s
				}
			}
		}
	}

	log.Printf("Catalog loaded: %d routes, %d stations (%d rows skipped)", len(cat.routes), len(cat.stations), cat.skipped)

	return cat, nil
}

func parseRoutes(f *zip.File) ([]model.Route, int, error) {
	rows, header, err := readCSV(f)
	if err != nil {
		return nil, 0, err
	}
	idx := columnIndex(header)

	routeID := idx("route_id")
	shortName := idx("route_short_name")
	longName := idx("route_long_name")
	color := idx("route_color")

	var routes []model.Route
	skipped := 0
	for _, row := range rows {
		if routeID < 0 || routeID >= len(row) || row[routeID] == "" {
			skipped++
			continue
		}
		name := ""
		if shortName >= 0 && shortName < len(row) && row[shortName] != "" {
			name = row[shortName]
		} else if longName >= 0 && longName < len(row) {
			name = row[longName]
		}
		c := ""
		if color >= 0 && color < len(row) {
			c = row[color]
		}
		routes = append(routes, model.Route{RouteID: row[routeID], DisplayName: name, Color: c})
	}
	return routes, skipped, nil
}

func parseStops(f *zip.File) (map[string]model.Station, map[string]string, int, error) {
	rows, header, err := readCSV(f)
	if err != nil {
		return nil, nil, 0, err
	}
	idx := columnIndex(header)

	stopID := idx("stop_id")
	name := idx("stop_name")
	lat := idx("stop_lat")
	lon := idx("stop_lon")
	parent := idx("parent_station")

	stations := make(map[string]model.Station)
	childOf := make(map[string]string)
	skipped := 0
	for _, row := range rows {
		if stopID < 0 || stopID >= len(row) || row[stopID] == "" {
			skipped++
			continue
		}
		latV, latErr := parseFloatCol(row, lat)
		lonV, lonErr := parseFloatCol(row, lon)
		if latErr != nil || lonErr != nil {
			skipped++
			continue
		}
		st := model.Station{StopID: row[stopID], Lat: latV, Lon: lonV}
		if name >= 0 && name < len(row) {
			st.Name = row[name]
		}
		if parent >= 0 && parent < len(row) && row[parent] != "" {
			st.ParentID = row[parent]
			childOf[row[stopID]] = row[parent]
		}
		stations[row[stopID]] = st
	}
	return stations, childOf, skipped, nil
}

// parseTripRouteMembership derives, per stop, the set of route ids served.
// It is best-effort: stop_times.txt is large and optional at runtime per the
// spec, so any parse failure here degrades RoutesServed rather than failing
// catalog load.
func parseTripRouteMembership(tripsFile *zip.File, haveStops bool, stopTimesFile *zip.File) (map[string][]string, error) {
	if stopTimesFile == nil || !haveStops {
		return nil, errors.New("stop_times.txt not present")
	}

	tripRows, tripHeader, err := readCSV(tripsFile)
	if err != nil {
		return nil, err
	}
	tIdx := columnIndex(tripHeader)
	tripID := tIdx("trip_id")
	tripRoute := tIdx("route_id")
	if tripID < 0 || tripRoute < 0 {
		return nil, errors.New("trips.txt missing required columns")
	}
	tripToRoute := make(map[string]string, len(tripRows))
	for _, row := range tripRows {
		if tripID >= len(row) || tripRoute >= len(row) {
			continue
		}
		tripToRoute[row[tripID]] = row[tripRoute]
	}

	stRows, stHeader, err := readCSV(stopTimesFile)
	if err != nil {
		return nil, err
	}
	sIdx := columnIndex(stHeader)
	stTripID := sIdx("trip_id")
	stStopID := sIdx("stop_id")
	if stTripID < 0 || stStopID < 0 {
		return nil, errors.New("stop_times.txt missing required columns")
	}

	seen := make(map[string]map[string]bool)
	for _, row := range stRows {
		if stTripID >= len(row) || stStopID >= len(row) {
			continue
		}
		routeID, ok := tripToRoute[row[stTripID]]
		if !ok {
			continue
		}
		stopID := row[stStopID]
		if seen[stopID] == nil {
			seen[stopID] = make(map[string]bool)
		}
		seen[stopID][routeID] = true
	}

	out := make(map[string][]string, len(seen))
	for stopID, set := range seen {
		routeIDs := make([]string, 0, len(set))
		for r := range set {
			routeIDs = append(routeIDs, r)
		}
		out[stopID] = routeIDs
	}
	return out, nil
}

func readCSV(f *zip.File) ([][]string, []string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, err
	}

	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[1:], all[0], nil
}

func columnIndex(header []string) func(col string) int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return func(col string) int {
		if i, ok := idx[col]; ok {
			return i
		}
		return -1
	}
}

func parseFloatCol(row []string, col int) (float64, error) {
	if col < 0 || col >= len(row) || row[col] == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseFloat(row[col], 64)
}
