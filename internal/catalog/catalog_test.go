package catalog

import (
	"archive/zip"
	"bytes"
	"testing"
)

func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

const sampleStops = `stop_id,stop_name,stop_lat,stop_lon,parent_station
101N,"14 St - Union Sq",40.734673,-73.989951,101
101S,"14 St - Union Sq",40.734673,-73.989951,101
101,"14 St - Union Sq",40.734673,-73.989951,
`

const sampleRoutes = `route_id,route_short_name,route_long_name,route_color,route_type
L,L,14 St-Canarsie Local,A7A9A0,1
`

const sampleTrips = `route_id,trip_id,service_id
L,L_trip_1,weekday
`

const sampleStopTimes = `trip_id,arrival_time,departure_time,stop_id,stop_sequence
L_trip_1,08:00:00,08:00:30,101N,1
`

func TestLoadFromBytes_Basic(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"stops.txt":      sampleStops,
		"routes.txt":     sampleRoutes,
		"trips.txt":      sampleTrips,
		"stop_times.txt": sampleStopTimes,
	})

	cat, err := LoadFromBytes(bundle)
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	route, ok := cat.LookupRoute("L")
	if !ok {
		t.Fatal("expected route L to be found")
	}
	if route.DisplayName != "L" {
		t.Errorf("DisplayName = %q, want L", route.DisplayName)
	}

	station, ok := cat.LookupStation("101N")
	if !ok {
		t.Fatal("expected station 101N to resolve via parent rollup")
	}
	if station.StopID != "101" {
		t.Errorf("child lookup should resolve to parent StopID 101, got %q", station.StopID)
	}
	if len(station.RoutesServed) != 1 || station.RoutesServed[0] != "L" {
		t.Errorf("RoutesServed = %+v, want [L]", station.RoutesServed)
	}

	parent, ok := cat.LookupStation("101")
	if !ok || parent.Name != "14 St - Union Sq" {
		t.Fatalf("expected direct parent lookup to succeed, got %+v ok=%v", parent, ok)
	}
}

func TestLoadFromBytes_MissingRequiredFiles(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"routes.txt": sampleRoutes,
	})

	_, err := LoadFromBytes(bundle)
	if err != ErrCatalogMissing {
		t.Fatalf("err = %v, want ErrCatalogMissing", err)
	}
}

func TestLoadFromBytes_SkipsMalformedRows(t *testing.T) {
	stops := `stop_id,stop_name,stop_lat,stop_lon,parent_station
good1,Good Stop,40.1,-73.9,
,Missing Id,40.2,-73.8,
bad_coords,Bad Coords,notanumber,-73.8,
`
	bundle := buildBundle(t, map[string]string{
		"stops.txt":  stops,
		"routes.txt": sampleRoutes,
	})

	cat, err := LoadFromBytes(bundle)
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if _, ok := cat.LookupStation("good1"); !ok {
		t.Error("expected good1 to be parsed")
	}
	if cat.Skipped() != 2 {
		t.Errorf("Skipped() = %d, want 2", cat.Skipped())
	}
}

func TestStationsInBounds(t *testing.T) {
	bundle := buildBundle(t, map[string]string{
		"stops.txt":  sampleStops,
		"routes.txt": sampleRoutes,
	})
	cat, err := LoadFromBytes(bundle)
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}

	inBounds := cat.StationsInBounds(BBox{MinLat: 40.7, MaxLat: 40.8, MinLon: -74.0, MaxLon: -73.9})
	if len(inBounds) == 0 {
		t.Error("expected at least one station in bounds")
	}

	outOfBounds := cat.StationsInBounds(BBox{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1})
	if len(outOfBounds) != 0 {
		t.Errorf("expected no stations in an unrelated bbox, got %d", len(outOfBounds))
	}
}
