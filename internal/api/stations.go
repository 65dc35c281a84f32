package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/stelioszach03/nyc-subway-monitor/internal/catalog"
)

// stations handles GET /stations?bbox=minLat,minLon,maxLat,maxLon. Without
// a bbox, every catalog station is returned.
func (h *handler) stations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog_missing", "catalog not loaded", false)
		return
	}

	bbox := r.URL.Query().Get("bbox")
	if bbox == "" {
		writeJSON(w, http.StatusOK, h.deps.Catalog.StationsInBounds(catalog.BBox{
			MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180,
		}))
		return
	}

	box, err := parseBBox(bbox)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), false)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Catalog.StationsInBounds(box))
}

func parseBBox(raw string) (catalog.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return catalog.BBox{}, errBadBBox
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return catalog.BBox{}, errBadBBox
		}
		vals[i] = v
	}
	return catalog.BBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}, nil
}

var errBadBBox = bboxError("bbox must be minLat,minLon,maxLat,maxLon")

type bboxError string

func (e bboxError) Error() string { return string(e) }
