// Package decode turns a raw GTFS-Realtime protobuf payload into the
// canonical model.TripUpdate and model.VehiclePosition records the rest of
// the system works with. It is deliberately forgiving of malformed or
// partial entities: one bad entity is skipped and counted, never fatal.
package decode

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

// statusMap mirrors GTFS-RT VehicleStopStatus, narrowed to the three values
// the feature engine distinguishes.
var statusMap = map[int32]model.CurrentStatus{
	0: model.StatusIncoming,
	1: model.StatusAtStop,
	2: model.StatusInTransit,
}

// scheduleRelationshipSkipped is the GTFS-RT ScheduleRelationship enum value
// for a stop a trip will no longer serve.
const scheduleRelationshipSkipped = 1

// Result is everything decoded from one feed message, plus bookkeeping the
// scheduler reports on a FeedRun.
type Result struct {
	TripUpdates      []model.TripUpdate
	VehiclePositions []model.VehiclePosition
	EntitiesSeen     int
	SkippedCount     int
}

// DecodeVehiclePositions unmarshals a vehicle-positions feed message and
// converts every valid VehicleEntity into a model.VehiclePosition. observedAt
// is the time the feed was fetched, used when the entity carries no
// timestamp of its own.
func DecodeVehiclePositions(body []byte, observedAt time.Time) (Result, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return Result{}, fmt.Errorf("decoding vehicle positions protobuf: %w", err)
	}

	res := Result{}
	for _, entity := range feed.Entity {
		res.EntitiesSeen++
		if entity.Vehicle == nil {
			res.SkippedCount++
			continue
		}
		pos, ok := decodeVehicle(entity.Vehicle, observedAt)
		if !ok {
			res.SkippedCount++
			continue
		}
		res.VehiclePositions = append(res.VehiclePositions, pos)
	}
	return res, nil
}

// DecodeTripUpdates unmarshals a trip-updates feed message and converts
// every stop-time update into a model.TripUpdate. Entities whose trip or
// stop-time updates are malformed are skipped and counted; a stop marked
// SKIPPED in the schedule relationship is dropped entirely, since a skipped
// stop contributes no observation to the feature engine. Every record is
// tagged with the feed header's timestamp, or with observedAt when the
// header carries none.
func DecodeTripUpdates(body []byte, observedAt time.Time) (Result, error) {
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return Result{}, fmt.Errorf("decoding trip updates protobuf: %w", err)
	}
	if feed.Header != nil && feed.Header.Timestamp != nil {
		observedAt = time.Unix(int64(*feed.Header.Timestamp), 0).UTC()
	}

	res := Result{}
	for _, entity := range feed.Entity {
		res.EntitiesSeen++
		if entity.TripUpdate == nil || entity.TripUpdate.Trip == nil || entity.TripUpdate.Trip.TripId == nil {
			res.SkippedCount++
			continue
		}

		tu := entity.TripUpdate
		tripID := *tu.Trip.TripId
		routeID := ""
		if tu.Trip.RouteId != nil {
			routeID = *tu.Trip.RouteId
		}
		direction := int32(0)
		if tu.Trip.DirectionId != nil {
			direction = int32(*tu.Trip.DirectionId)
		}

		found := false
		for _, stu := range tu.StopTimeUpdate {
			if stu.StopId == nil {
				continue
			}
			if stu.ScheduleRelationship != nil && int32(*stu.ScheduleRelationship) == scheduleRelationshipSkipped {
				continue
			}

			update := model.TripUpdate{
				TripID:        tripID,
				RouteID:       routeID,
				Direction:     direction,
				ObservedAt:    observedAt,
				CurrentStopID: *stu.StopId,
			}

			if stu.Arrival != nil {
				if stu.Arrival.Time != nil {
					t := time.Unix(*stu.Arrival.Time, 0).UTC()
					update.ArrivalTime = &t
				}
				if stu.Arrival.Delay != nil {
					d := int(*stu.Arrival.Delay)
					update.DelaySeconds = &d
				}
			}
			if stu.Departure != nil {
				if stu.Departure.Time != nil {
					t := time.Unix(*stu.Departure.Time, 0).UTC()
					update.DepartureTime = &t
				}
				if update.DelaySeconds == nil && stu.Departure.Delay != nil {
					d := int(*stu.Departure.Delay)
					update.DelaySeconds = &d
				}
			}

			update.CurrentStatus = model.StatusIncoming
			res.TripUpdates = append(res.TripUpdates, update)
			found = true
		}
		if !found {
			res.SkippedCount++
		}
	}
	return res, nil
}

func decodeVehicle(vehicle *gtfs.VehiclePosition, observedAt time.Time) (model.VehiclePosition, bool) {
	if vehicle.Trip == nil || vehicle.Trip.TripId == nil {
		return model.VehiclePosition{}, false
	}

	pos := model.VehiclePosition{
		TripID:     *vehicle.Trip.TripId,
		ObservedAt: observedAt,
	}
	if vehicle.Trip.RouteId != nil {
		pos.RouteID = *vehicle.Trip.RouteId
	}
	if vehicle.StopId != nil {
		pos.CurrentStopID = *vehicle.StopId
	}
	if vehicle.Position != nil {
		if vehicle.Position.Latitude != nil {
			lat := float64(*vehicle.Position.Latitude)
			pos.Lat = &lat
		}
		if vehicle.Position.Longitude != nil {
			lon := float64(*vehicle.Position.Longitude)
			pos.Lon = &lon
		}
	}
	if vehicle.CurrentStatus != nil {
		if status, ok := statusMap[int32(*vehicle.CurrentStatus)]; ok {
			pos.CurrentStatus = status
		}
	}
	if vehicle.Timestamp != nil {
		pos.ObservedAt = time.Unix(int64(*vehicle.Timestamp), 0).UTC()
	}

	return pos, true
}

// MergeLastWriteWins collapses a batch of trip updates decoded within one
// tick down to one per (trip_id, current_stop_id), keeping whichever
// observation appears last in the slice. GTFS-RT feeds occasionally repeat
// an entity id across an update burst; last-write-wins matches the order
// the producer intends as authoritative.
func MergeLastWriteWins(updates []model.TripUpdate) []model.TripUpdate {
	type key struct{ tripID, stopID string }
	latest := make(map[key]model.TripUpdate, len(updates))
	order := make([]key, 0, len(updates))
	for _, u := range updates {
		k := key{u.TripID, u.CurrentStopID}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = u
	}
	out := make([]model.TripUpdate, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}
