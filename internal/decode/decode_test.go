package decode

import (
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
)

func strPtr(s string) *string   { return &s }
func i32Ptr(n int32) *int32     { return &n }
func i64Ptr(n int64) *int64     { return &n }
func u32Ptr(n uint32) *uint32   { return &n }
func u64Ptr(n uint64) *uint64   { return &n }
func f32Ptr(f float32) *float32 { return &f }

func marshalFeed(t *testing.T, feed *gtfs.FeedMessage) []byte {
	t.Helper()
	body, err := proto.Marshal(feed)
	if err != nil {
		t.Fatalf("marshal feed: %v", err)
	}
	return body
}

func TestDecodeVehiclePositions_Basic(t *testing.T) {
	stopped := gtfs.VehiclePosition_STOPPED_AT
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: strPtr("2.0"),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id: strPtr("e1"),
				Vehicle: &gtfs.VehiclePosition{
					Trip: &gtfs.TripDescriptor{
						TripId:  strPtr("trip-1"),
						RouteId: strPtr("L"),
					},
					StopId: strPtr("101N"),
					Position: &gtfs.Position{
						Latitude:  f32Ptr(40.73),
						Longitude: f32Ptr(-73.99),
					},
					CurrentStatus: &stopped,
					Timestamp:     u64Ptr(1700000000),
				},
			},
			{
				// No Vehicle payload: should be skipped, not fatal.
				Id:    strPtr("e2"),
				Alert: &gtfs.Alert{},
			},
		},
	}

	res, err := DecodeVehiclePositions(marshalFeed(t, feed), time.Now())
	if err != nil {
		t.Fatalf("DecodeVehiclePositions: %v", err)
	}
	if res.EntitiesSeen != 2 {
		t.Errorf("EntitiesSeen = %d, want 2", res.EntitiesSeen)
	}
	if res.SkippedCount != 1 {
		t.Errorf("SkippedCount = %d, want 1", res.SkippedCount)
	}
	if len(res.VehiclePositions) != 1 {
		t.Fatalf("expected 1 decoded vehicle position, got %d", len(res.VehiclePositions))
	}

	pos := res.VehiclePositions[0]
	if pos.TripID != "trip-1" || pos.RouteID != "L" || pos.CurrentStopID != "101N" {
		t.Errorf("unexpected decoded position: %+v", pos)
	}
	if pos.Lat == nil || pos.Lon == nil {
		t.Fatal("expected lat/lon to be populated")
	}
	if pos.ObservedAt.Unix() != 1700000000 {
		t.Errorf("ObservedAt = %v, want entity timestamp", pos.ObservedAt)
	}
}

func TestDecodeVehiclePositions_MissingTripSkipped(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: strPtr("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id:      strPtr("e1"),
				Vehicle: &gtfs.VehiclePosition{StopId: strPtr("101N")},
			},
		},
	}

	res, err := DecodeVehiclePositions(marshalFeed(t, feed), time.Now())
	if err != nil {
		t.Fatalf("DecodeVehiclePositions: %v", err)
	}
	if len(res.VehiclePositions) != 0 || res.SkippedCount != 1 {
		t.Errorf("expected entity without a trip id to be skipped, got %+v", res)
	}
}

func TestDecodeTripUpdates_Basic(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: strPtr("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: strPtr("e1"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{
						TripId:      strPtr("trip-1"),
						RouteId:     strPtr("L"),
						DirectionId: u32Ptr(1),
					},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						{
							StopId: strPtr("101N"),
							Arrival: &gtfs.TripUpdate_StopTimeEvent{
								Time:  i64Ptr(1700000100),
								Delay: i32Ptr(45),
							},
						},
					},
				},
			},
		},
	}

	res, err := DecodeTripUpdates(marshalFeed(t, feed), time.Now())
	if err != nil {
		t.Fatalf("DecodeTripUpdates: %v", err)
	}
	if len(res.TripUpdates) != 1 {
		t.Fatalf("expected 1 decoded trip update, got %d", len(res.TripUpdates))
	}

	tu := res.TripUpdates[0]
	if tu.TripID != "trip-1" || tu.RouteID != "L" || tu.Direction != 1 {
		t.Errorf("unexpected decoded trip update: %+v", tu)
	}
	if tu.CurrentStopID != "101N" {
		t.Errorf("CurrentStopID = %q, want 101N", tu.CurrentStopID)
	}
	if tu.DelaySeconds == nil || *tu.DelaySeconds != 45 {
		t.Errorf("DelaySeconds = %v, want 45", tu.DelaySeconds)
	}
}

func TestDecodeTripUpdates_SkippedStopDropped(t *testing.T) {
	skipped := gtfs.TripUpdate_StopTimeUpdate_SKIPPED
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: strPtr("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: strPtr("e1"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{TripId: strPtr("trip-1")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						{
							StopId:               strPtr("101N"),
							ScheduleRelationship: &skipped,
						},
					},
				},
			},
		},
	}

	res, err := DecodeTripUpdates(marshalFeed(t, feed), time.Now())
	if err != nil {
		t.Fatalf("DecodeTripUpdates: %v", err)
	}
	if len(res.TripUpdates) != 0 {
		t.Errorf("expected skipped stop to produce no observation, got %+v", res.TripUpdates)
	}
	if res.SkippedCount != 1 {
		t.Errorf("SkippedCount = %d, want 1", res.SkippedCount)
	}
}

func TestMergeLastWriteWins(t *testing.T) {
	delay1, delay2, delay3 := 1, 2, 3
	updates := []model.TripUpdate{
		{TripID: "trip-1", CurrentStopID: "101N", DelaySeconds: &delay1},
		{TripID: "trip-1", CurrentStopID: "101N", DelaySeconds: &delay2},
		{TripID: "trip-2", CurrentStopID: "102N", DelaySeconds: &delay3},
	}

	merged := MergeLastWriteWins(updates)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged updates, got %d", len(merged))
	}
	for _, u := range merged {
		if u.TripID == "trip-1" && *u.DelaySeconds != 2 {
			t.Errorf("expected last-write-wins to keep the later delay, got %d", *u.DelaySeconds)
		}
	}
}
