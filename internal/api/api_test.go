package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/model"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store/sqlite"
)

func newTestDeps(t *testing.T) (*Deps, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Connect(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	deps := &Deps{
		Store:               db,
		Bus:                 eventbus.New(8),
		WSHeartbeatInterval: 50 * time.Millisecond,
	}
	return deps, db
}

func TestHealthLive_AlwaysOK(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/live")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthReady_DegradedWithoutCatalogOrIngest(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no catalog/ingest tick, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["catalog"] != "missing" {
		t.Fatalf("expected catalog missing, got %v", body["catalog"])
	}
}

func TestHealthReady_IngestFreshAfterIngestTick(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.RecordIngestTick(time.Now())
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	// Catalog is still nil so the endpoint should still report degraded, but
	// the ingest_fresh field specifically should now be true.
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ingest_fresh"] != true {
		t.Fatalf("expected ingest_fresh true after a recorded tick, got %v", body["ingest_fresh"])
	}
}

func TestListAnomalies_EmptyStoreReturnsEmptyPage(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/anomalies")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Anomalies []model.Anomaly `json:"anomalies"`
		Total     int             `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 0 || len(body.Anomalies) != 0 {
		t.Fatalf("expected empty page, got %+v", body)
	}
}

func TestListAnomalies_FiltersBySeverityMin(t *testing.T) {
	deps, db := newTestDeps(t)
	ctx := context.Background()

	low := model.Anomaly{AnomalyID: "a-low", DetectedAt: time.Now(), RouteID: "L", StationID: "101N", Kind: model.KindHeadwayOutlier, Severity: 0.2, ModelName: "isolation_forest", ModelVersion: 1}
	high := model.Anomaly{AnomalyID: "a-high", DetectedAt: time.Now(), RouteID: "L", StationID: "101N", Kind: model.KindHeadwayOutlier, Severity: 0.9, ModelName: "isolation_forest", ModelVersion: 1}
	if err := db.InsertAnomaly(ctx, low); err != nil {
		t.Fatalf("insert low: %v", err)
	}
	if err := db.InsertAnomaly(ctx, high); err != nil {
		t.Fatalf("insert high: %v", err)
	}

	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/anomalies?severity_min=0.5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Anomalies []model.Anomaly `json:"anomalies"`
		Total     int             `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Anomalies) != 1 || body.Anomalies[0].AnomalyID != "a-high" {
		t.Fatalf("expected only the high-severity anomaly, got %+v", body)
	}
}

func TestResolveAnomaly_NotFoundReturnsUniformEnvelope(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/anomalies/does-not-exist/resolve", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Kind != "not_found" {
		t.Fatalf("expected not_found kind, got %q", env.Error.Kind)
	}
}

func TestResolveAnomaly_MarksResolved(t *testing.T) {
	deps, db := newTestDeps(t)
	ctx := context.Background()
	a := model.Anomaly{AnomalyID: "a-1", DetectedAt: time.Now(), RouteID: "L", StationID: "101N", Kind: model.KindDelaySpike, Severity: 0.5, ModelName: "isolation_forest", ModelVersion: 1}
	if err := db.InsertAnomaly(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/anomalies/a-1/resolve", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["resolved"] != true {
		t.Fatalf("expected resolved true, got %v", body["resolved"])
	}
}

func TestTriggerDetect_RejectsOverlappingRuns(t *testing.T) {
	deps, _ := newTestDeps(t)
	block := make(chan struct{})
	deps.OnDetectRequested = func() string {
		<-block
		return "run-1"
	}
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/anomalies/detect", "application/json", nil)
		if err != nil {
			t.Errorf("post: %v", err)
			return
		}
		done <- resp
	}()

	// Give the first request time to set detectRunning before firing the second.
	time.Sleep(20 * time.Millisecond)

	resp2, err := http.Post(ts.URL+"/anomalies/detect", "application/json", nil)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	defer resp2.Body.Close()
	var body2 map[string]any
	if err := json.NewDecoder(resp2.Body).Decode(&body2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body2["triggered"] != false {
		t.Fatalf("expected second request to be rejected while first is in flight, got %+v", body2)
	}

	close(block)
	resp1 := <-done
	resp1.Body.Close()
}

func TestModelsStatus_NilDetectorReturnsEmptyList(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/anomalies/models/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	models, ok := body["models"].([]any)
	if !ok || len(models) != 0 {
		t.Fatalf("expected an empty models list, got %+v", body["models"])
	}
}

func TestStations_RequiresCatalog(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a catalog, got %d", resp.StatusCode)
	}
}

func TestParseBBox_RejectsWrongFieldCount(t *testing.T) {
	if _, err := parseBBox("1,2,3"); err == nil {
		t.Fatal("expected an error for a 3-field bbox")
	}
	box, err := parseBBox("40.6,-74.0,40.9,-73.9")
	if err != nil {
		t.Fatalf("parseBBox: %v", err)
	}
	if box.MinLat != 40.6 || box.MaxLon != -73.9 {
		t.Fatalf("unexpected bbox: %+v", box)
	}
}

func TestWebSocket_ConnectAndReceiveHeartbeat(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var gotConnected, gotHeartbeat bool
	for i := 0; i < 5 && !(gotConnected && gotHeartbeat); i++ {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg.Type {
		case "connected":
			gotConnected = true
		case "heartbeat":
			gotHeartbeat = true
		}
	}
	if !gotConnected {
		t.Fatal("expected a connected frame")
	}
	if !gotHeartbeat {
		t.Fatal("expected at least one heartbeat frame within the read window")
	}
}

func TestWebSocket_PublishedAnomalyDeliveredToMatchingSubscriber(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Drain the initial connected frame.
	var connected wsMessage
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}

	subscribe := wsMessage{Type: "subscribe", Filters: map[string]any{"line": "L"}}
	if err := conn.WriteJSON(subscribe); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var subscribed wsMessage
	if err := conn.ReadJSON(&subscribed); err != nil {
		t.Fatalf("read subscribed: %v", err)
	}
	if subscribed.Type != "subscribed" {
		t.Fatalf("expected subscribed ack, got %q", subscribed.Type)
	}

	deps.Bus.Publish(model.Anomaly{
		AnomalyID: "live-1", DetectedAt: time.Now(), RouteID: "L", StationID: "101N",
		Kind: model.KindHeadwayOutlier, Severity: 0.8, ModelName: "isolation_forest", ModelVersion: 1,
	})

	var anomalyFrame wsMessage
	if err := conn.ReadJSON(&anomalyFrame); err != nil {
		t.Fatalf("read anomaly: %v", err)
	}
	if anomalyFrame.Type != "anomaly" {
		t.Fatalf("expected an anomaly frame, got %q", anomalyFrame.Type)
	}
}

func TestWebSocket_PingReceivesPong(t *testing.T) {
	deps, _ := newTestDeps(t)
	ts := httptest.NewServer(NewRouter(deps, []string{"*"}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var connected wsMessage
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}

	if err := conn.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	for i := 0; i < 5; i++ {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == "pong" {
			return
		}
	}
	t.Fatal("expected a pong frame within a few reads")
}
