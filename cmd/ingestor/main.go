// Command ingestor is the write-side process: it fetches every configured
// GTFS-Realtime feed on a schedule, decodes it, folds observations into the
// feature engine, scores them against the anomaly detector, and persists
// the results. It shares its storage backend and package surface with
// cmd/apiserver, which serves the read side out of the same tables.
package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stelioszach03/nyc-subway-monitor/internal/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/internal/config"
	"github.com/stelioszach03/nyc-subway-monitor/internal/detect"
	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/feed"
	"github.com/stelioszach03/nyc-subway-monitor/internal/features"
	"github.com/stelioszach03/nyc-subway-monitor/internal/scheduler"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store/postgres"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ingestor: loading configuration: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("ingestor: opening store: %v", err)
	}
	defer st.Close()

	cat, err := loadCatalog(cfg)
	if err != nil {
		log.Fatalf("ingestor: catalog_missing: %v", err)
	}

	fetcher := feed.New(cfg)
	engine := features.New(cfg.HeadwayWindowMinutes)
	detector := detect.New(detect.Config{
		Contamination:  cfg.AnomalyContamination,
		SequenceLength: cfg.LSTMSequenceLength,
		NumFeatures:    5,
		M2Enabled:      cfg.DetectorM2Enabled,
		ThresholdPct:   95,
	})
	bus := eventbus.New(0)

	sched := scheduler.New(cfg, st, cat, fetcher, engine, detector, bus, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("ingestor: starting, feeds=%d update_interval=%v", len(cfg.Feeds), cfg.FeedUpdateInterval)
	if err := sched.Run(ctx); err != nil {
		log.Fatalf("ingestor: scheduler exited with error: %v", err)
	}
	log.Println("ingestor: stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Connect(context.Background(), cfg.DatabaseURL)
	default:
		return sqlite.Connect(cfg.SQLitePath)
	}
}

// loadCatalog resolves the static schedule bundle from GTFSStaticURL over
// HTTP when configured, falling back to a local zip path so tests and
// offline development don't need a network fetch.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.GTFSStaticURL == "" {
		return catalog.LoadFromFile(localGTFSPath())
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(cfg.GTFSStaticURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return catalog.LoadFromBytes(body)
}

func localGTFSPath() string {
	if p := os.Getenv("GTFS_STATIC_PATH"); p != "" {
		return p
	}
	return "./data/gtfs_static.zip"
}
