// Command apiserver is the read-side process: it serves the anomaly,
// station, and feed-status endpoints and the live WebSocket channel out of
// the same tables cmd/ingestor writes. It does not fetch or score anything
// itself. Its event bus is created in this process and nothing here
// publishes to it, so /ws clients receive control frames (connected,
// heartbeat, pong, subscribed) but no anomaly frames.
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

	"github.com/stelioszach03/nyc-subway-monitor/internal/api"
	"github.com/stelioszach03/nyc-subway-monitor/internal/catalog"
	"github.com/stelioszach03/nyc-subway-monitor/internal/config"
	"github.com/stelioszach03/nyc-subway-monitor/internal/eventbus"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store/postgres"
	"github.com/stelioszach03/nyc-subway-monitor/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("apiserver: loading configuration: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("apiserver: opening store: %v", err)
	}
	defer st.Close()

	cat, err := loadCatalog(cfg)
	if err != nil {
		log.Fatalf("apiserver: catalog_missing: %v", err)
	}

	deps := &api.Deps{
		Store:               st,
		Catalog:             cat,
		Bus:                 eventbus.New(0),
		FeedIDs:             feedIDs(cfg),
		FeedUpdateInterval:  cfg.FeedUpdateInterval,
		WSHeartbeatInterval: cfg.WSHeartbeatInterval,
		WSMaxConnections:    cfg.WSMaxConnections,
	}
	// There is no scheduler in this process: one ingest tick is recorded at
	// startup and none after it, so /health/ready reports ingest_fresh only
	// for the first two feed update intervals.
	deps.RecordIngestTick(time.Now())

	router := api.NewRouter(deps, cfg.CORSOrigins)
	srv := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("apiserver: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("apiserver: server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("apiserver: shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deps.Bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("apiserver: shutdown error: %v", err)
	} else {
		log.Println("apiserver: shut down cleanly")
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return postgres.Connect(context.Background(), cfg.DatabaseURL)
	default:
		return sqlite.Connect(cfg.SQLitePath)
	}
}

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

func feedIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		ids = append(ids, f.FeedID)
	}
	return ids
}
