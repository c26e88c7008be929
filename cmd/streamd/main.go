package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"geostream.dev/internal/fetch"
	"geostream.dev/internal/stream"
	"geostream.dev/internal/tile"
	"geostream.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/engine.yaml", "engine config path")
		source     = flag.String("source", "", "tile server base url (overrides config base_url)")
		tilesDir   = flag.String("tiles", "", "local tileset directory (instead of a tile server)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		announce   = flag.String("announce", "", "tile announce ws url (default: derived from -source)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[streamd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := stream.LoadConfig(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", *configPath)
			cfg = stream.Defaults()
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}
	if *source != "" {
		cfg.BaseURL = strings.TrimRight(*source, "/")
	}
	if cfg.UseCache && cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(*dataDir, "cache.db")
	}

	var src fetch.Source
	var manifest tile.Manifest
	switch {
	case *tilesDir != "":
		src = fetch.NewDirSource(*tilesDir)
		manifest, err = tile.LoadManifest(filepath.Join(*tilesDir, "manifest.json"))
		if err != nil {
			logger.Fatalf("load manifest: %v", err)
		}
	case cfg.BaseURL != "":
		src = fetch.NewHTTPSource(cfg.BaseURL)
		manifest, err = fetchManifest(cfg.BaseURL)
		if err != nil {
			logger.Fatalf("fetch manifest: %v", err)
		}
	default:
		logger.Fatalf("either -tiles or -source/base_url is required")
	}

	engine, err := stream.New(cfg, nil, src, nil, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	defer engine.Close()

	handle, err := engine.Load(manifest, false)
	if err != nil {
		logger.Fatalf("load tileset: %v", err)
	}
	logger.Printf("tileset %s loaded: %d objects", handle.TilesetID, handle.ObjectCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalf("engine loop: %v", err)
		}
	}()

	announceURL := strings.TrimSpace(*announce)
	if announceURL == "" && cfg.BaseURL != "" {
		announceURL = "ws" + strings.TrimPrefix(cfg.BaseURL, "http") + "/v1/announce"
	}
	if announceURL != "" {
		go subscribeAnnounce(ctx, announceURL, engine, logger)
	}

	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				st := engine.Stats()
				logger.Printf("passes=%d visible=%d hidden=%d lost=%d net_fetches=%d cache_hits=%d resident=%d",
					st.Passes, st.Visible, st.Hidden, st.Lost, st.NetFetches, st.CacheHits, st.Cache.Resident)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", ws.NewServer(engine, logger).Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-stop
		logger.Printf("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("listen: %v", err)
	}
}

func fetchManifest(base string) (tile.Manifest, error) {
	resp, err := http.Get(base + "/v1/manifest")
	if err != nil {
		return tile.Manifest{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tile.Manifest{}, fmt.Errorf("manifest: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return tile.Manifest{}, err
	}
	return tile.ParseManifest(b)
}
