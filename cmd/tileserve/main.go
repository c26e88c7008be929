// tileserve is the content source: it serves a tileset directory (manifest +
// framed payloads) over HTTP and announces newly converted tiles to
// subscribers over websocket, driven by a filesystem watch on the manifest.
package main

import (
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"geostream.dev/internal/tile"
)

func main() {
	var (
		addr = flag.String("addr", ":8070", "http listen address")
		dir  = flag.String("tiles", "./tiles", "tileset directory")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[tileserve] ", log.LstdFlags|log.Lmicroseconds)

	manifestPath := filepath.Join(*dir, "manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		logger.Fatalf("tileset manifest: %v", err)
	}

	hub := newAnnounceHub(logger)
	watcher, err := newManifestWatcher(manifestPath, hub, logger)
	if err != nil {
		logger.Fatalf("manifest watch: %v", err)
	}
	defer watcher.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/manifest", func(rw http.ResponseWriter, _ *http.Request) {
		b, err := os.ReadFile(manifestPath)
		if err != nil {
			http.Error(rw, "manifest unavailable", http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(b)
	})
	mux.HandleFunc("/v1/payloads/", payloadHandler(*dir))
	mux.HandleFunc("/v1/announce", hub.Handler())

	m, err := tile.LoadManifest(manifestPath)
	if err != nil {
		logger.Fatalf("load manifest: %v", err)
	}
	logger.Printf("serving tileset %s (%d objects) from %s on %s", m.TilesetID, len(m.Objects()), *dir, *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatalf("listen: %v", err)
	}
}

// payloadHandler serves framed payload files by key. Keys are slash paths
// relative to the tileset directory; anything that escapes it is rejected.
func payloadHandler(dir string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/v1/payloads/"))
		if err != nil || key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
			http.Error(rw, "bad key", http.StatusBadRequest)
			return
		}
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
		if err != nil {
			http.Error(rw, "not found", http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "application/octet-stream")
		_, _ = rw.Write(b)
	}
}
