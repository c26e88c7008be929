package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"geostream.dev/internal/protocol"
	"geostream.dev/internal/tile"
)

// announceHub broadcasts TILE_ADD messages to every subscribed engine.
type announceHub struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan []byte
}

func newAnnounceHub(logger *log.Logger) *announceHub {
	return &announceHub{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[*websocket.Conn]chan []byte{},
	}
}

func (h *announceHub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		out := make(chan []byte, 64)
		h.mu.Lock()
		h.subs[conn] = out
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			delete(h.subs, conn)
			h.mu.Unlock()
			// No broadcast can reach out past this point; closing it lets
			// the writer goroutine drain and exit.
			close(out)
			_ = conn.Close()
		}()

		go func() {
			for b := range out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		// Subscribers only listen; the read loop just detects closure.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (h *announceHub) broadcast(msg protocol.TileAddMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.subs {
		select {
		case out <- b:
		default:
		}
	}
}

// manifestWatcher diffs the manifest on every change and announces objects
// that were not present before. The conversion pipeline appends tiles and
// rewrites the manifest; payload files land before the manifest does.
type manifestWatcher struct {
	path string
	hub  *announceHub
	log  *log.Logger

	w *fsnotify.Watcher

	mu    sync.Mutex
	known map[tile.ObjectID]struct{}
}

func newManifestWatcher(path string, hub *announceHub, logger *log.Logger) (*manifestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	mw := &manifestWatcher{
		path:  path,
		hub:   hub,
		log:   logger,
		w:     w,
		known: map[tile.ObjectID]struct{}{},
	}
	if m, err := tile.LoadManifest(path); err == nil {
		for _, o := range m.Objects() {
			mw.known[o.ID] = struct{}{}
		}
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	go mw.loop()
	return mw, nil
}

func (mw *manifestWatcher) loop() {
	for {
		select {
		case ev, ok := <-mw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mw.rescan()
		case err, ok := <-mw.w.Errors:
			if !ok {
				return
			}
			mw.log.Printf("manifest watch: %v", err)
		}
	}
}

func (mw *manifestWatcher) rescan() {
	m, err := tile.LoadManifest(mw.path)
	if err != nil {
		// Partially written manifest; the next write event retries.
		return
	}
	var added []tile.Object
	mw.mu.Lock()
	for _, o := range m.Objects() {
		if _, ok := mw.known[o.ID]; ok {
			continue
		}
		mw.known[o.ID] = struct{}{}
		added = append(added, o)
	}
	mw.mu.Unlock()

	if len(added) == 0 {
		return
	}
	mw.log.Printf("announcing %d new objects", len(added))
	mw.hub.broadcast(protocol.TileAddMsg{
		Type:            protocol.TypeTileAdd,
		ProtocolVersion: protocol.Version,
		TilesetID:       m.TilesetID,
		Objects:         added,
	})
}

func (mw *manifestWatcher) Close() error { return mw.w.Close() }
