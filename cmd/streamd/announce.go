package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"geostream.dev/internal/protocol"
	"geostream.dev/internal/stream"
)

// subscribeAnnounce listens for TILE_ADD announcements from the tile server
// and feeds newly discovered objects into the spatial index. Reconnects with
// a flat backoff; discovery is best-effort.
func subscribeAnnounce(ctx context.Context, url string, engine *stream.Coordinator, logger *log.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			logger.Printf("announce dial %s: %v", url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		readAnnounce(ctx, conn, engine, logger)
		_ = conn.Close()
	}
}

func readAnnounce(ctx context.Context, conn *websocket.Conn, engine *stream.Coordinator, logger *log.Logger) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeTileAdd {
			continue
		}
		var add protocol.TileAddMsg
		if err := json.Unmarshal(msg, &add); err != nil {
			continue
		}
		if add.ProtocolVersion != protocol.Version {
			continue
		}
		if len(add.Objects) > 0 {
			logger.Printf("discovered %d new objects", len(add.Objects))
			engine.AddObjects(add.Objects)
		}
	}
}
