package protocol

import (
	"geostream.dev/internal/geom"
	"geostream.dev/internal/tile"
)

type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerName      string `json:"viewer_name,omitempty"`

	Capabilities HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	TilesetID   string `json:"tileset_id"`
	ObjectCount int    `json:"object_count"`

	EngineParams EngineParams `json:"engine_params"`
}

type EngineParams struct {
	Threshold     float64 `json:"threshold"`
	BBoxThreshold float64 `json:"bbox_threshold"`
	MaxHiddenMs   int64   `json:"max_hidden_ms"`
	MaxLostMs     int64   `json:"max_lost_ms"`
	UseCache      bool    `json:"use_cache"`
}

// CameraMsg carries one camera pose. The engine recomputes visibility only
// after the camera goes idle, not on every pose.
type CameraMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Camera          geom.Camera `json:"camera"`
}

type GeomAddMsg struct {
	Type     string          `json:"type"`
	ObjectID tile.ObjectID   `json:"object_id,omitempty"`
	Key      tile.ContentKey `json:"key"`
	Payload  []byte          `json:"payload"` // decoded geometry bytes, base64 on the wire
}

type GeomRemoveMsg struct {
	Type     string          `json:"type"`
	ObjectID tile.ObjectID   `json:"object_id,omitempty"`
	Key      tile.ContentKey `json:"key"`
}

// TileAddMsg announces newly discovered objects (tileserve -> engine).
type TileAddMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	TilesetID       string        `json:"tileset_id,omitempty"`
	Objects         []tile.Object `json:"objects"`
}

type StatsMsg struct {
	Type string `json:"type"`

	Passes     uint64 `json:"passes"`
	NetFetches uint64 `json:"net_fetches"`
	CacheHits  uint64 `json:"cache_hits"`
	Visible    int    `json:"visible"`
	Hidden     int    `json:"hidden"`
	Lost       int    `json:"lost"`

	// Debug side channel: bounding boxes of everything Visible.
	DebugBoxes []geom.AABB `json:"debug_boxes,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
