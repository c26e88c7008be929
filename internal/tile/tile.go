// Package tile models pre-partitioned geometry datasets: a manifest naming
// every streamable object with its bounding volume and content key, plus the
// framed payload encoding used on the wire and in the durable cache.
package tile

import (
	"encoding/json"
	"fmt"
	"os"

	"geostream.dev/internal/geom"
)

// ObjectID is the stable identity of one streamable object.
type ObjectID string

// ContentKey addresses a fetchable payload. Several objects may share one key
// (shared geometry definitions).
type ContentKey string

// Object is one streamable unit as declared by the manifest.
type Object struct {
	ID     ObjectID   `json:"id"`
	Key    ContentKey `json:"key"`
	Bounds geom.AABB  `json:"bounds"`
}

// Tile groups objects produced together by the conversion pipeline.
type Tile struct {
	ID      string   `json:"id"`
	Objects []Object `json:"objects"`
}

// Manifest describes a full tileset.
type Manifest struct {
	FormatVersion int    `json:"format_version"`
	TilesetID     string `json:"tileset_id"`
	Tiles         []Tile `json:"tiles"`
}

const ManifestFormatVersion = 1

func ParseManifest(b []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("manifest: %w", err)
	}
	if m.FormatVersion != ManifestFormatVersion {
		return m, fmt.Errorf("manifest: unsupported format_version %d", m.FormatVersion)
	}
	if m.TilesetID == "" {
		return m, fmt.Errorf("manifest: missing tileset_id")
	}
	seen := map[ObjectID]struct{}{}
	for _, t := range m.Tiles {
		for _, o := range t.Objects {
			if o.ID == "" || o.Key == "" {
				return m, fmt.Errorf("manifest: tile %s has object with empty id or key", t.ID)
			}
			if _, dup := seen[o.ID]; dup {
				return m, fmt.Errorf("manifest: duplicate object id %s", o.ID)
			}
			seen[o.ID] = struct{}{}
		}
	}
	return m, nil
}

func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(b)
}

// Objects flattens the manifest into one object list.
func (m Manifest) Objects() []Object {
	var out []Object
	for _, t := range m.Tiles {
		out = append(out, t.Objects...)
	}
	return out
}
