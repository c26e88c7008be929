package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geostream.dev/internal/tile"
)

// Source resolves a content key to raw (framed) payload bytes. The payload
// format is opaque here beyond the key contract.
type Source interface {
	Fetch(ctx context.Context, key tile.ContentKey) ([]byte, error)
}

// HTTPSource fetches payloads from a tile server.
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTPSource(base string) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) URL(key tile.ContentKey) string {
	return s.base + "/v1/payloads/" + url.PathEscape(string(key))
}

func (s *HTTPSource) Fetch(ctx context.Context, key tile.ContentKey) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DirSource reads payloads from a local tileset directory. Keys are relative
// slash paths inside the directory.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource { return &DirSource{dir: dir} }

func (s *DirSource) Fetch(_ context.Context, key tile.ContentKey) ([]byte, error) {
	rel := filepath.FromSlash(string(key))
	if !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("bad key %q", key)
	}
	return os.ReadFile(filepath.Join(s.dir, rel))
}
