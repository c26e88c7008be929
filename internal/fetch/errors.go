package fetch

import (
	"fmt"

	"geostream.dev/internal/tile"
)

// FetchError is a network/source failure. The object stays without geometry
// and the fetch is retried on its next visibility re-entry.
type FetchError struct {
	Key tile.ContentKey
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Key, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError is a malformed payload. The key is treated as permanently
// unresolved until the cache is cleared and a fresh fetch is attempted.
type DecodeError struct {
	Key tile.ContentKey
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Key, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
