package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoBadVersion = "E_PROTO_BAD_VERSION"

	// Viewer routing.
	ErrViewerBusy = "E_VIEWER_BUSY"

	// Engine.
	ErrFetch    = "E_FETCH"
	ErrDecode   = "E_DECODE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoBadVersion: {},
	ErrViewerBusy:      {},
	ErrFetch:           {},
	ErrDecode:          {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
