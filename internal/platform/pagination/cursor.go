package pagination

import "errors"

// Cursor captures the Firestore start position encoded into page tokens.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

// ErrInvalidPageToken marks page tokens that fail to decode.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
