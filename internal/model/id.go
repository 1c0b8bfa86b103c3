package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID string used for suite, task and worker identifiers.
func NewID() string {
	return ulid.Make().String()
}

// ShortID returns a lowercase prefix of an ID, used in container and image
// names where the full ULID is unwieldy.
func ShortID(id string) string {
	const n = 10
	if len(id) > n {
		id = id[:n]
	}
	return strings.ToLower(id)
}
