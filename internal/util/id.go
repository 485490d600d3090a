// Package util provides shared logging, identifiers and statistics.
package util

import "github.com/google/uuid"

// NewID returns a random identifier for participants and call sessions.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first 8 characters of an identifier for log lines.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
