package models

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 16-character hex identifier. Used for ride
// request ids and HTTP correlation ids alike, so every id in the logs
// has the same shape.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
