// README: Common identifier and geo value objects used across modules.
package types

import (
	"crypto/rand"
	"encoding/hex"
)

type ID string

type Point struct {
	Lat float64
	Lng float64
}

// NewID returns a 32-char hex identifier.
func NewID() ID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return ID(hex.EncodeToString(b[:]))
}
