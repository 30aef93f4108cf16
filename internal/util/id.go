package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit hex id, prefixed with "<prefix>_" when prefix is set.
func NewID(prefix string) string {
	return NewToken(prefix, 16)
}

func NewToken(prefix string, size int) string {
	if size <= 0 {
		size = 16
	}
	bytes := make([]byte, size)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
