package utils

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Version returns the quoted CRC32 of a serialized document, used as its
// subscription version
func Version(data []byte) string {
	return fmt.Sprintf("\"%08x\"", crc32.ChecksumIEEE(data))
}

// NewID generates a random id for documents and subscriptions
func NewID() string {
	return uuid.NewString()
}
