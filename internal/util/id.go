package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewRequestNumber builds a human-facing reference like LR-2025-3f2a9c.
func NewRequestNumber(now time.Time) string {
	bytes := make([]byte, 3)
	_, _ = rand.Read(bytes)
	return fmt.Sprintf("LR-%d-%s", now.Year(), hex.EncodeToString(bytes))
}
