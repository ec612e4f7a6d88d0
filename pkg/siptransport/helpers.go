package siptransport

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// newCallID генерирует уникальный Call-ID.
func newCallID() string {
	return uuid.NewString()
}

// newTag генерирует локальный тег диалога.
func newTag() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(buf)
}
