package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/segmentio/ksuid"
)

const TokenLength = 32

// NewToken returns 128 random bits as lowercase hex.
func NewToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func IsToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NewName returns a k-sortable name: a second-resolution timestamp followed by
// 128 random bits.
func NewName() string {
	return ksuid.New().String()
}
