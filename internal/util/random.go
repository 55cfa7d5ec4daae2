// Package util provides small helpers shared across TaskPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// SessionIDPrefix prefixes identifiers allocated for terminal chat sessions.
const SessionIDPrefix = "user_"

// SessionIDSuffixLength is the number of base36 characters after SessionIDPrefix.
const SessionIDSuffixLength = 9

const base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateRandomID generates a random ID with the specified prefix followed by
// length lowercase base36 characters.
func GenerateRandomID(prefix string, length int) string {
	return prefix + GenerateRandomBase36(length)
}

// GenerateRandomBase36 generates a random lowercase alphanumeric string of the specified length.
// Uses math/rand/v2; the result is an opaque correlation key, not a secret.
func GenerateRandomBase36(length int) string {
	if length <= 0 {
		return ""
	}

	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(base36Chars[rand.IntN(len(base36Chars))])
	}

	return builder.String()
}

// GenerateSessionID generates a chat session identifier such as "user_k3j9x0a1b".
func GenerateSessionID() string {
	return GenerateRandomID(SessionIDPrefix, SessionIDSuffixLength)
}

// IsSessionID reports whether s has the shape produced by GenerateSessionID.
func IsSessionID(s string) bool {
	if !strings.HasPrefix(s, SessionIDPrefix) || len(s) != len(SessionIDPrefix)+SessionIDSuffixLength {
		return false
	}
	for _, c := range s[len(SessionIDPrefix):] {
		if !strings.ContainsRune(base36Chars, c) {
			return false
		}
	}
	return true
}
