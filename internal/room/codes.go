package room

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	// CodeLength is the fixed length of a room code.
	CodeLength = 8

	// MaxUsernameLength caps sanitized display names.
	MaxUsernameLength = 30

	// MaxUsers is the membership cap per room.
	MaxUsers = 20
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var codePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// GenerateCode returns a random 8-character room code drawn uniformly from
// A-Z0-9. Codes are not guaranteed unique: custom codes must be checked for
// existence by the caller before use, while generated codes are written
// optimistically and a collision is an accepted risk.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

// NormalizeCode trims surrounding whitespace and uppercases a user-supplied
// room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode reports whether code is exactly 8 uppercase alphanumeric
// characters. Callers should NormalizeCode first.
func ValidateCode(code string) bool {
	return codePattern.MatchString(code)
}

// SanitizeUsername trims, truncates to MaxUsernameLength and strips every
// character outside [A-Za-z0-9 _-]. Returns "" when nothing survives;
// callers must reject an empty result before any network action.
func SanitizeUsername(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > MaxUsernameLength {
		name = name[:MaxUsernameLength]
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == ' ', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
