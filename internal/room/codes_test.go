package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, CodeLength)
		assert.True(t, ValidateCode(code), "generated code %q must validate", code)
		seen[code] = true
	}
	// 100 draws from 36^8 colliding would point at a broken generator.
	assert.Greater(t, len(seen), 90)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABCD1234", NormalizeCode("  abcd1234 "))
	assert.Equal(t, "XYZ", NormalizeCode("xyz"))
	assert.Equal(t, "", NormalizeCode("   "))
}

func TestValidateCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"ABCD1234", true},
		{"AAAAAAAA", true},
		{"00000000", true},
		{"abcd1234", false}, // must be normalized first
		{"ABCD123", false},  // too short
		{"ABCD12345", false},
		{"ABCD-123", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidateCode(tt.code), "code %q", tt.code)
	}
}

func TestSanitizeUsername(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips invalid runes", "  Jo@hn!! ", "John"},
		{"keeps allowed runes", "alice_b-c 1", "alice_b-c 1"},
		{"truncates before stripping", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa12345", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{"all invalid", "@!#$%", ""},
		{"blank", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeUsername(tt.in))
		})
	}
}
