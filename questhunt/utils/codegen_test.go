package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateQuestCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code, err := GenerateQuestCode()
		require.NoError(t, err)
		assert.Len(t, code, QuestCodeLength)
		for _, c := range code {
			assert.Contains(t, QuestCodeAlphabet, string(c))
		}
		seen[code] = true
	}
	// 34^6 possible codes, 1000 draws colliding would mean a broken RNG.
	assert.Greater(t, len(seen), 990)
}

func TestGenerateQuestCodeNoAmbiguousCharacters(t *testing.T) {
	for _, banned := range []string{"I", "O"} {
		assert.NotContains(t, QuestCodeAlphabet, banned)
	}
}

func TestNormalizeQuestCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123", "ABC123"},
		{"  ABC123  ", "ABC123"},
		{"\tqw9xk2\n", "QW9XK2"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuestCode(tt.in), strings.TrimSpace(tt.in))
	}
}
