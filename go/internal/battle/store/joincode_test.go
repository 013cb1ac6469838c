package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCodeGenerator(t *testing.T) {
	gen, err := NewJoinCodeGenerator()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		code := gen()
		require.Len(t, code, JoinCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(JoinCodeAlphabet, r), "unexpected character %q in %s", r, code)
		}
		seen[code] = true
	}
	// 31^6 possible codes; a handful of collisions in 500 draws would signal a broken generator.
	assert.Greater(t, len(seen), 490)
}
