package random_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/common/random"
)

func TestGeneratorsAreUnique(t *testing.T) {
	generators := map[string]func() string{
		"GetUUID":             random.GetUUID,
		"GenerateKey":         random.GenerateKey,
		"GetRandomString(20)": func() string { return random.GetRandomString(20) },
	}
	for name, gen := range generators {
		t.Run(name, func(t *testing.T) {
			seen := make(map[string]bool, 10000)
			for range 10000 {
				v := gen()
				require.False(t, seen[v], "duplicate value %q", v)
				seen[v] = true
			}
		})
	}
}

func TestGenerateKeyShape(t *testing.T) {
	key := random.GenerateKey()
	require.Len(t, key, 48)
	for _, c := range key {
		isAlnum := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		require.True(t, isAlnum, "unexpected character %q", c)
	}
}

func TestRandRange(t *testing.T) {
	counts := make(map[int]int)
	for range 10000 {
		v := random.RandRange(1, 10)
		require.GreaterOrEqual(t, v, 1)
		require.Less(t, v, 10)
		counts[v]++
	}
	// Every value in the range should show up over 10k draws.
	require.Len(t, counts, 9)
}
