package random

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const keyChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GetUUID returns a v4 UUID with the hyphens stripped.
func GetUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GenerateKey returns a 48-character access-token secret drawn from
// crypto/rand.
func GenerateKey() string {
	return GetRandomString(48)
}

// GetRandomString returns length alphanumeric characters from
// crypto/rand. Reading system randomness only fails on a broken
// platform, so errors panic.
func GetRandomString(length int) string {
	out := make([]byte, length)
	for i := range out {
		out[i] = keyChars[mustRandInt(len(keyChars))]
	}
	return string(out)
}

// RandRange returns a random int in [min, max).
func RandRange(min, max int) int {
	return min + mustRandInt(max-min)
}

func mustRandInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
