package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDateRange(t *testing.T) {
	const day = int64(24 * 3600)

	s, e, err := NormalizeDateRange("2025-01-15", "2025-01-15", 10)
	require.NoError(t, err)
	require.Equal(t, day, e-s)

	s, e, err = NormalizeDateRange("2025-01-01", "2025-01-03", 10)
	require.NoError(t, err)
	require.Equal(t, 3*day, e-s)

	// Across a leap day.
	s, e, err = NormalizeDateRange("2024-02-28", "2024-03-01", 10)
	require.NoError(t, err)
	require.Equal(t, 3*day, e-s)

	_, _, err = NormalizeDateRange("2025-01-01", "2025-01-10", 5)
	require.Error(t, err)

	_, _, err = NormalizeDateRange("2025-01-10", "2025-01-01", 10)
	require.Error(t, err)

	_, _, err = NormalizeDateRange("Jan 1 2025", "2025-01-03", 10)
	require.Error(t, err)
}

func TestNormalizeDateRangeUTCBoundaries(t *testing.T) {
	s, e, err := NormalizeDateRange("2025-05-05", "2025-05-05", 1)
	require.NoError(t, err)
	require.Zero(t, time.Unix(s, 0).UTC().Hour())
	require.Zero(t, time.Unix(e, 0).UTC().Hour())
}
