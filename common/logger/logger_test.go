package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerInitialized(t *testing.T) {
	require.NotNil(t, Logger)
	// Named loggers must be derivable for per-subsystem log scoping.
	require.NotNil(t, Logger.Named("test"))
}
