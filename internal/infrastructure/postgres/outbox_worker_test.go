package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeNextRetry_Bounds(t *testing.T) {
	// floor 5s
	d0 := computeNextRetry(-1)
	require.GreaterOrEqual(t, d0, 4*time.Second)
	require.LessOrEqual(t, d0, 6*time.Second)

	// 2^10 = 1024s, +/-10% jitter
	d10 := computeNextRetry(10)
	require.GreaterOrEqual(t, d10, 900*time.Second)
	require.LessOrEqual(t, d10, 1150*time.Second)

	// cap 30 minutes
	d20 := computeNextRetry(20)
	require.GreaterOrEqual(t, d20, 1600*time.Second)
	require.LessOrEqual(t, d20, 2000*time.Second)
}
