package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerEWMA(t *testing.T) {
	tr := NewLatencyTracker(0.5)

	tr.ObserveOK("en-es", 100*time.Millisecond)
	tr.ObserveOK("en-es", 200*time.Millisecond)
	tr.ObserveError("en-es", 300*time.Millisecond)

	got, ok := tr.Get("en-es")
	require.True(t, ok)
	assert.InDelta(t, 225.0, got.EWMAms, 0.001)
	assert.Equal(t, uint64(2), got.OK)
	assert.Equal(t, uint64(1), got.Error)
	assert.Equal(t, 300*time.Millisecond, got.LastDuration)

	tr.Delete("en-es")
	_, ok = tr.Get("en-es")
	assert.False(t, ok)
}

func TestLatencyTrackerDefaultsAndNil(t *testing.T) {
	tr := NewLatencyTracker(5)
	assert.Equal(t, 0.2, tr.alpha)

	var nilTracker *LatencyTracker
	nilTracker.ObserveOK("en-es", time.Second)
	assert.Empty(t, nilTracker.Snapshot())
}
