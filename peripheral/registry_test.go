package peripheral_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blegate/peripheral"
)

func TestRegistrySweepFindsStaleEntries(t *testing.T) {
	// never connected, so the snapshot stays in its initial disconnected
	// state, which IsStale requires
	coord, _ := newTestCoordinator(t)
	coord.Snapshot().SetLastActivity(time.Now().Add(-time.Hour))

	reg := peripheral.NewRegistry()
	reg.Put("AA:BB:CC:DD:EE:FF", coord)
	require.Equal(t, 1, reg.Len())

	got, ok := reg.Get("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Same(t, coord, got)

	stale := reg.Sweep(time.Minute)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, stale)

	reg.Remove("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, 0, reg.Len())
}
