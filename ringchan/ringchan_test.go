package ringchan_test

import (
	"testing"

	"github.com/srg/blegate/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendWithinCapacityNeverDrops(t *testing.T) {
	rc := ringchan.New[int](3)
	rc.Send(1)
	rc.Send(2)
	rc.Send(3)
	assert.Equal(t, 3, rc.Len())
	assert.Equal(t, int64(0), rc.GetMetrics().Overwritten)
}

func TestSendOverCapacityDropsOldest(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.Send(1)
	rc.Send(2)
	rc.Send(3) // drops 1

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	assert.Equal(t, int64(1), rc.GetMetrics().Overwritten)
}

func TestCloseEndsReceive(t *testing.T) {
	rc := ringchan.New[int](1)
	rc.Close()
	_, ok := rc.Receive()
	assert.False(t, ok)
}
