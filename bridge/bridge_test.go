package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blegate/bridge"
	"github.com/srg/blegate/locator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDeliversInOrder(t *testing.T) {
	b := bridge.New(4, 4)
	loc := locator.New("180d", "2a37")
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, bridge.Message{Kind: bridge.DidDiscoverServices}))
	require.NoError(t, b.Send(ctx, bridge.Message{Kind: bridge.DidWriteValue, Loc: loc}))

	first := <-b.C()
	second := <-b.C()
	assert.Equal(t, bridge.DidDiscoverServices, first.Kind)
	assert.Equal(t, bridge.DidWriteValue, second.Kind)
	assert.Equal(t, loc, second.Loc)
}

func TestSendBlocksUntilContextDone(t *testing.T) {
	b := bridge.New(1, 1)
	ctx := context.Background()
	require.NoError(t, b.Send(ctx, bridge.Message{Kind: bridge.Disconnected}))

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := b.Send(blockedCtx, bridge.Message{Kind: bridge.DidReadRSSI})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendNotificationDropsOldestUnderBackpressure(t *testing.T) {
	b := bridge.New(1, 2)
	loc := locator.New("180d", "2a37")

	b.SendNotification(bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: []byte{1}})
	b.SendNotification(bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: []byte{2}})
	b.SendNotification(bridge.Message{Kind: bridge.DidUpdateValue, Loc: loc, Data: []byte{3}})

	first := <-b.Notifications()
	second := <-b.Notifications()
	assert.Equal(t, []byte{2}, first.Data)
	assert.Equal(t, []byte{3}, second.Data)
	assert.Equal(t, int64(1), b.NotificationMetrics().Overwritten)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "didUpdateValueFor", bridge.DidUpdateValue.String())
	assert.Equal(t, "disconnected", bridge.Disconnected.String())
}
