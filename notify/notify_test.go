package notify_test

import (
	"testing"

	"github.com/srg/blegate/locator"
	"github.com/srg/blegate/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var c1 = locator.New("180d", "2a37")

func TestRegisterFanOutOrder(t *testing.T) {
	reg := notify.New()
	var order []int

	reg.Register(c1, func(data []byte) { order = append(order, 1) })
	reg.Register(c1, func(data []byte) { order = append(order, 2) })
	reg.Register(c1, func(data []byte) { order = append(order, 3) })

	reg.FanOut(c1, []byte("x"))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDeregisterIdempotent(t *testing.T) {
	reg := notify.New()
	id := reg.Register(c1, func([]byte) {})

	wasLast := reg.Deregister(c1, id)
	assert.True(t, wasLast)
	assert.False(t, reg.HasAny(c1))

	// second deregister is a no-op
	wasLast = reg.Deregister(c1, id)
	assert.False(t, wasLast)
}

func TestHandlerPanicDoesNotStopFanOut(t *testing.T) {
	reg := notify.New()
	var second bool

	reg.Register(c1, func([]byte) { panic("boom") })
	reg.Register(c1, func([]byte) { second = true })

	require.NotPanics(t, func() { reg.FanOut(c1, []byte("x")) })
	assert.True(t, second)
}

func TestLocatorsOnlyListsNonEmpty(t *testing.T) {
	reg := notify.New()
	c2 := locator.New("180d", "2a38")

	id := reg.Register(c1, func([]byte) {})
	reg.Register(c2, func([]byte) {})
	reg.Deregister(c2, reg.Register(c2, func([]byte) {}))

	locs := reg.Locators()
	assert.Contains(t, locs, c1)

	reg.Deregister(c1, id)
	locs = reg.Locators()
	assert.NotContains(t, locs, c1)
}
