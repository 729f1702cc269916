package wwrgate_test

import (
	"testing"
	"time"

	"github.com/srg/blegate/wwrgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstCallerAdmittedImmediately(t *testing.T) {
	g := wwrgate.New()
	admit, wait := g.Begin()
	assert.True(t, admit)
	assert.Nil(t, wait)
}

func TestSecondCallerSuspendsUntilReleased(t *testing.T) {
	g := wwrgate.New()
	admit1, _ := g.Begin()
	require.True(t, admit1)

	admit2, wait2 := g.Begin()
	require.False(t, admit2)

	select {
	case <-wait2:
		t.Fatal("second caller resumed before Release")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()
	select {
	case <-wait2:
	case <-time.After(time.Second):
		t.Fatal("second caller never resumed")
	}
}

func TestReleaseWakesAllSuspended(t *testing.T) {
	g := wwrgate.New()
	g.Begin()
	_, w1 := g.Begin()
	_, w2 := g.Begin()

	g.Release()

	for _, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		case <-time.After(time.Second):
			t.Fatal("waiter not resumed")
		}
	}

	// after Release, the gate is idle again: next caller is admitted.
	admit, _ := g.Begin()
	assert.True(t, admit)
}
