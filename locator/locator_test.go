package locator_test

import (
	"testing"

	"github.com/srg/blegate/locator"
	"github.com/stretchr/testify/assert"
)

func TestNewNormalizesCase(t *testing.T) {
	a := locator.New("180D-0000-1000-8000-00805F9B34FB", "2A37")
	b := locator.New("180d00001000800000805f9b34fb", "2a37")
	assert.Equal(t, a, b)
}

func TestLocatorAsMapKey(t *testing.T) {
	m := map[locator.Locator]int{}
	l1 := locator.New("180D", "2A37")
	l2 := locator.New("180d", "2a37")
	m[l1] = 1
	m[l2] = 2
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[l1])
}

func TestString(t *testing.T) {
	l := locator.New("180D", "2A37")
	assert.Equal(t, "180d/2a37", l.String())
}
