package peripheral_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blegate/peripheral"
	"github.com/stretchr/testify/assert"
)

func TestNotPresentIsMatchesAnyInstance(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &peripheral.NotPresent{Characteristic: "2a37"})
	assert.True(t, errors.Is(err, &peripheral.NotPresent{}))
}

func TestTransportErrorUnwraps(t *testing.T) {
	inner := errors.New("att error 0x0e")
	err := &peripheral.TransportError{Characteristic: "2a37", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.True(t, errors.Is(err, &peripheral.TransportError{}))
}
