package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
)

func TestActiveHigh(t *testing.T) {
	primary := &gpiotest.Pin{N: "GPIO17"}
	backup := &gpiotest.Pin{N: "GPIO27"}
	r := NewWithPins(primary, backup, true)

	require.NoError(t, r.SetPrimaryRelay(true))
	assert.Equal(t, gpio.High, primary.L)
	require.NoError(t, r.SetBackupRelay(true))
	assert.Equal(t, gpio.High, backup.L)

	require.NoError(t, r.Release())
	assert.Equal(t, gpio.Low, primary.L)
	assert.Equal(t, gpio.Low, backup.L)
}

func TestActiveLow(t *testing.T) {
	primary := &gpiotest.Pin{N: "GPIO17"}
	r := NewWithPins(primary, nil, false)

	require.NoError(t, r.SetPrimaryRelay(true))
	assert.Equal(t, gpio.Low, primary.L)
	require.NoError(t, r.SetPrimaryRelay(false))
	assert.Equal(t, gpio.High, primary.L)
}

func TestNoBackupRelay(t *testing.T) {
	r := NewWithPins(&gpiotest.Pin{N: "GPIO17"}, nil, true)
	assert.NoError(t, r.SetBackupRelay(true))
}

func TestUnknownPin(t *testing.T) {
	_, err := New("NO_SUCH_PIN", "", true)
	assert.Error(t, err)
}
