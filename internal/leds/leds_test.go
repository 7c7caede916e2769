package leds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/TheCacophonyProject/router-watchdog/internal/watchdog"
)

func newTestLEDs(activeHigh bool) (*LEDs, *gpiotest.Pin, *gpiotest.Pin, *gpiotest.Pin) {
	red := &gpiotest.Pin{N: "GPIO5"}
	green := &gpiotest.Pin{N: "GPIO6"}
	blue := &gpiotest.Pin{N: "GPIO13"}
	return NewWithPins(red, green, blue, activeHigh), red, green, blue
}

func healthy() watchdog.Status {
	return watchdog.Status{ResetState: watchdog.Healthy.String()}
}

func TestForStatus(t *testing.T) {
	assert.Equal(t, OK, ForStatus(healthy()))

	s := healthy()
	s.Counters.FailCount = 1
	assert.Equal(t, Fail, ForStatus(s))

	s = healthy()
	s.ResetState = watchdog.SafeMode.String()
	assert.Equal(t, Fail, ForStatus(s))

	s.ConfigMode = true
	assert.Equal(t, APMode, ForStatus(s))
}

func TestShow(t *testing.T) {
	l, red, green, blue := newTestLEDs(true)

	require.NoError(t, l.Show(healthy()))
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low}, []gpio.Level{red.L, green.L, blue.L})

	s := healthy()
	s.ConfigMode = true
	require.NoError(t, l.Show(s))
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.Low, gpio.High}, []gpio.Level{red.L, green.L, blue.L})
}

func TestActiveLow(t *testing.T) {
	l, red, green, _ := newTestLEDs(false)
	s := healthy()
	s.Counters.FailCount = 2
	require.NoError(t, l.Show(s))
	assert.Equal(t, gpio.Low, red.L)
	assert.Equal(t, gpio.High, green.L)
}

func TestWarningHoldsUntilCleared(t *testing.T) {
	l, red, green, blue := newTestLEDs(true)
	require.NoError(t, l.Warn(true))
	require.NoError(t, l.Show(healthy()))
	assert.Equal(t, []gpio.Level{gpio.High, gpio.High, gpio.Low}, []gpio.Level{red.L, green.L, blue.L})

	require.NoError(t, l.Warn(false))
	require.NoError(t, l.Show(healthy()))
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.High, gpio.Low}, []gpio.Level{red.L, green.L, blue.L})

	require.NoError(t, l.Release())
	assert.Equal(t, []gpio.Level{gpio.Low, gpio.Low, gpio.Low}, []gpio.Level{red.L, green.L, blue.L})
}

func TestMissingColour(t *testing.T) {
	green := &gpiotest.Pin{N: "GPIO6"}
	l := NewWithPins(nil, green, nil, true)
	s := healthy()
	s.ConfigMode = true
	assert.NoError(t, l.Show(s))
	assert.Equal(t, gpio.Low, green.L)
}

func TestDisabled(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, l.Show(healthy()))
	assert.NoError(t, l.Warn(true))
	assert.NoError(t, l.Release())

	_, err = New(Config{Red: "NO_SUCH_PIN"})
	assert.Error(t, err)
}
