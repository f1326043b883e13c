package mblock

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("Valid config", func(t *testing.T) {
		for _, c := range []Config{DefaultConfig(), {SmallCapacityK: 1}, {BigCapacityK: 64}} {
			require.NoError(t, c.Validate(), "config %+v", c)
		}
	})

	t.Run("Negative capacity", func(t *testing.T) {
		c := Config{SmallCapacityK: 2, BigCapacityK: -1}
		require.EqualError(t, c.Validate(), "invalid config: big pool capacity -1 must not be negative")
	})

	t.Run("No capacity", func(t *testing.T) {
		require.EqualError(t, Config{}.Validate(), "invalid config: at least one pool must have capacity")
	})

	t.Run("Capacity overflow", func(t *testing.T) {
		c := Config{SmallCapacityK: 1, BigCapacityK: math.MaxInt / 2}
		require.ErrorContains(t, c.Validate(), "invalid config: big pool capacity")

		c = Config{
			SmallCapacityK: math.MaxInt / bytesPerK(0),
			BigCapacityK:   math.MaxInt / bytesPerK(1),
		}
		require.ErrorContains(t, c.Validate(), "combined pool capacity overflows")
	})

	t.Run("Multiple invalid fields", func(t *testing.T) {
		c := Config{SmallCapacityK: -1, BigCapacityK: -2}
		err := c.Validate()
		require.Error(t, err)
		for i, k := range []int{-1, -2} {
			require.ErrorContains(t, err, fmt.Sprintf("invalid config: %s pool capacity %d", poolNames[i], k))
		}
	})
}

func TestConfigRegionSize(t *testing.T) {
	c := Config{SmallCapacityK: 2, BigCapacityK: 1}
	words := c.mapWords()
	require.Equal(t, 256, words[0])
	require.Equal(t, 128, words[1])
	require.Equal(t, 256*4+256*128+128*4+128*2048, c.regionSize())
}
