package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextAdvances(t *testing.T) {
	c := New("actor-a")
	require.Equal(t, int64(0), c.Value())
	require.Equal(t, int64(1), c.Next())
	require.Equal(t, int64(2), c.Next())
	require.Equal(t, int64(2), c.Value())
}

func TestObserveTakesMax(t *testing.T) {
	c := New("actor-a")
	c.Next()
	c.Next()
	c.Observe(1)
	require.Equal(t, int64(2), c.Value(), "observing a lower remote value must not regress")
	c.Observe(10)
	require.Equal(t, int64(10), c.Value())
	require.Equal(t, int64(11), c.Next())
}
