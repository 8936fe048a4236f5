package testbed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestGameTracksResizeAndTime(t *testing.T) {
	g := NewTestGame()
	require.NotNil(t, g.FnInitialize)
	require.NotNil(t, g.FnShutdown)

	require.NoError(t, g.FnOnResize(800, 400))
	require.Equal(t, float32(2), g.state().scene.aspect)
	// A minimized window keeps the last aspect.
	require.NoError(t, g.FnOnResize(0, 0))
	require.Equal(t, float32(2), g.state().scene.aspect)

	before := g.state().scene.model
	require.NoError(t, g.FnUpdate(0.5))
	require.InDelta(t, 0.5, g.state().elapsed, 1e-9)
	require.NotEqual(t, before, g.state().scene.model)

	// Nothing was created, so there is nothing to release.
	require.NoError(t, g.FnShutdown())
}
