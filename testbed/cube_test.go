package testbed

import (
	"testing"
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
)

func TestVertexLayout(t *testing.T) {
	require.Equal(t, uint32(32), VERTEX_STRIDE)
	attrs := vertexAttributes()
	require.Len(t, attrs, 3)
	require.Equal(t, []uint32{0, 12, 24}, []uint32{attrs[0].Offset, attrs[1].Offset, attrs[2].Offset})
	require.Equal(t, uintptr(32), unsafe.Sizeof(Vertex{}))
}

func TestGenerateCube(t *testing.T) {
	vertices, indices := GenerateCube(2, 4, 6, 1, 1)
	require.Len(t, vertices, 24)
	require.Len(t, indices, 36)

	for _, v := range vertices {
		require.InDelta(t, 1, v.Position.X()*v.Position.X(), 1e-6)
		require.InDelta(t, 4, v.Position.Y()*v.Position.Y(), 1e-6)
		require.InDelta(t, 9, v.Position.Z()*v.Position.Z(), 1e-6)
		require.InDelta(t, 1, v.Normal.Len(), 1e-6)
	}
	for _, i := range indices {
		require.Less(t, i, uint32(len(vertices)))
	}
}

func TestGenerateCubeWindsOutward(t *testing.T) {
	vertices, indices := GenerateCube(1, 1, 1, 1, 1)
	for i := 0; i < len(indices); i += 3 {
		a, b, c := vertices[indices[i]], vertices[indices[i+1]], vertices[indices[i+2]]
		normal := b.Position.Sub(a.Position).Cross(c.Position.Sub(a.Position))
		require.Greater(t, normal.Dot(a.Normal), float32(0), "triangle %d", i/3)
		// Every corner of a face sits on the plane its normal points at.
		require.InDelta(t, 0.5, a.Position.Dot(a.Normal), 1e-6)
	}
}

func TestGenerateCubeDefaultsAndTiling(t *testing.T) {
	vertices, _ := GenerateCube(0, 0, 0, 3, 2)
	var maxUV mgl32.Vec2
	for _, v := range vertices {
		require.InDelta(t, 0.5, abs(v.Position.X()), 1e-6)
		maxUV[0] = max(maxUV[0], v.Texcoord[0])
		maxUV[1] = max(maxUV[1], v.Texcoord[1])
	}
	require.Equal(t, mgl32.Vec2{3, 2}, maxUV)
}

func abs(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
