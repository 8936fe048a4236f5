package testbed

import (
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"
)

// Vertex matches the layout the cube shaders read at locations 0, 1 and 2.
type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	Texcoord mgl32.Vec2
}

const VERTEX_STRIDE = uint32(unsafe.Sizeof(Vertex{}))

func vertexAttributes() []vk.VertexInputAttributeDescription {
	return []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(Vertex{}.Position))},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(Vertex{}.Normal))},
		{Location: 2, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(Vertex{}.Texcoord))},
	}
}

// cubeFace lists four corners as signs of the half extents. Corners 0, 1, 2 and
// 0, 3, 1 form the two counter clockwise triangles seen from outside.
type cubeFace struct {
	normal  mgl32.Vec3
	corners [4]mgl32.Vec3
}

var cubeFaces = [6]cubeFace{
	// Front
	{normal: mgl32.Vec3{0, 0, 1}, corners: [4]mgl32.Vec3{{-1, -1, 1}, {1, 1, 1}, {-1, 1, 1}, {1, -1, 1}}},
	// Back
	{normal: mgl32.Vec3{0, 0, -1}, corners: [4]mgl32.Vec3{{1, -1, -1}, {-1, 1, -1}, {1, 1, -1}, {-1, -1, -1}}},
	// Left
	{normal: mgl32.Vec3{-1, 0, 0}, corners: [4]mgl32.Vec3{{-1, -1, -1}, {-1, 1, 1}, {-1, 1, -1}, {-1, -1, 1}}},
	// Right
	{normal: mgl32.Vec3{1, 0, 0}, corners: [4]mgl32.Vec3{{1, -1, 1}, {1, 1, -1}, {1, 1, 1}, {1, -1, -1}}},
	// Bottom
	{normal: mgl32.Vec3{0, -1, 0}, corners: [4]mgl32.Vec3{{1, -1, 1}, {-1, -1, -1}, {1, -1, -1}, {-1, -1, 1}}},
	// Top
	{normal: mgl32.Vec3{0, 1, 0}, corners: [4]mgl32.Vec3{{-1, 1, 1}, {1, 1, -1}, {-1, 1, -1}, {1, 1, 1}}},
}

var faceUVs = [4]mgl32.Vec2{{0, 0}, {1, 1}, {0, 1}, {1, 0}}

// GenerateCube builds a box of the given size centered on the origin with
// 24 vertices so each face carries its own normal. Texture coordinates repeat
// tileX by tileY times per face.
func GenerateCube(width, height, depth, tileX, tileY float32) ([]Vertex, []uint32) {
	if width == 0 {
		width = 1
	}
	if height == 0 {
		height = 1
	}
	if depth == 0 {
		depth = 1
	}
	if tileX == 0 {
		tileX = 1
	}
	if tileY == 0 {
		tileY = 1
	}
	half := mgl32.Vec3{width * 0.5, height * 0.5, depth * 0.5}

	vertices := make([]Vertex, 0, 24)
	indices := make([]uint32, 0, 36)
	for _, face := range cubeFaces {
		offset := uint32(len(vertices))
		for i, corner := range face.corners {
			vertices = append(vertices, Vertex{
				Position: mgl32.Vec3{corner[0] * half[0], corner[1] * half[1], corner[2] * half[2]},
				Normal:   face.normal,
				Texcoord: mgl32.Vec2{faceUVs[i][0] * tileX, faceUVs[i][1] * tileY},
			})
		}
		indices = append(indices, offset, offset+1, offset+2, offset, offset+3, offset+1)
	}
	return vertices, indices
}
