package testbed

import (
	"unsafe"

	"github.com/go-gl/mathgl/mgl32"
)

// vulkanClip remaps OpenGL clip depth [-1, 1] to the [0, 1] range Vulkan expects.
var vulkanClip = mgl32.Mat4{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 0.5, 0,
	0, 0, 0.5, 1,
}

type Camera struct {
	Eye    mgl32.Vec3
	Target mgl32.Vec3
	Up     mgl32.Vec3
	// FovY is in degrees.
	FovY float32
	Near float32
	Far  float32
}

func NewCamera() *Camera {
	return &Camera{
		Eye:    mgl32.Vec3{2.5, 2, 4},
		Target: mgl32.Vec3{0, 0, 0},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   45,
		Near:   0.1,
		Far:    100,
	}
}

func (c *Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(c.Eye, c.Target, c.Up)
}

func (c *Camera) Projection(aspect float32) mgl32.Mat4 {
	if aspect <= 0 {
		aspect = 1
	}
	return vulkanClip.Mul4(mgl32.Perspective(mgl32.DegToRad(c.FovY), aspect, c.Near, c.Far))
}

func (c *Camera) ViewProjection(aspect float32) mgl32.Mat4 {
	return c.Projection(aspect).Mul4(c.View())
}

// matrixBytes views m as the 64 bytes a push constant range expects.
func matrixBytes(m *mgl32.Mat4) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&m[0])), int(unsafe.Sizeof(*m)))
}
