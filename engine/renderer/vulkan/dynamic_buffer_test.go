package vulkan

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestDynamicBufferScenario(t *testing.T) {
	driver := newFakeDriver()
	context := newTestContext(t, driver)
	db := NewDynamicBuffer("frame-uniforms")

	model, err := AddVariable(db, mgl32.Ident4())
	require.NoError(t, err)
	require.Equal(t, 0, model)

	tint, err := AddVariable(db, mgl32.Vec4{})
	require.NoError(t, err)
	require.Equal(t, 16, tint)
	require.Equal(t, vk.DeviceSize(80), db.Size())

	require.NoError(t, UpdateVariable(db, tint, mgl32.Vec4{0, 0, 0, 1}))
	floats := db.Floats()
	require.Equal(t, []float32{0, 0, 0, 1}, floats[16:20])
	identity := mgl32.Ident4()
	require.Equal(t, identity[:], floats[0:16], "neighbouring variables are untouched")

	require.NoError(t, db.Init(context))
	require.True(t, db.IsFrozen())
	require.True(t, db.Buffer().Allocation.IsPersistentlyMapped())
	raw := bufferBytes(driver, db.Buffer())
	gpu := unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), db.Len())
	require.Equal(t, floats, gpu)

	_, err = AddVariable(db, mgl32.Vec4{1, 1, 1, 1})
	require.True(t, errors.Is(err, core.ErrDynamicBufferFrozen))
	require.Equal(t, 20, db.Len())

	// Updates after Init land in the mapped buffer on the next bind.
	require.NoError(t, UpdateVariable(db, tint, mgl32.Vec4{0.5, 0.25, 0, 1}))
	var writer DescriptorWriter
	require.NoError(t, db.ProperBind(0, &writer))
	require.Equal(t, 1, writer.Len())
	require.Equal(t, []float32{0.5, 0.25, 0, 1}, gpu[16:20])

	require.NoError(t, db.Destroy(context))
	require.True(t, db.IsFrozen(), "a destroyed buffer stays frozen")
	require.Empty(t, driver.buffers)
}

func TestDynamicBufferRejectsBadHandles(t *testing.T) {
	db := NewDynamicBuffer("bounds")
	handle, err := AddVariable(db, mgl32.Vec4{})
	require.NoError(t, err)

	require.True(t, core.IsAssertion(UpdateVariable(db, handle+2, mgl32.Vec4{})), "unaligned handle")
	require.True(t, core.IsAssertion(UpdateVariable(db, handle, mgl32.Ident4())), "matrix overruns a vector slot")
	require.True(t, core.IsAssertion(UpdateVariable(db, -4, mgl32.Vec4{})))
	require.True(t, core.IsAssertion(db.Sync()), "sync before Init")
}

func TestDynamicBufferInitChecks(t *testing.T) {
	context := newTestContext(t, newFakeDriver())

	empty := NewDynamicBuffer("empty")
	require.True(t, core.IsAssertion(empty.Init(context)))

	db := NewDynamicBuffer("twice")
	_, err := AddVariable(db, mgl32.Vec4{})
	require.NoError(t, err)
	require.NoError(t, db.Init(context))
	require.True(t, core.IsAssertion(db.Init(context)))
}
