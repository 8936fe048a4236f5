package core

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestEventRegistryBroadcastsToAll(t *testing.T) {
	registry := NewEventRegistry[ResizeEvent](EVENT_CODE_RESIZED)

	var got []uint32
	registry.Register(func(e ResizeEvent) error {
		got = append(got, e.Width)
		return nil
	})
	id := registry.Register(func(e ResizeEvent) error {
		got = append(got, e.Height)
		return nil
	})
	require.Equal(t, 2, registry.Len())

	require.NoError(t, registry.Fire(ResizeEvent{Width: 800, Height: 600}))
	require.Equal(t, []uint32{800, 600}, got)

	require.True(t, registry.Unregister(id))
	require.False(t, registry.Unregister(id))

	got = nil
	require.NoError(t, registry.Fire(ResizeEvent{Width: 1, Height: 2}))
	require.Equal(t, []uint32{1}, got)
}

func TestEventRegistryCollectsErrors(t *testing.T) {
	registry := NewEventRegistry[int](EVENT_CODE_SWAPCHAIN_RECREATED)
	calls := 0
	registry.Register(func(int) error {
		calls++
		return errors.New("first")
	})
	registry.Register(func(int) error {
		calls++
		return nil
	})

	err := registry.Fire(7)
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
	require.Equal(t, 2, calls)
}

func TestEventRegistryListenerMayUnregisterItself(t *testing.T) {
	registry := NewEventRegistry[int](EVENT_CODE_APPLICATION_QUIT)
	calls := 0
	var self uuid.UUID
	self = registry.Register(func(int) error {
		calls++
		registry.Unregister(self)
		return nil
	})

	require.NoError(t, registry.Fire(1))
	require.NoError(t, registry.Fire(2))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, registry.Len())
}

func TestAssert(t *testing.T) {
	require.NoError(t, Assert(true, "never"))

	err := Assert(false, "state was %d", 3)
	require.Error(t, err)
	require.True(t, IsAssertion(err))
	require.Contains(t, err.Error(), "state was 3")

	require.False(t, IsAssertion(ErrUnknown))
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumen.toml")
	data := `
[application]
name = "demo"
width = 640
height = 480

[renderer]
frames_in_flight = 3
memory_stats_path = "stats.json"

[shaders]
watch = false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.Application.Name)
	require.Equal(t, uint32(640), cfg.Application.Width)
	require.Equal(t, uint32(3), cfg.Renderer.FramesInFlight)
	require.Equal(t, "stats.json", cfg.Renderer.MemoryStatsPath)
	require.False(t, cfg.Shaders.Watch)
	// untouched keys keep their defaults
	require.Equal(t, uint32(1000), cfg.Renderer.DescriptorSetsPerPool)
	require.Equal(t, "shaders", cfg.Shaders.Dir)
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]string{
		"zero frames":    "[renderer]\nframes_in_flight = 0\n",
		"too many sets":  "[renderer]\ndescriptor_sets_per_pool = 5000\n",
		"zero extent":    "[application]\nwidth = 0\n",
		"empty shaders":  "[shaders]\ndir = \"\"\n",
		"malformed toml": "[renderer\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, ParseConfig([]byte(data), DefaultConfig()))
		})
	}
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("warn"))
	require.Error(t, SetLogLevel("loud"))
	require.NoError(t, SetLogLevel("debug"))
}

func TestMetricsFPS(t *testing.T) {
	m := NewMetrics()
	refreshed := false
	for i := 0; i < 61; i++ {
		if m.Update(1.0 / 60.0) {
			refreshed = true
		}
	}
	require.True(t, refreshed)
	require.InDelta(t, 60, m.FPS(), 1)
	require.InDelta(t, 16.67, m.FrameTime(), 0.1)
}

func TestMetricsRollingAverage(t *testing.T) {
	m := NewMetrics()
	m.Update(0.010)
	require.InDelta(t, 10, m.FrameTime(), 1e-9)
	for i := 0; i < AVG_COUNT; i++ {
		m.Update(0.020)
	}
	// The 10ms frame has left the window.
	require.InDelta(t, 20, m.FrameTime(), 1e-6)
}

func TestClock(t *testing.T) {
	now := time.Unix(100, 0)
	c := &Clock{now: func() time.Time { return now }}

	c.Update()
	require.Zero(t, c.Elapsed())

	c.Start()
	now = now.Add(1500 * time.Millisecond)
	c.Update()
	require.InDelta(t, 1.5, c.Elapsed(), 1e-9)

	c.Stop()
	now = now.Add(time.Second)
	c.Update()
	require.InDelta(t, 1.5, c.Elapsed(), 1e-9)
}
