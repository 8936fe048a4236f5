package engine

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

type Engine struct {
	currentStage Stage
	config       *core.Config
	gameInstance *Game

	platform *platform.Platform
	renderer *vulkan.VulkanRenderer
	shaders  *assets.ShaderLibrary
	watcher  *assets.ShaderWatcher

	isRunning   atomic.Bool
	isSuspended bool
	closers     closerStack

	clock    *core.Clock
	metrics  *core.Metrics
	lastTime float64
}

func New(config *core.Config, g *Game) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.Logging.Level); err != nil {
		return nil, err
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		config:       config,
		gameInstance: g,
		platform:     platform.New(),
		shaders:      assets.NewShaderLibrary(config.Shaders.Dir),
		clock:        core.NewClock(),
		metrics:      core.NewMetrics(),
	}, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

// Initialize brings up the window, the shader pipeline, the renderer and then the
// game, in that order. On failure everything already started is torn down.
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing
	if err := e.initialize(); err != nil {
		_ = e.closers.closeAll()
		e.currentStage = EngineStageUninitialized
		return err
	}
	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized")
	return nil
}

func (e *Engine) initialize() error {
	cfg := e.config

	if err := e.platform.Startup(cfg.Application); err != nil {
		return err
	}
	e.closers.push("platform", e.platform.Shutdown)
	e.platform.Resized.Register(e.onResized)
	e.platform.Quit.Register(func(struct{}) error {
		core.LogInfo("quit requested, shutting down.")
		e.RequestShutdown()
		return nil
	})

	if cfg.Shaders.Watch {
		watcher, err := assets.NewShaderWatcher(e.shaders, assets.NagaCompiler{}, assets.GlslcCompiler{})
		if err != nil {
			return err
		}
		e.watcher = watcher
		e.closers.push("shader watcher", watcher.Close)
		if _, err := watcher.CompileAll(); err != nil {
			// Whatever bytecode is already on disk is still usable.
			core.LogWarn("compiling shaders: %s", err)
		}
	}

	renderer, err := vulkan.NewVulkanRenderer(e.platform, cfg.Application.Name, cfg.Renderer)
	if err != nil {
		return errors.Wrap(err, "initializing renderer")
	}
	e.renderer = renderer
	e.closers.push("renderer", renderer.Shutdown)
	if e.watcher != nil {
		renderer.WatchShaders(e.watcher.Changes())
	}

	g := e.gameInstance
	if g.FnInitialize != nil {
		if err := g.FnInitialize(&GameContext{Config: cfg, Renderer: renderer, Shaders: e.shaders}); err != nil {
			return errors.Wrap(err, "initializing game")
		}
	}
	if g.FnShutdown != nil {
		e.closers.push("game", func() error {
			// Game resources may still be referenced by in-flight frames.
			if err := renderer.WaitIdle(); err != nil {
				return err
			}
			return g.FnShutdown()
		})
	}
	if g.Scene == nil {
		return errors.New("game did not provide a scene")
	}
	if g.FnOnResize != nil {
		w, h := e.platform.FramebufferSize()
		if err := g.FnOnResize(w, h); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the frame loop until the window closes or RequestShutdown is called.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.Newf("engine cannot run from stage %s", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning.Load() {
		if !e.platform.PumpMessages() {
			break
		}
		if e.isSuspended {
			e.platform.WaitMessages(0.1)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStartTime := e.platform.GetAbsoluteTime()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				return errors.Wrap(err, "game update failed")
			}
		}
		if err := e.renderer.DrawFrame(e.gameInstance.Scene); err != nil {
			return errors.Wrap(err, "drawing frame")
		}

		frameElapsedTime := e.platform.GetAbsoluteTime() - frameStartTime
		if e.metrics.Update(frameElapsedTime) {
			fps, frameTime := e.metrics.Frame()
			core.LogDebug("%.0f fps, %.2fms/frame", fps, frameTime)
		}
		e.lastTime = currentTime
	}
	return nil
}

// RequestShutdown makes Run return after the current frame. Safe from any goroutine.
func (e *Engine) RequestShutdown() {
	e.isRunning.Store(false)
}

// Shutdown waits for the device to go idle and releases everything in reverse
// initialization order.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)
	if e.renderer != nil {
		if err := e.renderer.WaitIdle(); err != nil {
			core.LogError("waiting for device idle: %s", err)
		}
	}
	err := e.closers.closeAll()
	e.renderer = nil
	e.currentStage = EngineStageShutdown
	return err
}

func (e *Engine) onResized(ev core.ResizeEvent) error {
	// Handle minimization
	if ev.Width == 0 || ev.Height == 0 {
		if !e.isSuspended {
			core.LogInfo("Window minimized, suspending application.")
			e.isSuspended = true
		}
		return nil
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	core.LogDebug("Window resize: %d, %d", ev.Width, ev.Height)
	if e.renderer != nil {
		e.renderer.Resized(ev.Width, ev.Height)
	}
	if e.gameInstance.FnOnResize != nil {
		return e.gameInstance.FnOnResize(ev.Width, ev.Height)
	}
	return nil
}
