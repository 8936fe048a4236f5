package engine

import (
	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

// GameContext is what a game gets to build its resources with.
type GameContext struct {
	Config   *core.Config
	Renderer *vulkan.VulkanRenderer
	Shaders  *assets.ShaderLibrary
}

type Game struct {
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnOnResize   OnResize
	FnShutdown   Shutdown
	// Scene is drawn every frame. Set it from FnInitialize.
	Scene vulkan.Scene
}

type Initialize func(ctx *GameContext) error
type Update func(deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
