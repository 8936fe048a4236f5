package testbed

import (
	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
)

const CUBE_TEXTURE_PATH = "assets/textures/crate.png"

type TestGame struct {
	*engine.Game
}

type gameState struct {
	scene   *CubeScene
	elapsed float64
	width   uint32
	height  uint32
}

func NewTestGame() *TestGame {
	state := &gameState{scene: NewCubeScene()}
	tg := &TestGame{
		Game: &engine.Game{
			State: state,
		},
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) state() *gameState {
	return g.Game.State.(*gameState)
}

func (g *TestGame) Initialize(ctx *engine.GameContext) error {
	state := g.state()
	if err := state.scene.Initialize(ctx, CUBE_TEXTURE_PATH); err != nil {
		return err
	}
	g.Scene = state.scene
	core.LogInfo("testbed initialized")
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.elapsed += deltaTime
	state.scene.Update(deltaTime)
	return nil
}

func (g *TestGame) OnResize(width, height uint32) error {
	state := g.state()
	state.width = width
	state.height = height
	state.scene.Resize(width, height)
	return nil
}

func (g *TestGame) Shutdown() error {
	return g.state().scene.Destroy()
}
