package platform

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/lumen/engine/core"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

// Platform is the glfw window the renderer presents to.
type Platform struct {
	Window *glfw.Window

	// Resized fires with the framebuffer size in pixels, zero while minimized.
	Resized *core.EventRegistry[core.ResizeEvent]
	// Quit fires when the user asks to close the window.
	Quit *core.EventRegistry[struct{}]
}

func New() *Platform {
	return &Platform{
		Resized: core.NewEventRegistry[core.ResizeEvent](core.EVENT_CODE_RESIZED),
		Quit:    core.NewEventRegistry[struct{}](core.EVENT_CODE_APPLICATION_QUIT),
	}
}

func (p *Platform) Startup(cfg core.ApplicationConfig) error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "failed to initialize glfw")
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return errors.New("glfw reports no vulkan loader")
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(cfg.Width), int(cfg.Height), cfg.Name, nil, nil)
	if err != nil {
		glfw.Terminate()
		return errors.Wrap(err, "failed to create window")
	}
	p.Window = window

	p.Window.SetKeyCallback(p.keyCallback)
	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetCloseCallback(func(w *glfw.Window) {
		p.fireQuit()
	})
	p.Window.SetPos(int(cfg.X), int(cfg.Y))
	p.Window.Show()
	return nil
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

// PumpMessages processes pending window events. It returns false once the window
// should close.
func (p *Platform) PumpMessages() bool {
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

// WaitMessages blocks until an event arrives or timeout seconds pass. Used while
// minimized.
func (p *Platform) WaitMessages(timeout float64) {
	glfw.WaitEventsTimeout(timeout)
}

func (p *Platform) InstanceProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

func (p *Platform) RequiredInstanceExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

func (p *Platform) CreateSurface(instance vk.Instance) (vk.Surface, error) {
	surface, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		return nil, errors.Wrap(err, "vkCreateWindowSurface")
	}
	return vk.SurfaceFromPointer(surface), nil
}

func (p *Platform) FramebufferSize() (uint32, uint32) {
	w, h := p.Window.GetFramebufferSize()
	return uint32(max(w, 0)), uint32(max(h, 0))
}

func (p *Platform) GetAbsoluteTime() float64 {
	return glfw.GetTime()
}

func (p *Platform) keyCallback(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
	if key == glfw.KeyEscape && action == glfw.Press {
		w.SetShouldClose(true)
		p.fireQuit()
	}
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	if err := p.Resized.Fire(core.ResizeEvent{Width: uint32(max(width, 0)), Height: uint32(max(height, 0))}); err != nil {
		core.LogError("resize listeners: %s", err)
	}
}

func (p *Platform) fireQuit() {
	if err := p.Quit.Fire(struct{}{}); err != nil {
		core.LogError("quit listeners: %s", err)
	}
}
