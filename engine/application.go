package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/lumen/engine/core"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything
	EngineStageShutdown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting-down"
	case EngineStageShutdown:
		return "shutdown"
	}
	return "unknown"
}

type closer struct {
	name string
	fn   func() error
}

// closerStack releases subsystems in the reverse order they were brought up.
type closerStack struct {
	closers []closer
}

func (s *closerStack) push(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// closeAll runs every closer, newest first, even when some fail.
func (s *closerStack) closeAll() error {
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		core.LogDebug("shutting down %s", c.name)
		if err := c.fn(); err != nil {
			core.LogError("shutting down %s: %s", c.name, err)
			errs = errors.CombineErrors(errs, errors.Wrap(err, c.name))
		}
	}
	s.closers = nil
	return errs
}

func (s *closerStack) len() int {
	return len(s.closers)
}
