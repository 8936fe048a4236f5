package assets

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/systems"
)

// Includes are not compiled on their own. A change to one rebuilds every source.
var includeExtensions = []string{".inc", ".glsl"}

// ShaderWatcher recompiles shader sources under a root directory as they change
// and reports the names of the rebuilt shaders.
type ShaderWatcher struct {
	library   *ShaderLibrary
	compilers []Compiler

	mutex    sync.Mutex
	isClosed bool

	fsnotify *fsnotify.Watcher
	changes  chan string
	errors   chan error
	done     chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
	ctx      context.Context
}

func NewShaderWatcher(library *ShaderLibrary, compilers ...Compiler) (*ShaderWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating shader watcher")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sw := &ShaderWatcher{
		library:   library,
		compilers: compilers,
		fsnotify:  fsWatch,
		changes:   make(chan string, 64),
		errors:    make(chan error, 16),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := sw.watchRecursive(library.Root()); err != nil {
		cancel()
		_ = fsWatch.Close()
		return nil, err
	}
	go sw.start()
	return sw, nil
}

// Changes delivers the name of every shader rebuilt since the watcher started.
func (sw *ShaderWatcher) Changes() <-chan string {
	return sw.changes
}

// Errors delivers compile and watch failures. Both channels drop values when the
// reader falls behind.
func (sw *ShaderWatcher) Errors() <-chan error {
	return sw.errors
}

// CompileAll compiles every source under the root, in parallel, and returns the
// names built in source order.
func (sw *ShaderWatcher) CompileAll() ([]string, error) {
	sources, err := sw.sources()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	jobs, err := systems.NewJobSystem(min(runtime.NumCPU(), len(sources)), len(sources))
	if err != nil {
		return nil, err
	}

	built := make([]string, len(sources))
	var mu sync.Mutex
	var errs error
	for i, path := range sources {
		jobs.Submit(systems.Job{
			Name: path,
			Run: func() error {
				name, err := sw.compile(path)
				built[i] = name
				return err
			},
			OnFailure: func(err error) {
				mu.Lock()
				errs = errors.CombineErrors(errs, err)
				mu.Unlock()
			},
		})
	}
	_ = jobs.Shutdown()

	var names []string
	for _, name := range built {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, errs
}

func (sw *ShaderWatcher) sources() ([]string, error) {
	var sources []string
	err := filepath.WalkDir(sw.library.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && compilerFor(sw.compilers, path) != nil {
			sources = append(sources, path)
		}
		return nil
	})
	return sources, errors.Wrapf(err, "scanning %s", sw.library.Root())
}

func (sw *ShaderWatcher) compile(path string) (string, error) {
	compiler := compilerFor(sw.compilers, path)
	if compiler == nil {
		return "", errors.Newf("no compiler for %s", path)
	}
	name, err := ShaderName(sw.library.Root(), path)
	if err != nil {
		return "", err
	}
	code, err := compiler.Compile(sw.ctx, sw.library.Root(), path)
	if err != nil {
		return "", err
	}
	if err := sw.library.Store(name, code); err != nil {
		return "", err
	}
	core.LogDebug("shader %s compiled (%d bytes)", name, len(code))
	return name, nil
}

func (sw *ShaderWatcher) start() {
	defer close(sw.stopped)
	for {
		select {
		case e, ok := <-sw.fsnotify.Events:
			if !ok {
				return
			}
			sw.handleEvent(e)

		case e, ok := <-sw.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("shader watcher: %s", e)
			sw.report(e)

		case <-sw.done:
			return
		}
	}
}

func (sw *ShaderWatcher) handleEvent(e fsnotify.Event) {
	if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
		if e.Has(fsnotify.Create) {
			if err := sw.watchRecursive(e.Name); err != nil {
				sw.report(err)
			}
		}
		return
	}
	if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) {
		return
	}

	ext := strings.ToLower(filepath.Ext(e.Name))
	switch {
	case compilerFor(sw.compilers, e.Name) != nil:
		sw.rebuild(e.Name)
	case slices.Contains(includeExtensions, ext):
		sources, err := sw.sources()
		if err != nil {
			sw.report(err)
			return
		}
		for _, path := range sources {
			sw.rebuild(path)
		}
	}
}

func (sw *ShaderWatcher) rebuild(path string) {
	name, err := sw.compile(path)
	if err != nil {
		// The previous bytecode stays in place.
		core.LogError("shader %s: %s", path, err)
		sw.report(err)
		return
	}
	select {
	case sw.changes <- name:
	default:
		core.LogWarn("shader change %s dropped, reader is behind", name)
	}
}

func (sw *ShaderWatcher) report(err error) {
	select {
	case sw.errors <- err:
	default:
	}
}

// watchRecursive adds the directory and all its sub-directories to the watch list.
func (sw *ShaderWatcher) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return errors.Wrapf(sw.fsnotify.Add(path), "watching %s", path)
		}
		return nil
	})
}

// Close stops the watcher. Compilations in progress are cancelled.
func (sw *ShaderWatcher) Close() error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	if sw.isClosed {
		return nil
	}
	sw.isClosed = true
	sw.cancel()
	close(sw.done)
	err := sw.fsnotify.Close()
	<-sw.stopped
	return errors.Wrap(err, "closing shader watcher")
}
