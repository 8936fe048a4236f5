package core

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrSwapchainBooting        = errors.New("swapchain resized or recreated, booting")
	ErrSwapchainOutOfDate      = errors.New("swapchain out of date")
	ErrDynamicBufferFrozen     = errors.New("dynamic buffer is frozen after init")
	ErrDescriptorPoolExhausted = errors.New("descriptor pool exhausted")
	ErrNoSuitableFormat        = errors.New("no suitable format")
	ErrResourceDestroyed       = errors.New("resource already destroyed")
	ErrUnknown                 = errors.New("unknown")
)

// Assert reports an invariant violation. When cond holds it returns nil. Otherwise
// the violation is logged as an error and returned as an assertion failure; builds
// tagged with `debug` abort on the spot instead.
func Assert(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	err := errors.AssertionFailedWithDepthf(1, format, args...)
	LogError("assertion failed: %s", err.Error())
	if abortOnAssert {
		panic(err)
	}
	return err
}

// IsAssertion reports whether err carries an invariant violation raised by Assert.
func IsAssertion(err error) bool {
	return errors.IsAssertionFailure(err)
}
