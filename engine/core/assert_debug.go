//go:build debug

package core

// abortOnAssert turns every failed Assert into a panic.
const abortOnAssert = true
