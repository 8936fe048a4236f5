//go:build !debug

package core

const abortOnAssert = false
