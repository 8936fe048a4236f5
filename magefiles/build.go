//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type Build mg.Namespace

var shaderStages = []string{".vert", ".frag", ".comp", ".geom", ".tesc", ".tese"}

// Compiles every GLSL stage under shaders/ into shaders/<name>.spv.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the testbed binary.
func (Build) Engine() error {
	mg.Deps(Build.Shaders)
	_, err := executeCmd("go", withArgs("build", "-o", "bin/lumen", "."), withStream())
	return err
}

func buildShaders() error {
	for _, stage := range shaderStages {
		sources, err := filepath.Glob(filepath.Join("shaders", "*"+stage))
		if err != nil {
			return err
		}
		for _, source := range sources {
			out := source + ".spv"
			if _, err := executeCmd("glslc", withArgs("-I", "shaders", "-o", out, source), withStream()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Removes compiled shaders and the binary.
func (Build) Clean() error {
	outputs, err := filepath.Glob(filepath.Join("shaders", "*.spv"))
	if err != nil {
		return err
	}
	for _, out := range append(outputs, "bin") {
		if err := sh.Rm(out); err != nil {
			return err
		}
	}
	return nil
}
