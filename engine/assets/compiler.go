package assets

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/naga"

	"github.com/spaghettifunk/lumen/engine/core"
)

// Compiler turns a shader source file under root into SPIR-V.
type Compiler interface {
	// Extensions lists the source extensions this compiler accepts, dot included.
	Extensions() []string
	Compile(ctx context.Context, root, path string) ([]byte, error)
}

// ShaderName maps a source path to the name its bytecode is stored under. WGSL
// modules drop their extension, GLSL stages keep theirs so cube.vert and cube.frag
// don't collide.
func ShaderName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", errors.Wrapf(err, "shader %s outside %s", path, root)
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.Newf("shader %s outside %s", path, root)
	}
	rel = filepath.ToSlash(rel)
	if strings.EqualFold(filepath.Ext(rel), ".wgsl") {
		rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	}
	return rel, nil
}

func compilerFor(compilers []Compiler, path string) Compiler {
	ext := strings.ToLower(filepath.Ext(path))
	for _, c := range compilers {
		if slices.Contains(c.Extensions(), ext) {
			return c
		}
	}
	return nil
}

var includeDirective = regexp.MustCompile(`^\s*#include\s+"([^"]+)"\s*$`)

// ResolveIncludes expands #include "file" lines recursively. Paths are relative to
// root. A file that includes itself, directly or not, is an error.
func ResolveIncludes(root, path string) (string, error) {
	var out strings.Builder
	if err := resolveIncludes(root, path, nil, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

func resolveIncludes(root, path string, stack []string, out *strings.Builder) error {
	clean := filepath.Clean(path)
	if i := slices.Index(stack, clean); i >= 0 {
		chain := append(slices.Clone(stack[i:]), clean)
		return errors.Newf("include cycle: %s", strings.Join(chain, " -> "))
	}
	source, err := os.ReadFile(clean)
	if err != nil {
		if len(stack) > 0 {
			return errors.Wrapf(err, "included from %s", stack[len(stack)-1])
		}
		return errors.WithStack(err)
	}
	stack = append(stack, clean)

	scanner := bufio.NewScanner(bytes.NewReader(source))
	for scanner.Scan() {
		line := scanner.Text()
		if m := includeDirective.FindStringSubmatch(line); m != nil {
			if err := resolveIncludes(root, filepath.Join(root, filepath.FromSlash(m[1])), stack, out); err != nil {
				return err
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return errors.Wrapf(scanner.Err(), "reading %s", clean)
}

// NagaCompiler compiles WGSL in process.
type NagaCompiler struct{}

func (NagaCompiler) Extensions() []string {
	return []string{".wgsl"}
}

func (NagaCompiler) Compile(ctx context.Context, root, path string) ([]byte, error) {
	source, err := ResolveIncludes(root, path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code, err := naga.Compile(source)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %s", path)
	}
	return code, nil
}

// GlslcCompiler shells out to glslc, which handles #include natively.
type GlslcCompiler struct {
	// Binary defaults to glslc on PATH.
	Binary string
}

func (GlslcCompiler) Extensions() []string {
	return []string{".vert", ".frag", ".comp", ".geom", ".tesc", ".tese"}
}

func (g GlslcCompiler) Compile(ctx context.Context, root, path string) ([]byte, error) {
	binary := g.Binary
	if binary == "" {
		binary = "glslc"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "-I", root, "-o", "-", path)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		core.LogError("glslc %s: %s", path, msg)
		return nil, errors.Wrapf(err, "compiling %s: %s", path, msg)
	}
	return stdout.Bytes(), nil
}
