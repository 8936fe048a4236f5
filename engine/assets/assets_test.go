package assets

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeCompiler "compiles" .fake sources by prefixing their text and appending
// common.inc when present.
type fakeCompiler struct{}

func (fakeCompiler) Extensions() []string { return []string{".fake"} }

func (fakeCompiler) Compile(ctx context.Context, root, path string) ([]byte, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(source))
	switch text {
	case "":
		return nil, errors.New("empty source")
	case "bad":
		return nil, errors.New("bad source")
	}
	if inc, err := os.ReadFile(filepath.Join(root, "common.inc")); err == nil {
		text += "+" + strings.TrimSpace(string(inc))
	}
	return []byte("spv:" + text), nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestShaderLibrary(t *testing.T) {
	lib := NewShaderLibrary(t.TempDir())
	require.Equal(t, filepath.Join(lib.Root(), "post", "blur.frag.spv"), lib.Path("post/blur.frag"))

	require.NoError(t, lib.Store("post/blur.frag", []byte{1, 2, 3, 4}))
	code, err := lib.Load("post/blur.frag")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, code)
	require.NoFileExists(t, lib.Path("post/blur.frag")+".tmp")

	_, err = lib.Load("missing")
	require.ErrorIs(t, err, os.ErrNotExist)

	writeFile(t, lib.Path("empty"), "")
	_, err = lib.Load("empty")
	require.ErrorContains(t, err, "empty")
}

func TestShaderName(t *testing.T) {
	root := filepath.Join("assets", "shaders")
	tests := []struct {
		path string
		want string
	}{
		{filepath.Join(root, "cube.wgsl"), "cube"},
		{filepath.Join(root, "cube.vert"), "cube.vert"},
		{filepath.Join(root, "post", "blur.WGSL"), "post/blur"},
	}
	for _, tt := range tests {
		got, err := ShaderName(root, tt.path)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
	_, err := ShaderName(root, filepath.Join("assets", "other.wgsl"))
	require.Error(t, err)
}

func TestResolveIncludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "lib", "math.inc"), "fn square(x: f32) -> f32 { return x * x; }")
	writeFile(t, filepath.Join(root, "common.inc"), "#include \"lib/math.inc\"\nconst PI: f32 = 3.14159;")
	writeFile(t, filepath.Join(root, "main.wgsl"), "#include \"common.inc\"\n  #include \"lib/math.inc\"  \nfn main() {}")

	source, err := ResolveIncludes(root, filepath.Join(root, "main.wgsl"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(source, "fn square"), "diamond includes are expanded each time")
	require.NotContains(t, source, "#include")
	require.True(t, strings.HasSuffix(source, "fn main() {}\n"))

	writeFile(t, filepath.Join(root, "a.inc"), "#include \"b.inc\"")
	writeFile(t, filepath.Join(root, "b.inc"), "#include \"a.inc\"")
	writeFile(t, filepath.Join(root, "loop.wgsl"), "#include \"a.inc\"")
	_, err = ResolveIncludes(root, filepath.Join(root, "loop.wgsl"))
	require.ErrorContains(t, err, "include cycle")

	writeFile(t, filepath.Join(root, "broken.wgsl"), "#include \"nope.inc\"")
	_, err = ResolveIncludes(root, filepath.Join(root, "broken.wgsl"))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.ErrorContains(t, err, "broken.wgsl")
}

const triangleWGSL = `
#include "position.inc"

@vertex
fn main(@builtin(vertex_index) index: u32) -> @builtin(position) vec4<f32> {
    return position(index);
}
`

const positionWGSL = `
fn position(index: u32) -> vec4<f32> {
    let x = f32(i32(index) - 1);
    return vec4<f32>(x, 0.0, 0.0, 1.0);
}
`

func TestNagaCompiler(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "position.inc"), positionWGSL)
	writeFile(t, filepath.Join(root, "triangle.wgsl"), triangleWGSL)

	code, err := NagaCompiler{}.Compile(context.Background(), root, filepath.Join(root, "triangle.wgsl"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(code), 20)
	require.Zero(t, len(code)%4)
	require.Equal(t, []byte{0x03, 0x02, 0x23, 0x07}, code[:4], "SPIR-V magic, little endian")

	writeFile(t, filepath.Join(root, "invalid.wgsl"), "fn main( {")
	_, err = NagaCompiler{}.Compile(context.Background(), root, filepath.Join(root, "invalid.wgsl"))
	require.ErrorContains(t, err, "invalid.wgsl")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NagaCompiler{}.Compile(ctx, root, filepath.Join(root, "triangle.wgsl"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestGlslcCompilerMissingBinary(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "cube.vert"), "#version 450\nvoid main() {}\n")

	_, err := GlslcCompiler{Binary: filepath.Join(root, "no-such-glslc")}.Compile(context.Background(), root, filepath.Join(root, "cube.vert"))
	require.ErrorContains(t, err, "cube.vert")
}

func TestCompilerFor(t *testing.T) {
	compilers := []Compiler{NagaCompiler{}, GlslcCompiler{}}
	require.IsType(t, NagaCompiler{}, compilerFor(compilers, "a/b.WGSL"))
	require.IsType(t, GlslcCompiler{}, compilerFor(compilers, "cube.frag"))
	require.Nil(t, compilerFor(compilers, "common.inc"))
}

func waitForChange(t *testing.T, sw *ShaderWatcher, name string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-sw.Changes():
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("no change reported for %s", name)
		}
	}
}

func TestShaderWatcherRecompilesOnChange(t *testing.T) {
	lib := NewShaderLibrary(t.TempDir())
	writeFile(t, filepath.Join(lib.Root(), "cube.fake"), "v1")

	sw, err := NewShaderWatcher(lib, fakeCompiler{})
	require.NoError(t, err)
	defer sw.Close()

	names, err := sw.CompileAll()
	require.NoError(t, err)
	require.Equal(t, []string{"cube.fake"}, names)
	code, err := lib.Load("cube.fake")
	require.NoError(t, err)
	require.Equal(t, "spv:v1", string(code))

	writeFile(t, filepath.Join(lib.Root(), "cube.fake"), "v2")
	waitForChange(t, sw, "cube.fake")
	require.Eventually(t, func() bool {
		code, err := lib.Load("cube.fake")
		return err == nil && string(code) == "spv:v2"
	}, 5*time.Second, 10*time.Millisecond)

	// New sub-directories are picked up.
	require.NoError(t, os.Mkdir(filepath.Join(lib.Root(), "post"), 0o755))
	require.Eventually(t, func() bool {
		writeFile(t, filepath.Join(lib.Root(), "post", "blur.fake"), "blur")
		code, err := lib.Load("post/blur.fake")
		return err == nil && string(code) == "spv:blur"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, sw.Close())
	require.NoError(t, sw.Close())
}

func TestShaderWatcherIncludeRebuildsSources(t *testing.T) {
	lib := NewShaderLibrary(t.TempDir())
	writeFile(t, filepath.Join(lib.Root(), "a.fake"), "a")
	writeFile(t, filepath.Join(lib.Root(), "b.fake"), "b")

	sw, err := NewShaderWatcher(lib, fakeCompiler{})
	require.NoError(t, err)
	defer sw.Close()

	writeFile(t, filepath.Join(lib.Root(), "common.inc"), "shared")
	for _, name := range []string{"a.fake", "b.fake"} {
		require.Eventually(t, func() bool {
			code, err := lib.Load(name)
			return err == nil && strings.HasSuffix(string(code), "+shared")
		}, 5*time.Second, 10*time.Millisecond, name)
	}
}

func TestShaderWatcherKeepsBytecodeOnFailure(t *testing.T) {
	lib := NewShaderLibrary(t.TempDir())
	writeFile(t, filepath.Join(lib.Root(), "cube.fake"), "good")

	sw, err := NewShaderWatcher(lib, fakeCompiler{})
	require.NoError(t, err)
	defer sw.Close()
	_, err = sw.CompileAll()
	require.NoError(t, err)

	writeFile(t, filepath.Join(lib.Root(), "cube.fake"), "bad")
	timeout := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case err := <-sw.Errors():
			found = strings.Contains(err.Error(), "bad source")
		case <-timeout:
			t.Fatal("compile failure not reported")
		}
	}
	code, err := lib.Load("cube.fake")
	require.NoError(t, err)
	require.Equal(t, "spv:good", string(code))
}

func TestCompileAllCollectsFailures(t *testing.T) {
	lib := NewShaderLibrary(t.TempDir())
	writeFile(t, filepath.Join(lib.Root(), "ok.fake"), "ok")
	writeFile(t, filepath.Join(lib.Root(), "bad.fake"), "bad")
	writeFile(t, filepath.Join(lib.Root(), "notes.txt"), "ignored")

	sw, err := NewShaderWatcher(lib, fakeCompiler{})
	require.NoError(t, err)
	defer sw.Close()

	names, err := sw.CompileAll()
	require.ErrorContains(t, err, "bad source")
	require.Equal(t, []string{"ok.fake"}, names)
	require.NoFileExists(t, lib.Path("bad.fake"))
	require.NoFileExists(t, lib.Path("notes.txt"))
}
