package assets

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

const SPIRV_EXTENSION = ".spv"

// ShaderLibrary serves compiled shader bytecode from a directory of .spv files.
type ShaderLibrary struct {
	root string
}

func NewShaderLibrary(root string) *ShaderLibrary {
	return &ShaderLibrary{root: root}
}

func (l *ShaderLibrary) Root() string {
	return l.root
}

// Path returns where the bytecode for name lives.
func (l *ShaderLibrary) Path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name)+SPIRV_EXTENSION)
}

// Load reads <root>/<name>.spv.
func (l *ShaderLibrary) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(l.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "loading shader %s", name)
	}
	if len(data) == 0 {
		return nil, errors.Newf("shader %s is empty", name)
	}
	return data, nil
}

// Store writes bytecode for name, replacing any previous version atomically so a
// concurrent Load never sees a partial file.
func (l *ShaderLibrary) Store(name string, code []byte) error {
	path := l.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "storing shader %s", name)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, code, 0o644); err != nil {
		return errors.Wrapf(err, "storing shader %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "storing shader %s", name)
	}
	return nil
}
