package assets

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// TextureData is a decoded image as tightly packed RGBA8 rows, top row first.
type TextureData struct {
	Name   string
	Width  uint32
	Height uint32
	Pixels []byte
	// Format is the decoder that produced the image, e.g. "png".
	Format string
}

type TextureOptions struct {
	FlipY bool
}

// DecodeTexture decodes any registered image format into RGBA8.
func DecodeTexture(r io.Reader, opts TextureOptions) (*TextureData, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decoding texture")
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, errors.New("decoding texture: empty image")
	}

	rgba, ok := src.(*image.RGBA)
	if !ok || rgba.Stride != 4*bounds.Dx() || bounds.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)
	}
	if opts.FlipY {
		flipRows(rgba)
	}
	return &TextureData{
		Width:  uint32(bounds.Dx()),
		Height: uint32(bounds.Dy()),
		Pixels: rgba.Pix,
		Format: format,
	}, nil
}

func flipRows(img *image.RGBA) {
	h := img.Bounds().Dy()
	row := make([]byte, img.Stride)
	for y := 0; y < h/2; y++ {
		top := img.Pix[y*img.Stride : (y+1)*img.Stride]
		bottom := img.Pix[(h-1-y)*img.Stride : (h-y)*img.Stride]
		copy(row, top)
		copy(top, bottom)
		copy(bottom, row)
	}
}

func LoadTexture(path string, opts TextureOptions) (*TextureData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading texture %s", path)
	}
	defer f.Close()

	tex, err := DecodeTexture(f, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "loading texture %s", path)
	}
	tex.Name = path
	return tex, nil
}

// LoadCubeTexture loads six square faces of equal size, in +X -X +Y -Y +Z -Z order.
func LoadCubeTexture(paths [6]string) (uint32, [6][]byte, error) {
	var faces [6][]byte
	var size uint32
	for i, path := range paths {
		tex, err := LoadTexture(path, TextureOptions{})
		if err != nil {
			return 0, faces, err
		}
		if tex.Width != tex.Height {
			return 0, faces, errors.Newf("cube face %s is %dx%d, faces must be square", path, tex.Width, tex.Height)
		}
		if i == 0 {
			size = tex.Width
		} else if tex.Width != size {
			return 0, faces, errors.Newf("cube face %s is %d pixels, expected %d", path, tex.Width, size)
		}
		faces[i] = tex.Pixels
	}
	return size, faces, nil
}
