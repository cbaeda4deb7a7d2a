package bundle

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	"github.com/paulmach/orb"
	_ "golang.org/x/image/webp" // register decoder
)

// ErrEmptyImage is returned for raster tiles without pixels.
var ErrEmptyImage = errors.New("bundle: empty image")

// DecodeImage decodes a PNG, JPEG or WebP raster tile into RGBA8 pixels.
func DecodeImage(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bundle: decode image: %w", err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: %s", ErrEmptyImage, format)
	}
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n, nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}

// BuildImage makes a textured quad covering bounds.
func BuildImage(key SourceKey, img *image.NRGBA, bounds orb.Bound) *Bundle {
	b := newBundle(key, bounds)
	sx, sy := float32(b.Span[0]), float32(b.Span[1])

	var v writer
	for _, c := range [4][4]float32{
		{0, 0, 0, 1},
		{sx, 0, 1, 1},
		{sx, sy, 1, 0},
		{0, sy, 0, 0},
	} {
		v.vec2(c[0], c[1])
		v.vec2(c[2], c[3])
	}
	var i writer
	for _, x := range []uint32{0, 1, 2, 0, 2, 3} {
		i.u32(x)
	}
	r := img.Bounds()
	b.Parts = append(b.Parts, Part{
		Kind:     Image,
		Vertices: v.b,
		Indices:  i.b,
		Texture: &Texture{
			Key:    "image/" + key.String(),
			Width:  r.Dx(),
			Height: r.Dy(),
			Pixels: img.Pix,
		},
	})
	return b
}
