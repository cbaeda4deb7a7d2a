package bundle

import (
	"fmt"
	"image"
	"image/draw"
	"slices"
	"strings"
)

// Icon is an entry of an IconSet.
type Icon struct {
	UV     [4]float32
	Width  float32 // pixels
	Height float32
}

// IconSet resolves icon names for screen-anchored quads.
type IconSet interface {
	Icon(name string) (Icon, bool)
	Texture() *Texture
}

// Sheet is an IconSet packed into one texture, one row per icon in name
// order.
type Sheet struct {
	tex   *Texture
	icons map[string]Icon
}

// NewSheet packs images into a texture keyed by key.
func NewSheet(key string, images map[string]image.Image) (*Sheet, error) {
	names := make([]string, 0, len(images))
	w, h := 0, 0
	for name, img := range images {
		if img == nil {
			return nil, fmt.Errorf("bundle: icon %q has no image", name)
		}
		b := img.Bounds()
		w = max(w, b.Dx())
		h += b.Dy()
		names = append(names, name)
	}
	slices.SortFunc(names, strings.Compare)
	if w == 0 || h == 0 {
		return &Sheet{icons: map[string]Icon{}}, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	s := &Sheet{icons: make(map[string]Icon, len(names))}
	y := 0
	for _, name := range names {
		img := images[name]
		b := img.Bounds()
		r := image.Rect(0, y, b.Dx(), y+b.Dy())
		draw.Draw(dst, r, img, b.Min, draw.Src)
		s.icons[name] = Icon{
			UV: [4]float32{
				0, float32(y) / float32(h),
				float32(b.Dx()) / float32(w), float32(y+b.Dy()) / float32(h),
			},
			Width:  float32(b.Dx()),
			Height: float32(b.Dy()),
		}
		y += b.Dy()
	}
	s.tex = &Texture{Key: key, Width: w, Height: h, Pixels: dst.Pix, Shared: true}
	return s, nil
}

// Icon implements IconSet.
func (s *Sheet) Icon(name string) (Icon, bool) {
	i, ok := s.icons[name]
	return i, ok
}

// Texture implements IconSet.
func (s *Sheet) Texture() *Texture { return s.tex }
