package mp4composer

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // webp overlays
)

// Filter renders one framebuffer into another between compositing and
// encoding. Filters are used from the engine goroutine only.
type Filter interface {
	// Setup prepares the filter before the first frame.
	Setup() error
	// SetFrameSize is called with the output size before the first Draw.
	SetFrameSize(width, height int)
	// Draw reads src and writes the filtered picture to dst. Both have the
	// output size.
	Draw(src *image.RGBA, dst *image.RGBA) error
	Release() error
}

// ImageFilter adapts a whole-image operation to Filter.
type ImageFilter struct {
	Name  string
	Apply func(img image.Image) *image.NRGBA
}

func (f *ImageFilter) Setup() error          { return nil }
func (f *ImageFilter) SetFrameSize(_, _ int) {}
func (f *ImageFilter) Release() error        { return nil }
func (f *ImageFilter) String() string        { return f.Name }

func (f *ImageFilter) Draw(src, dst *image.RGBA) error {
	out := f.Apply(src)
	draw.Draw(dst, dst.Bounds(), out, out.Bounds().Min, draw.Src)
	return nil
}

// GrayscaleFilter desaturates the picture.
func GrayscaleFilter() Filter {
	return &ImageFilter{Name: "grayscale", Apply: func(img image.Image) *image.NRGBA { return imaging.Grayscale(img) }}
}

// InvertFilter negates every color channel.
func InvertFilter() Filter {
	return &ImageFilter{Name: "invert", Apply: func(img image.Image) *image.NRGBA { return imaging.Invert(img) }}
}

// BrightnessFilter changes brightness by percent in [-100, 100].
func BrightnessFilter(percent float64) Filter {
	return &ImageFilter{Name: "brightness", Apply: func(img image.Image) *image.NRGBA { return imaging.AdjustBrightness(img, percent) }}
}

// ContrastFilter changes contrast by percent in [-100, 100].
func ContrastFilter(percent float64) Filter {
	return &ImageFilter{Name: "contrast", Apply: func(img image.Image) *image.NRGBA { return imaging.AdjustContrast(img, percent) }}
}

// SaturationFilter changes saturation by percent in [-100, 500].
func SaturationFilter(percent float64) Filter {
	return &ImageFilter{Name: "saturation", Apply: func(img image.Image) *image.NRGBA { return imaging.AdjustSaturation(img, percent) }}
}

// GammaFilter applies gamma correction.
func GammaFilter(gamma float64) Filter {
	return &ImageFilter{Name: "gamma", Apply: func(img image.Image) *image.NRGBA { return imaging.AdjustGamma(img, gamma) }}
}

// BlurFilter applies a gaussian blur.
func BlurFilter(sigma float64) Filter {
	return &ImageFilter{Name: "blur", Apply: func(img image.Image) *image.NRGBA { return imaging.Blur(img, sigma) }}
}

// SharpenFilter sharpens the picture.
func SharpenFilter(sigma float64) Filter {
	return &ImageFilter{Name: "sharpen", Apply: func(img image.Image) *image.NRGBA { return imaging.Sharpen(img, sigma) }}
}

// SepiaFilter tones the picture brown.
func SepiaFilter() Filter {
	return &ImageFilter{Name: "sepia", Apply: func(img image.Image) *image.NRGBA {
		return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			r, g, b := float64(c.R), float64(c.G), float64(c.B)
			return color.NRGBA{
				R: clampByte(0.393*r + 0.769*g + 0.189*b),
				G: clampByte(0.349*r + 0.686*g + 0.168*b),
				B: clampByte(0.272*r + 0.534*g + 0.131*b),
				A: c.A,
			}
		})
	}}
}

func clampByte(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}

// OverlayFilter draws a still image, such as a watermark or sticker, over
// every frame. The image is loaded in Setup and stretched to the frame.
type OverlayFilter struct {
	Path string

	overlay image.Image
	scaled  *image.RGBA
	w, h    int
}

func (f *OverlayFilter) Setup() error {
	img, err := imaging.Open(f.Path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("overlay %s: %w", f.Path, err)
	}
	f.overlay = img
	return nil
}

func (f *OverlayFilter) SetFrameSize(width, height int) {
	f.w, f.h = width, height
	f.scaled = nil
}

func (f *OverlayFilter) Draw(src, dst *image.RGBA) error {
	if f.overlay == nil {
		return fmt.Errorf("overlay %s: not set up", f.Path)
	}
	if f.scaled == nil {
		f.scaled = image.NewRGBA(image.Rect(0, 0, f.w, f.h))
		draw.CatmullRom.Scale(f.scaled, f.scaled.Bounds(), f.overlay, f.overlay.Bounds(), draw.Src, nil)
	}
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	draw.Draw(dst, dst.Bounds(), f.scaled, image.Point{}, draw.Over)
	return nil
}

func (f *OverlayFilter) Release() error {
	f.overlay, f.scaled = nil, nil
	return nil
}

// FilterChain applies filters in order, ping-ponging between two
// framebuffers.
type FilterChain struct {
	filters []Filter
	tmp     [2]*image.RGBA
}

// NewFilterChain returns a chain of filters. Nil entries are skipped.
func NewFilterChain(filters ...Filter) *FilterChain {
	c := &FilterChain{}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

func (c *FilterChain) Setup() error {
	for i, f := range c.filters {
		if err := f.Setup(); err != nil {
			for _, done := range c.filters[:i] {
				done.Release()
			}
			return err
		}
	}
	return nil
}

func (c *FilterChain) SetFrameSize(width, height int) {
	for _, f := range c.filters {
		f.SetFrameSize(width, height)
	}
	if len(c.filters) > 1 {
		r := image.Rect(0, 0, width, height)
		c.tmp = [2]*image.RGBA{image.NewRGBA(r), image.NewRGBA(r)}
	}
}

func (c *FilterChain) Draw(src, dst *image.RGBA) error {
	switch len(c.filters) {
	case 0:
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return nil
	case 1:
		return c.filters[0].Draw(src, dst)
	}
	in := src
	for i, f := range c.filters {
		out := dst
		if i < len(c.filters)-1 {
			out = c.tmp[i%2]
		}
		if err := f.Draw(in, out); err != nil {
			return err
		}
		in = out
	}
	return nil
}

func (c *FilterChain) Release() error {
	var first error
	for _, f := range c.filters {
		if err := f.Release(); err != nil && first == nil {
			first = err
		}
	}
	c.tmp = [2]*image.RGBA{}
	return first
}

// Len returns the number of filters in the chain.
func (c *FilterChain) Len() int { return len(c.filters) }

// ParseFilter builds a filter from a "name" or "name=value" spec, as used by
// the command line and job files. "overlay=path" loads an image overlay.
func ParseFilter(spec string) (Filter, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(spec), "=")
	num := func(def float64) (float64, error) {
		if !hasArg {
			return def, nil
		}
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: filter %s: %v", ErrInvalidConfig, name, err)
		}
		return v, nil
	}
	var v float64
	var err error
	switch name {
	case "grayscale":
		return GrayscaleFilter(), nil
	case "invert":
		return InvertFilter(), nil
	case "sepia":
		return SepiaFilter(), nil
	case "overlay":
		if arg == "" {
			return nil, fmt.Errorf("%w: overlay needs a path", ErrInvalidConfig)
		}
		return &OverlayFilter{Path: arg}, nil
	case "brightness":
		if v, err = num(10); err == nil {
			return BrightnessFilter(v), nil
		}
	case "contrast":
		if v, err = num(10); err == nil {
			return ContrastFilter(v), nil
		}
	case "saturation":
		if v, err = num(20); err == nil {
			return SaturationFilter(v), nil
		}
	case "gamma":
		if v, err = num(1.2); err == nil {
			return GammaFilter(v), nil
		}
	case "blur":
		if v, err = num(2); err == nil {
			return BlurFilter(v), nil
		}
	case "sharpen":
		if v, err = num(1); err == nil {
			return SharpenFilter(v), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidConfig, name)
	}
	return nil, err
}
