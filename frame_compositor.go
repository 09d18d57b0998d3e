package mp4composer

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// CompositorConfig configures a FrameCompositor.
type CompositorConfig struct {
	Transform   Transform
	Filter      Filter        // optional, applied after the transform
	Background  color.RGBA    // fills the letterbox area
	FrameWait   time.Duration // bound of AwaitNewImage
	InputWidth  int           // decoded picture size
	InputHeight int
	Width       int // output size
	Height      int
}

// DefaultCompositorConfig returns a configuration with a black background and
// the default frame wait.
func DefaultCompositorConfig() CompositorConfig {
	return CompositorConfig{
		Background: color.RGBA{A: 0xff},
		FrameWait:  DefaultFrameWaitTimeout,
	}
}

// FrameCompositor draws decoded pictures into encoder pictures. It owns the
// decoder surface: the decoder renders into Surface(), the compositor latches
// each picture, maps it through the MVP matrix into framebuffer 0, runs the
// filter into framebuffer 1 and swaps the result into the encoder surface.
type FrameCompositor struct {
	config  CompositorConfig
	rc      *RenderContext
	surface *DecoderSurface
	out     InputSurface
	log     hclog.Logger

	projection mgl32.Mat4
	view       mgl32.Mat4
	mvp        mgl32.Mat4
	s2d        f64.Aff3
	filterOn   bool
}

// NewFrameCompositor creates a compositor that renders into out. rc may be
// shared with earlier jobs; nil allocates a private context.
func NewFrameCompositor(config CompositorConfig, rc *RenderContext, out InputSurface, logger hclog.Logger) (*FrameCompositor, error) {
	if config.InputWidth <= 0 || config.InputHeight <= 0 || config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: compositor size %dx%d -> %dx%d", ErrInvalidConfig,
			config.InputWidth, config.InputHeight, config.Width, config.Height)
	}
	if config.Transform.FillMode == FillModeCustom && config.Transform.CustomItem == nil {
		return nil, ErrCustomFillModeItemMissing
	}
	if rc == nil {
		rc = NewRenderContext()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &FrameCompositor{
		config:  config,
		rc:      rc,
		surface: NewDecoderSurface(config.FrameWait),
		out:     out,
		log:     logger,
	}
	c.setup()
	if config.Filter != nil {
		if err := config.Filter.Setup(); err != nil {
			c.surface.Release()
			return nil, fmt.Errorf("filter setup: %w", err)
		}
		config.Filter.SetFrameSize(config.Width, config.Height)
		c.filterOn = true
	}
	return c, nil
}

func (c *FrameCompositor) setup() {
	c.rc.SurfaceChanged(c.config.Width, c.config.Height)
	c.rc.SetInputSize(c.config.InputWidth, c.config.InputHeight)

	c.view = mgl32.LookAtV(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 1, 0})
	c.projection = mgl32.Frustum(-1, 1, -1, 1, 5, 7)
	c.mvp = c.projection.Mul4(c.view).Mul4(c.model())
	c.s2d = quadToPixels(c.mvp, c.config.InputWidth, c.config.InputHeight, c.config.Width, c.config.Height)
	c.log.Debug("compositor ready",
		"in", fmt.Sprintf("%dx%d", c.config.InputWidth, c.config.InputHeight),
		"out", fmt.Sprintf("%dx%d", c.config.Width, c.config.Height),
		"rotation", int(c.config.Transform.Rotation), "fill", c.config.Transform.FillMode)
}

// model returns the model matrix of the textured quad.
func (c *FrameCompositor) model() mgl32.Mat4 {
	t := c.config.Transform
	angle := int(t.Rotation)
	inW, inH, outW, outH := c.config.InputWidth, c.config.InputHeight, c.config.Width, c.config.Height

	dirX, dirY := float32(1), float32(1)
	if t.FlipHorizontal {
		dirX = -1
	}
	if t.FlipVertical {
		dirY = -1
	}

	m := mgl32.Ident4()
	switch t.FillMode {
	case FillModePreserveAspectFit, FillModePreserveAspectCrop:
		var s [2]float32
		if t.FillMode == FillModePreserveAspectFit {
			s = ScaleAspectFit(angle, inW, inH, outW, outH)
		} else {
			s = ScaleAspectCrop(angle, inW, inH, outW, outH)
		}
		m = m.Mul4(mgl32.Scale3D(s[0]*dirX, s[1]*dirY, 1))
		if t.Rotation != RotationNormal {
			m = m.Mul4(mgl32.HomogRotate3DZ(mgl32.DegToRad(-float32(angle))))
		}
	case FillModeCustom:
		item := t.CustomItem
		s := ScaleAspectCrop(angle, inW, inH, outW, outH)
		m = m.Mul4(mgl32.Translate3D(item.TranslateX, -item.TranslateY, 0))
		sx, sy := item.Scale*s[0]*dirX, item.Scale*s[1]*dirY
		if r := RotationFromAngle(int(item.Rotate)); r.Swaps() && item.VideoWidth > 0 && item.VideoHeight > 0 {
			sx *= item.VideoHeight / item.VideoWidth
			sy *= item.VideoWidth / item.VideoHeight
		}
		m = m.Mul4(mgl32.Scale3D(sx, sy, 1))
		m = m.Mul4(mgl32.HomogRotate3DZ(mgl32.DegToRad(-(float32(angle) + item.Rotate))))
	}
	return m
}

// quadToPixels returns the affine map from source picture pixels to output
// pixels. The source picture covers the quad [-1,1]x[-1,1] with y up; the
// quad is projected by mvp and the result mapped to the output raster.
func quadToPixels(mvp mgl32.Mat4, inW, inH, outW, outH int) f64.Aff3 {
	project := func(x, y float32) (float64, float64) {
		v := mvp.Mul4x1(mgl32.Vec4{x, y, 0, 1})
		return float64(v[0] / v[3]), float64(v[1] / v[3])
	}
	ox, oy := project(0, 0)
	xx, xy := project(1, 0)
	yx, yy := project(0, 1)
	// quad -> NDC
	ndc := f64.Aff3{
		xx - ox, yx - ox, ox,
		xy - oy, yy - oy, oy,
	}
	// picture pixels -> quad
	fw, fh := float64(inW), float64(inH)
	src := f64.Aff3{
		2 / fw, 0, -1,
		0, -2 / fh, 1,
	}
	// NDC -> output pixels
	gw, gh := float64(outW), float64(outH)
	dst := f64.Aff3{
		gw / 2, 0, gw / 2,
		0, -gh / 2, gh / 2,
	}
	return mulAff3(dst, mulAff3(ndc, src))
}

// mulAff3 returns a∘b.
func mulAff3(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3], a[0]*b[1] + a[1]*b[4], a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3], a[3]*b[1] + a[4]*b[4], a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// Surface returns the surface the video decoder renders into.
func (c *FrameCompositor) Surface() *DecoderSurface { return c.surface }

// MVP returns the model-view-projection matrix of the quad.
func (c *FrameCompositor) MVP() mgl32.Mat4 { return c.mvp }

// AwaitNewImage waits for the decoder to render the next picture.
func (c *FrameCompositor) AwaitNewImage() error { return c.surface.AwaitNewImage() }

// DrawImage renders the latched picture and returns the framebuffer that
// holds the result. The framebuffer is reused by the next call.
func (c *FrameCompositor) DrawImage() (*image.RGBA, error) {
	tex := c.surface.Texture()
	if tex == nil {
		return nil, fmt.Errorf("%w: no picture latched", ErrCodecState)
	}
	fb := c.rc.Framebuffer(0)
	draw.Draw(fb, fb.Bounds(), &image.Uniform{C: c.config.Background}, image.Point{}, draw.Src)

	s2d := c.s2d
	if b := tex.Bounds(); b.Min != (image.Point{}) || b.Dx() != c.config.InputWidth || b.Dy() != c.config.InputHeight {
		// the decoder cropped or padded the picture
		s2d = quadToPixels(c.mvp, b.Dx(), b.Dy(), c.config.Width, c.config.Height)
		s2d[2] -= s2d[0]*float64(b.Min.X) + s2d[1]*float64(b.Min.Y)
		s2d[5] -= s2d[3]*float64(b.Min.X) + s2d[4]*float64(b.Min.Y)
	}
	draw.BiLinear.Transform(fb, s2d, tex, tex.Bounds(), draw.Src, nil)

	if !c.filterOn {
		return fb, nil
	}
	dst := c.rc.Framebuffer(1)
	if err := c.config.Filter.Draw(fb, dst); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return dst, nil
}

// Render draws the latched picture and submits it to the encoder with the
// given presentation time.
func (c *FrameCompositor) Render(ptsNs int64) error {
	img, err := c.DrawImage()
	if err != nil {
		return err
	}
	c.out.SetPresentationTime(ptsNs)
	return c.out.SwapBuffers(img)
}

// Release frees the decoder surface and the filter. The render context is
// left to its owner.
func (c *FrameCompositor) Release() error {
	var err error
	if c.filterOn {
		err = c.config.Filter.Release()
		c.filterOn = false
	}
	c.surface.Release()
	return err
}
