package mp4composer

import (
	"image"
	"image/color"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSurface keeps the last picture swapped into it.
type recordingSurface struct {
	ptsNs []int64
	last  *image.RGBA
	next  int64
}

func (s *recordingSurface) SetPresentationTime(ns int64) { s.next = ns }

func (s *recordingSurface) SwapBuffers(img *image.RGBA) error {
	s.ptsNs = append(s.ptsNs, s.next)
	s.last = image.NewRGBA(img.Bounds())
	copy(s.last.Pix, img.Pix)
	return nil
}

func (s *recordingSurface) Release() error { return nil }

func newTestCompositor(t *testing.T, tr Transform, inW, inH, outW, outH int) (*FrameCompositor, *recordingSurface) {
	t.Helper()
	cfg := DefaultCompositorConfig()
	cfg.Transform = tr
	cfg.InputWidth, cfg.InputHeight = inW, inH
	cfg.Width, cfg.Height = outW, outH
	out := &recordingSurface{}
	c, err := NewFrameCompositor(cfg, nil, out, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Release() })
	return c, out
}

func mapPoint(c *FrameCompositor, x, y float64) (float64, float64) {
	m := c.s2d
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

func TestFrameCompositor_Geometry(t *testing.T) {
	tests := []struct {
		name                 string
		tr                   Transform
		inW, inH, outW, outH int
		points               [][4]float64 // in x, in y, want x, want y
	}{
		{
			name: "identity",
			inW:  640, inH: 480, outW: 640, outH: 480,
			points: [][4]float64{{0, 0, 0, 0}, {640, 480, 640, 480}},
		},
		{
			name: "rotate 90 clockwise",
			tr:   Transform{Rotation: Rotation90},
			inW:  640, inH: 480, outW: 480, outH: 640,
			points: [][4]float64{{0, 0, 480, 0}, {640, 0, 480, 640}, {0, 480, 0, 0}},
		},
		{
			name: "rotate 180",
			tr:   Transform{Rotation: Rotation180},
			inW:  640, inH: 480, outW: 640, outH: 480,
			points: [][4]float64{{0, 0, 640, 480}},
		},
		{
			name: "flip horizontal",
			tr:   Transform{FlipHorizontal: true},
			inW:  640, inH: 480, outW: 640, outH: 480,
			points: [][4]float64{{0, 0, 640, 0}, {640, 480, 0, 480}},
		},
		{
			name: "flip vertical",
			tr:   Transform{FlipVertical: true},
			inW:  640, inH: 480, outW: 640, outH: 480,
			points: [][4]float64{{0, 0, 0, 480}},
		},
		{
			name: "letterbox fit",
			inW:  640, inH: 480, outW: 480, outH: 480,
			points: [][4]float64{{0, 0, 0, 60}, {640, 480, 480, 420}},
		},
		{
			name: "crop",
			tr:   Transform{FillMode: FillModePreserveAspectCrop},
			inW:  640, inH: 480, outW: 480, outH: 480,
			points: [][4]float64{{0, 0, -80, 0}, {640, 480, 560, 480}},
		},
		{
			name: "custom translate",
			tr: Transform{FillMode: FillModeCustom, CustomItem: &FillModeCustomItem{
				Scale: 0.5, TranslateX: 0.5, TranslateY: 0.5,
			}},
			inW: 640, inH: 480, outW: 640, outH: 480,
			// half size, centred in the bottom right quadrant
			points: [][4]float64{{0, 0, 320, 240}, {640, 480, 640, 480}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCompositor(t, tt.tr, tt.inW, tt.inH, tt.outW, tt.outH)
			for _, p := range tt.points {
				x, y := mapPoint(c, p[0], p[1])
				assert.InDelta(t, p[2], x, 0.01, "x of (%v,%v)", p[0], p[1])
				assert.InDelta(t, p[3], y, 0.01, "y of (%v,%v)", p[0], p[1])
			}
		})
	}
}

func TestFrameCompositor_MVPCentersQuad(t *testing.T) {
	c, _ := newTestCompositor(t, Transform{}, 640, 480, 640, 480)
	v := c.MVP().Mul4x1(mgl32.Vec4{0, 0, 0, 1})
	assert.InDelta(t, 0, v[0]/v[3], 1e-5)
	assert.InDelta(t, 0, v[1]/v[3], 1e-5)
}

func TestFrameCompositor_RenderLetterbox(t *testing.T) {
	c, out := newTestCompositor(t, Transform{}, 640, 480, 480, 480)

	frame := NewI420Frame(640, 480)
	fill(frame.Data[0], 200)
	fill(frame.Data[1], 128)
	fill(frame.Data[2], 128)
	frame.Timestamp = 33_000_000
	require.NoError(t, c.Surface().QueueFrame(frame))
	require.NoError(t, c.AwaitNewImage())
	require.NoError(t, c.Render(33_000_000))

	require.NotNil(t, out.last)
	assert.Equal(t, []int64{33_000_000}, out.ptsNs)
	assert.Equal(t, image.Rect(0, 0, 480, 480), out.last.Bounds())

	black := color.RGBA{A: 0xff}
	assert.Equal(t, black, out.last.RGBAAt(240, 10), "top bar")
	assert.Equal(t, black, out.last.RGBAAt(240, 470), "bottom bar")
	mid := out.last.RGBAAt(240, 240)
	assert.InDelta(t, 200, int(mid.G), 4)
}

func TestFrameCompositor_Filter(t *testing.T) {
	cfg := DefaultCompositorConfig()
	cfg.InputWidth, cfg.InputHeight, cfg.Width, cfg.Height = 64, 48, 64, 48
	cfg.Filter = InvertFilter()
	out := &recordingSurface{}
	c, err := NewFrameCompositor(cfg, nil, out, nil)
	require.NoError(t, err)
	defer c.Release()

	frame := NewI420Frame(64, 48)
	fill(frame.Data[0], 235)
	fill(frame.Data[1], 128)
	fill(frame.Data[2], 128)
	require.NoError(t, c.Surface().QueueFrame(frame))
	require.NoError(t, c.AwaitNewImage())
	require.NoError(t, c.Render(0))
	assert.Less(t, int(out.last.RGBAAt(32, 24).R), 40)
}

func TestFrameCompositor_Errors(t *testing.T) {
	cfg := DefaultCompositorConfig()
	cfg.InputWidth, cfg.InputHeight, cfg.Width, cfg.Height = 64, 48, 64, 48
	cfg.Transform.FillMode = FillModeCustom
	_, err := NewFrameCompositor(cfg, nil, &recordingSurface{}, nil)
	assert.ErrorIs(t, err, ErrCustomFillModeItemMissing)

	cfg = DefaultCompositorConfig()
	_, err = NewFrameCompositor(cfg, nil, &recordingSurface{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.InputWidth, cfg.InputHeight, cfg.Width, cfg.Height = 64, 48, 64, 48
	c, err := NewFrameCompositor(cfg, nil, &recordingSurface{}, nil)
	require.NoError(t, err)
	_, err = c.DrawImage()
	assert.ErrorIs(t, err, ErrCodecState, "nothing latched")
	require.NoError(t, c.Release())
	assert.ErrorIs(t, c.AwaitNewImage(), ErrCodecState)
}

func TestRenderContext_Reuse(t *testing.T) {
	rc := NewRenderContext()
	rc.SurfaceChanged(64, 48)
	fb := rc.Framebuffer(0)
	rc.SurfaceChanged(64, 48)
	assert.Same(t, fb, rc.Framebuffer(0))
	rc.SurfaceChanged(32, 32)
	assert.NotSame(t, fb, rc.Framebuffer(0))
	w, h := rc.OutputSize()
	assert.Equal(t, [2]int{32, 32}, [2]int{w, h})
}
