package mp4composer

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"grayscale", false},
		{"invert", false},
		{"sepia", false},
		{" brightness=25 ", false},
		{"contrast", false},
		{"saturation=-50", false},
		{"gamma=0.8", false},
		{"blur=1.5", false},
		{"sharpen", false},
		{"overlay=logo.png", false},
		{"overlay", true},
		{"blur=lots", true},
		{"vignette", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			f, err := ParseFilter(tt.spec)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}

func TestFilterChain_Draw(t *testing.T) {
	src := solid(8, 8, color.RGBA{R: 100, G: 50, B: 25, A: 255})
	dst := image.NewRGBA(src.Bounds())

	empty := NewFilterChain(nil)
	assert.Zero(t, empty.Len())
	require.NoError(t, empty.Draw(src, dst))
	assert.Equal(t, src.Pix, dst.Pix, "empty chain copies")

	chain := NewFilterChain(GrayscaleFilter(), InvertFilter())
	require.NoError(t, chain.Setup())
	chain.SetFrameSize(8, 8)
	require.NoError(t, chain.Draw(src, dst))
	px := dst.RGBAAt(4, 4)
	assert.Equal(t, px.R, px.G, "gray")
	assert.Equal(t, px.G, px.B, "gray")
	assert.Greater(t, int(px.R), 127, "inverted dark gray is light")
	require.NoError(t, chain.Release())
}

func TestOverlayFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, solid(2, 2, color.RGBA{R: 255, A: 255})))
	require.NoError(t, f.Close())

	o := &OverlayFilter{Path: path}
	require.ErrorContains(t, o.Draw(solid(4, 4, color.RGBA{A: 255}), image.NewRGBA(image.Rect(0, 0, 4, 4))), "not set up")
	require.NoError(t, o.Setup())
	o.SetFrameSize(4, 4)
	dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
	require.NoError(t, o.Draw(solid(4, 4, color.RGBA{B: 255, A: 255}), dst))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, dst.RGBAAt(1, 1))
	require.NoError(t, o.Release())

	missing := &OverlayFilter{Path: filepath.Join(t.TempDir(), "none.png")}
	assert.Error(t, missing.Setup())
}
