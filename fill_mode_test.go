package mp4composer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleAspect(t *testing.T) {
	tests := []struct {
		name                 string
		fn                   func(angle, wIn, hIn, wOut, hOut int) [2]float32
		angle                int
		wIn, hIn, wOut, hOut int
		want                 [2]float32
	}{
		{"fit landscape into portrait", ScaleAspectFit, 0, 1920, 1080, 1080, 1920, [2]float32{1, 0.3164}},
		{"fit rotated landscape into portrait", ScaleAspectFit, 90, 1920, 1080, 1080, 1920, [2]float32{1, 1}},
		{"fit 4:3 into square", ScaleAspectFit, 0, 640, 480, 480, 480, [2]float32{1, 0.75}},
		{"crop landscape into portrait", ScaleAspectCrop, 0, 1920, 1080, 1080, 1920, [2]float32{3.1605, 1}},
		{"crop rotated landscape into portrait", ScaleAspectCrop, 90, 1920, 1080, 1080, 1920, [2]float32{1, 1}},
		{"crop 4:3 into square", ScaleAspectCrop, 0, 640, 480, 480, 480, [2]float32{1.3333, 1}},
		{"crop portrait into landscape", ScaleAspectCrop, 270, 1920, 1080, 1920, 1080, [2]float32{1, 3.1605}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.angle, tt.wIn, tt.hIn, tt.wOut, tt.hOut)
			assert.InDelta(t, tt.want[0], got[0], 1e-3)
			assert.InDelta(t, tt.want[1], got[1], 1e-3)
		})
	}
}

func TestScaleAspect_Bounds(t *testing.T) {
	sizes := [][2]int{{640, 480}, {480, 640}, {1920, 1080}, {720, 720}, {176, 144}}
	for _, in := range sizes {
		for _, out := range sizes {
			for _, angle := range []int{0, 90, 180, 270} {
				fit := ScaleAspectFit(angle, in[0], in[1], out[0], out[1])
				crop := ScaleAspectCrop(angle, in[0], in[1], out[0], out[1])
				assert.LessOrEqual(t, fit[0], float32(1.0001))
				assert.LessOrEqual(t, fit[1], float32(1.0001))
				assert.GreaterOrEqual(t, crop[0], float32(0.9999))
				assert.GreaterOrEqual(t, crop[1], float32(0.9999))
				// one axis always spans the frame
				assert.True(t, fit[0] == 1 || fit[1] == 1, "fit %v", fit)
				assert.True(t, crop[0] == 1 || crop[1] == 1, "crop %v", crop)
			}
		}
	}
}

func TestRotationFromAngle(t *testing.T) {
	tests := []struct {
		in   int
		want Rotation
	}{
		{0, RotationNormal},
		{90, Rotation90},
		{-90, Rotation270},
		{450, Rotation90},
		{180, Rotation180},
		{45, RotationNormal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RotationFromAngle(tt.in), "angle %d", tt.in)
	}
	assert.Equal(t, Rotation180, Rotation90.Add(Rotation90))
	assert.Equal(t, RotationNormal, Rotation270.Add(Rotation90))
	assert.True(t, Rotation270.Swaps())
	assert.False(t, Rotation180.Swaps())
}

func TestParseFillMode(t *testing.T) {
	for _, m := range []FillMode{FillModePreserveAspectFit, FillModePreserveAspectCrop, FillModeCustom} {
		got, err := ParseFillMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseFillMode("stretch")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
