package mp4composer

import "fmt"

// FillMode decides how the source picture is placed in the output frame.
type FillMode int

const (
	// FillModePreserveAspectFit letterboxes the whole picture.
	FillModePreserveAspectFit FillMode = iota
	// FillModePreserveAspectCrop fills the frame and crops the overflow.
	FillModePreserveAspectCrop
	// FillModeCustom places the picture with a FillModeCustomItem.
	FillModeCustom
)

func (m FillMode) String() string {
	switch m {
	case FillModePreserveAspectFit:
		return "fit"
	case FillModePreserveAspectCrop:
		return "crop"
	case FillModeCustom:
		return "custom"
	default:
		return fmt.Sprintf("FillMode(%d)", int(m))
	}
}

// ParseFillMode parses the names returned by FillMode.String.
func ParseFillMode(s string) (FillMode, error) {
	switch s {
	case "fit", "":
		return FillModePreserveAspectFit, nil
	case "crop":
		return FillModePreserveAspectCrop, nil
	case "custom":
		return FillModeCustom, nil
	}
	return 0, fmt.Errorf("%w: fill mode %q", ErrInvalidConfig, s)
}

// FillModeCustomItem is the placement chosen by the user in the editor.
type FillModeCustomItem struct {
	Scale       float32 `yaml:"scale"`
	Rotate      float32 `yaml:"rotate"`      // degrees
	TranslateX  float32 `yaml:"translate_x"` // NDC units
	TranslateY  float32 `yaml:"translate_y"` // NDC units, downwards
	VideoWidth  float32 `yaml:"video_width"`
	VideoHeight float32 `yaml:"video_height"`
}

// Rotation is a clockwise rotation by a multiple of 90 degrees.
type Rotation int

const (
	RotationNormal Rotation = 0
	Rotation90     Rotation = 90
	Rotation180    Rotation = 180
	Rotation270    Rotation = 270
)

// RotationFromAngle normalizes degrees to a Rotation. Angles that are not a
// multiple of 90 map to RotationNormal.
func RotationFromAngle(degrees int) Rotation {
	d := ((degrees % 360) + 360) % 360
	switch d {
	case 90, 180, 270:
		return Rotation(d)
	}
	return RotationNormal
}

// Add returns the rotation of r followed by o.
func (r Rotation) Add(o Rotation) Rotation { return RotationFromAngle(int(r) + int(o)) }

// Swaps reports whether the rotation exchanges width and height.
func (r Rotation) Swaps() bool { return r == Rotation90 || r == Rotation270 }

// Transform is the fixed geometry applied to every frame.
type Transform struct {
	Rotation       Rotation
	FillMode       FillMode
	CustomItem     *FillModeCustomItem
	FlipHorizontal bool
	FlipVertical   bool
}

// ScaleAspectFit returns the x and y scale that fit a wIn x hIn picture
// rotated by angle inside wOut x hOut without cropping.
func ScaleAspectFit(angle, wIn, hIn, wOut, hOut int) [2]float32 {
	scale := [2]float32{1, 1}
	if angle == 90 || angle == 270 {
		wIn, hIn = hIn, wIn
	}
	aspectIn := float32(wIn) / float32(hIn)
	heightCalc := float32(wOut) / aspectIn
	if heightCalc < float32(hOut) {
		scale[1] = heightCalc / float32(hOut)
	} else {
		scale[0] = float32(hOut) * aspectIn / float32(wOut)
	}
	return scale
}

// ScaleAspectCrop returns the x and y scale that cover wOut x hOut with a
// wIn x hIn picture rotated by angle.
func ScaleAspectCrop(angle, wIn, hIn, wOut, hOut int) [2]float32 {
	scale := [2]float32{1, 1}
	if angle == 90 || angle == 270 {
		wIn, hIn = hIn, wIn
	}
	aspectIn := float32(wIn) / float32(hIn)
	aspectOut := float32(wOut) / float32(hOut)
	if aspectIn > aspectOut {
		scale[0] = float32(hOut) * aspectIn / float32(wOut)
	} else {
		scale[1] = float32(wOut) / aspectIn / float32(hOut)
	}
	return scale
}
