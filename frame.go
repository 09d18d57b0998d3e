// Raw picture type passed between decoders, surfaces and encoders.
package mp4composer

import (
	"image"
	"image/color"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                      // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGBA32:
		return "RGBA32"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGBA32:
		return 1
	default:
		return 0
	}
}

// pixelFormatForColor maps a codec color format to a pixel format.
func pixelFormatForColor(colorFormat int) PixelFormat {
	if colorFormat == ColorFormatYUV420SemiPlanar {
		return PixelFormatNV12
	}
	return PixelFormatI420
}

// VideoFrame represents a raw video frame.
// The Data slices may point to codec-owned memory; Clone before keeping a
// frame past the call that delivered it.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Presentation time in nanoseconds
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// Size returns the number of bytes held by the frame planes.
func (f *VideoFrame) Size() int {
	n := 0
	for _, p := range f.Data {
		n += len(p)
	}
	return n
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + cw*ch*2
}

// NewI420Frame allocates a tightly packed I420 frame.
func NewI420Frame(width, height int) *VideoFrame {
	cw, ch := (width+1)/2, (height+1)/2
	buf := make([]byte, I420Size(width, height))
	ySize := width * height
	return &VideoFrame{
		Data:   [][]byte{buf[:ySize], buf[ySize : ySize+cw*ch], buf[ySize+cw*ch:]},
		Stride: []int{width, cw, cw},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}
}

// Image returns the frame as an image.Image. I420 frames are wrapped
// without copying; NV12 frames are deinterleaved into a new YCbCr image.
func (f *VideoFrame) Image() image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case PixelFormatI420:
		return &image.YCbCr{
			Y:              f.Data[0],
			Cb:             f.Data[1],
			Cr:             f.Data[2],
			YStride:        f.Stride[0],
			CStride:        f.Stride[1],
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}
	case PixelFormatNV12:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		for row := 0; row < f.Height; row++ {
			copy(img.Y[row*img.YStride:row*img.YStride+f.Width], f.Data[0][row*f.Stride[0]:])
		}
		cw, ch := (f.Width+1)/2, (f.Height+1)/2
		for row := 0; row < ch; row++ {
			uv := f.Data[1][row*f.Stride[1]:]
			for col := 0; col < cw; col++ {
				img.Cb[row*img.CStride+col] = uv[col*2]
				img.Cr[row*img.CStride+col] = uv[col*2+1]
			}
		}
		return img
	default:
		return &image.RGBA{Pix: f.Data[0], Stride: f.Stride[0], Rect: rect}
	}
}

// FrameFromRGBA converts an RGBA picture into a frame of the requested
// YUV layout using BT.601 coefficients.
func FrameFromRGBA(img *image.RGBA, format PixelFormat) *VideoFrame {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := NewI420Frame(w, h)
	yp, up, vp := out.Data[0], out.Data[1], out.Data[2]
	cw := out.Stride[1]

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			yy, cb, cr := color.RGBToYCbCr(r, g, b)
			yp[y*w+x] = yy
			if y&1 == 0 && x&1 == 0 {
				up[(y/2)*cw+x/2] = cb
				vp[(y/2)*cw+x/2] = cr
			}
		}
	}

	if format != PixelFormatNV12 {
		return out
	}
	ch := (h + 1) / 2
	uv := make([]byte, cw*ch*2)
	for i := 0; i < cw*ch; i++ {
		uv[i*2] = up[i]
		uv[i*2+1] = vp[i]
	}
	return &VideoFrame{
		Data:   [][]byte{yp, uv},
		Stride: []int{w, cw * 2},
		Width:  w,
		Height: h,
		Format: PixelFormatNV12,
	}
}

// packFrame writes the frame planes contiguously into dst and returns the
// number of bytes written.
func packFrame(f *VideoFrame, dst []byte) (int, error) {
	n := 0
	for i, plane := range f.Data {
		rows, width := planeGeometry(f, i)
		for r := 0; r < rows; r++ {
			if n+width > len(dst) {
				return n, ErrBufferTooSmall
			}
			copy(dst[n:n+width], plane[r*f.Stride[i]:])
			n += width
		}
	}
	return n, nil
}

// unpackFrame wraps a contiguous YUV buffer as a frame.
func unpackFrame(buf []byte, width, height int, format PixelFormat) (*VideoFrame, error) {
	cw, ch := (width+1)/2, (height+1)/2
	ySize := width * height
	switch format {
	case PixelFormatNV12:
		if len(buf) < ySize+cw*ch*2 {
			return nil, ErrBufferTooSmall
		}
		return &VideoFrame{
			Data:   [][]byte{buf[:ySize], buf[ySize : ySize+cw*ch*2]},
			Stride: []int{width, cw * 2},
			Width:  width, Height: height, Format: format,
		}, nil
	default:
		if len(buf) < I420Size(width, height) {
			return nil, ErrBufferTooSmall
		}
		return &VideoFrame{
			Data:   [][]byte{buf[:ySize], buf[ySize : ySize+cw*ch], buf[ySize+cw*ch : ySize+cw*ch*2]},
			Stride: []int{width, cw, cw},
			Width:  width, Height: height, Format: PixelFormatI420,
		}, nil
	}
}

func planeGeometry(f *VideoFrame, plane int) (rows, width int) {
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	switch {
	case f.Format == PixelFormatRGBA32:
		return f.Height, f.Width * 4
	case plane == 0:
		return f.Height, f.Width
	case f.Format == PixelFormatNV12:
		return ch, cw * 2
	default:
		return ch, cw
	}
}
