//go:build (darwin || linux) && !noh264

// Software AVC codecs through libmedia_h264 (x264 encoder, OpenH264 decoder)
// using purego.

package mp4composer

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"unsafe"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
	mediaH264DecoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3
)

// mediaH264DecodeResult holds decoder output parameters. It must live on the
// heap: on arm64 the GC may move stack variables during the C call.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		paths := libSearchPaths(sharedLibName("libmedia_h264"), "MEDIA_H264_LIB_PATH", "MEDIA_SDK_LIB_PATH",
			"/usr/local/lib", "/usr/lib", "/opt/homebrew/lib")
		mediaH264Handle, mediaH264InitErr = dlopenFirst(paths, func(handle uintptr) error {
			return registerLibFuncs(handle, map[string]any{
				"media_h264_encoder_create":          &mediaH264EncoderCreate,
				"media_h264_encoder_encode":          &mediaH264EncoderEncode,
				"media_h264_encoder_max_output_size": &mediaH264EncoderMaxOutputSize,
				"media_h264_encoder_get_sps_pps":     &mediaH264EncoderGetSPSPPS,
				"media_h264_encoder_destroy":         &mediaH264EncoderDestroy,
				"media_h264_decoder_create":          &mediaH264DecoderCreate,
				"media_h264_decoder_decode":          &mediaH264DecoderDecode,
				"media_h264_decoder_destroy":         &mediaH264DecoderDestroy,
				"media_h264_get_error":               &mediaH264GetError,
				"media_h264_encoder_available":       &mediaH264EncoderAvailable,
				"media_h264_decoder_available":       &mediaH264DecoderAvailable,
			})
		})
	})
	return mediaH264InitErr
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// IsH264EncoderAvailable checks if the x264 encoder can be used.
func IsH264EncoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264EncoderAvailable() != 0
}

// IsH264DecoderAvailable checks if the OpenH264 decoder can be used.
func IsH264DecoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264DecoderAvailable() != 0
}

// x264Backend encodes I420 pictures to Annex-B AVC access units.
type x264Backend struct {
	handle    uint64
	outputBuf []byte
	format    *Format
	pts       []int64 // input timestamps awaiting output, in order
	sentCSD   bool
}

func (e *x264Backend) Open(format *Format) (*Format, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}
	if mediaH264EncoderAvailable() == 0 {
		return nil, errors.New("H.264 encoder not available (x264 not compiled)")
	}
	if format.Width <= 0 || format.Height <= 0 || format.Width%2 != 0 || format.Height%2 != 0 {
		return nil, fmt.Errorf("%w: x264 needs even dimensions, got %dx%d", ErrInvalidConfig, format.Width, format.Height)
	}

	fps := format.FrameRate
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := format.BitRate / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}

	e.handle = mediaH264EncoderCreate(int32(format.Width), int32(format.Height), int32(fps),
		int32(bitrateKbps), mediaH264ProfileBaseline, int32(runtime.NumCPU()))
	if e.handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(e.handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(format.Width, format.Height))
	}
	e.outputBuf = make([]byte, maxOutput)

	sps, pps := e.parameterSets()
	e.format = &Format{
		MIME:      MIMEVideoAVC,
		Width:     format.Width,
		Height:    format.Height,
		FrameRate: fps,
		BitRate:   format.BitRate,
		CSD:       [][]byte{withStartCode(sps), withStartCode(pps)},
	}
	return e.format.Clone(), nil
}

func (e *x264Backend) parameterSets() (sps, pps []byte) {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	lens := new([2]int32) // heap-allocated for purego on arm64

	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&lens[0])),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&lens[1])),
	)
	runtime.KeepAlive(lens)
	return stripStartCode(spsOut[:lens[0]]), stripStartCode(ppsOut[:lens[1]])
}

func (e *x264Backend) Process(in codecPacket) ([]codecPacket, error) {
	frame := in.Frame
	if frame == nil || frame.Format != PixelFormatI420 {
		return nil, fmt.Errorf("%w: x264 takes I420 pictures", ErrInvalidConfig)
	}

	var out []codecPacket
	if !e.sentCSD {
		e.sentCSD = true
		csd := append(append([]byte(nil), e.format.CSD[0]...), e.format.CSD[1]...)
		out = append(out, codecPacket{Data: csd, Flags: BufferFlagCodecConfig})
	}
	e.pts = append(e.pts, in.PtsUs)

	res := new(struct {
		frameType int32
		pts, dts  int64
	})
	n := mediaH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		0,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&res.frameType)),
		uintptr(unsafe.Pointer(&res.pts)),
		uintptr(unsafe.Pointer(&res.dts)),
	)
	runtime.KeepAlive(frame)
	runtime.KeepAlive(res)

	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if n == 0 {
		return out, nil
	}

	var flags BufferFlags
	if res.frameType == mediaH264FrameIDR || res.frameType == mediaH264FrameI {
		flags |= BufferFlagKeyFrame
	}
	pts := e.pts[0]
	e.pts = e.pts[1:]
	out = append(out, codecPacket{
		Data:  append([]byte(nil), e.outputBuf[:n]...),
		PtsUs: pts,
		Flags: flags,
	})
	return out, nil
}

func (e *x264Backend) Flush() ([]codecPacket, error) { return nil, nil }

func (e *x264Backend) Close() error {
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// openH264Backend decodes Annex-B AVC access units to I420 pictures.
type openH264Backend struct {
	handle uint64
	result *mediaH264DecodeResult
	width  int
	height int
	pts    []int64 // pending timestamps, kept sorted for presentation order
}

func (d *openH264Backend) Open(format *Format) (*Format, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}
	if mediaH264DecoderAvailable() == 0 {
		return nil, errors.New("H.264 decoder not available")
	}
	d.handle = mediaH264DecoderCreate(int32(runtime.NumCPU()))
	if d.handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}
	d.result = &mediaH264DecodeResult{}
	d.width, d.height = format.Width, format.Height

	for _, csd := range format.CSD {
		if _, err := d.decode(csd); err != nil {
			return nil, err
		}
	}
	return &Format{
		MIME:        MIMEVideoRaw,
		Width:       format.Width,
		Height:      format.Height,
		ColorFormat: ColorFormatYUV420Planar,
	}, nil
}

func (d *openH264Backend) decode(data []byte) (*VideoFrame, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out := d.result
	n := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)

	if n < 0 {
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}
	if n == 0 {
		return nil, nil
	}
	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height)
	}

	w, h := int(out.Width), int(out.Height)
	frame := NewI420Frame(w, h)
	copyPlane(frame.Data[0], frame.Stride[0], out.YPtr, int(out.YStride), w, h)
	copyPlane(frame.Data[1], frame.Stride[1], out.UPtr, int(out.UVStride), (w+1)/2, (h+1)/2)
	copyPlane(frame.Data[2], frame.Stride[2], out.VPtr, int(out.UVStride), (w+1)/2, (h+1)/2)
	return frame, nil
}

func copyPlane(dst []byte, dstStride int, src uintptr, srcStride, width, rows int) {
	for row := 0; row < rows; row++ {
		line := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(row*srcStride))), width)
		copy(dst[row*dstStride:row*dstStride+width], line)
	}
}

func (d *openH264Backend) Process(in codecPacket) ([]codecPacket, error) {
	if !in.Flags.Has(BufferFlagCodecConfig) {
		i := sort.Search(len(d.pts), func(i int) bool { return d.pts[i] > in.PtsUs })
		d.pts = append(d.pts, 0)
		copy(d.pts[i+1:], d.pts[i:])
		d.pts[i] = in.PtsUs
	}
	frame, err := d.decode(in.Data)
	if err != nil || frame == nil {
		return nil, err
	}

	pkt := codecPacket{Frame: frame}
	if len(d.pts) > 0 {
		pkt.PtsUs = d.pts[0]
		d.pts = d.pts[1:]
	}
	if frame.Width != d.width || frame.Height != d.height {
		d.width, d.height = frame.Width, frame.Height
		pkt.Format = &Format{MIME: MIMEVideoRaw, Width: d.width, Height: d.height, ColorFormat: ColorFormatYUV420Planar}
	}
	return []codecPacket{pkt}, nil
}

func (d *openH264Backend) Flush() ([]codecPacket, error) { return nil, nil }

func (d *openH264Backend) Close() error {
	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// Register the software AVC codecs when libmedia_h264 is present.
func init() {
	if IsH264EncoderAvailable() {
		setProviderAvailable(ProviderX264)
		RegisterEncoder(MIMEVideoAVC, ProviderX264, func(mime string) (Codec, error) {
			return NewBufferedCodec("x264."+mime+".encoder", true, &x264Backend{}), nil
		})
	}
	if IsH264DecoderAvailable() {
		setProviderAvailable(ProviderOpenH264)
		RegisterDecoder(MIMEVideoAVC, ProviderOpenH264, func(mime string) (Codec, error) {
			return NewBufferedCodec("openh264."+mime+".decoder", false, &openH264Backend{}), nil
		})
	}
}
