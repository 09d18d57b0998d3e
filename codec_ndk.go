//go:build linux && !nondk

// Platform codecs through the NDK AMediaCodec API (libmediandk.so) using
// purego. Codecs run in byte-buffer mode: decoded pictures are copied out
// of the output buffer on render, and encoder input surfaces copy composited
// pictures into input buffers.

package mp4composer

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"
	"unsafe"
)

var (
	ndkOnce    sync.Once
	ndkHandle  uintptr
	ndkInitErr error
)

// libmediandk function pointers
var (
	aMediaCodecCreateDecoderByType func(mime string) uintptr
	aMediaCodecCreateEncoderByType func(mime string) uintptr
	aMediaCodecConfigure           func(codec, format, window, crypto uintptr, flags uint32) int32
	aMediaCodecStart               func(codec uintptr) int32
	aMediaCodecStop                func(codec uintptr) int32
	aMediaCodecDelete              func(codec uintptr) int32
	aMediaCodecDequeueInputBuffer  func(codec uintptr, timeoutUs int64) int64
	aMediaCodecGetInputBuffer      func(codec uintptr, idx uint64, outSize uintptr) uintptr
	aMediaCodecQueueInputBuffer    func(codec uintptr, idx uint64, offset int64, size uint64, timeUs uint64, flags uint32) int32
	aMediaCodecDequeueOutputBuffer func(codec uintptr, info uintptr, timeoutUs int64) int64
	aMediaCodecGetOutputBuffer     func(codec uintptr, idx uint64, outSize uintptr) uintptr
	aMediaCodecGetOutputFormat     func(codec uintptr) uintptr
	aMediaCodecReleaseOutputBuffer func(codec uintptr, idx uint64, render bool) int32

	aMediaFormatNew       func() uintptr
	aMediaFormatDelete    func(format uintptr) int32
	aMediaFormatSetString func(format uintptr, name, value string)
	aMediaFormatSetInt32  func(format uintptr, name string, value int32)
	aMediaFormatSetInt64  func(format uintptr, name string, value int64)
	aMediaFormatSetBuffer func(format uintptr, name string, data uintptr, size uint64)
	aMediaFormatGetInt32  func(format uintptr, name string, out uintptr) bool
	aMediaFormatGetInt64  func(format uintptr, name string, out uintptr) bool
	aMediaFormatGetBuffer func(format uintptr, name string, data uintptr, size uintptr) bool
)

const (
	ndkConfigureFlagEncode = 1
	ndkStatusOK            = 0
)

// ndkBufferInfo mirrors AMediaCodecBufferInfo.
type ndkBufferInfo struct {
	Offset             int32
	Size               int32
	PresentationTimeUs int64
	Flags              uint32
}

func loadMediaNDK() error {
	ndkOnce.Do(func() {
		paths := libSearchPaths("libmediandk.so", "MP4COMPOSE_NDK_LIB_PATH", "", "/system/lib64", "/system/lib")
		ndkHandle, ndkInitErr = dlopenFirst(paths, func(handle uintptr) error {
			return registerLibFuncs(handle, map[string]any{
				"AMediaCodec_createDecoderByType": &aMediaCodecCreateDecoderByType,
				"AMediaCodec_createEncoderByType": &aMediaCodecCreateEncoderByType,
				"AMediaCodec_configure":           &aMediaCodecConfigure,
				"AMediaCodec_start":               &aMediaCodecStart,
				"AMediaCodec_stop":                &aMediaCodecStop,
				"AMediaCodec_delete":              &aMediaCodecDelete,
				"AMediaCodec_dequeueInputBuffer":  &aMediaCodecDequeueInputBuffer,
				"AMediaCodec_getInputBuffer":      &aMediaCodecGetInputBuffer,
				"AMediaCodec_queueInputBuffer":    &aMediaCodecQueueInputBuffer,
				"AMediaCodec_dequeueOutputBuffer": &aMediaCodecDequeueOutputBuffer,
				"AMediaCodec_getOutputBuffer":     &aMediaCodecGetOutputBuffer,
				"AMediaCodec_getOutputFormat":     &aMediaCodecGetOutputFormat,
				"AMediaCodec_releaseOutputBuffer": &aMediaCodecReleaseOutputBuffer,
				"AMediaFormat_new":                &aMediaFormatNew,
				"AMediaFormat_delete":             &aMediaFormatDelete,
				"AMediaFormat_setString":          &aMediaFormatSetString,
				"AMediaFormat_setInt32":           &aMediaFormatSetInt32,
				"AMediaFormat_setInt64":           &aMediaFormatSetInt64,
				"AMediaFormat_setBuffer":          &aMediaFormatSetBuffer,
				"AMediaFormat_getInt32":           &aMediaFormatGetInt32,
				"AMediaFormat_getInt64":           &aMediaFormatGetInt64,
				"AMediaFormat_getBuffer":          &aMediaFormatGetBuffer,
			})
		})
	})
	return ndkInitErr
}

// IsMediaNDKAvailable reports whether platform codecs can be used.
func IsMediaNDKAvailable() bool { return loadMediaNDK() == nil }

func ndkStatus(op string, status int32) error {
	if status == ndkStatusOK {
		return nil
	}
	return fmt.Errorf("%s: media status %d", op, status)
}

// newNDKFormat builds an AMediaFormat from f. The caller deletes it.
func newNDKFormat(f *Format) uintptr {
	mf := aMediaFormatNew()
	aMediaFormatSetString(mf, "mime", f.MIME)
	setInt := func(key string, v int) {
		if v != 0 {
			aMediaFormatSetInt32(mf, key, int32(v))
		}
	}
	setInt("width", f.Width)
	setInt("height", f.Height)
	setInt("rotation-degrees", f.Rotation)
	setInt("frame-rate", f.FrameRate)
	setInt("i-frame-interval", f.IFrameInterval)
	setInt("color-format", f.ColorFormat)
	setInt("sample-rate", f.SampleRate)
	setInt("channel-count", f.ChannelCount)
	setInt("aac-profile", f.AACProfile)
	setInt("bitrate", f.BitRate)
	setInt("max-input-size", f.MaxInputSize)
	if f.DurationUs > 0 {
		aMediaFormatSetInt64(mf, "durationUs", f.DurationUs)
	}
	for i, csd := range f.CSD {
		if len(csd) > 0 {
			aMediaFormatSetBuffer(mf, fmt.Sprintf("csd-%d", i), uintptr(unsafe.Pointer(&csd[0])), uint64(len(csd)))
			runtime.KeepAlive(csd)
		}
	}
	return mf
}

// readNDKFormat converts an AMediaFormat owned by the caller into a Format.
func readNDKFormat(mf uintptr, mime string) *Format {
	f := &Format{MIME: mime}
	v := new(int32)
	getInt := func(key string) int {
		*v = 0
		if aMediaFormatGetInt32(mf, key, uintptr(unsafe.Pointer(v))) {
			return int(*v)
		}
		return 0
	}
	f.Width = getInt("width")
	f.Height = getInt("height")
	f.ColorFormat = getInt("color-format")
	f.SampleRate = getInt("sample-rate")
	f.ChannelCount = getInt("channel-count")
	f.BitRate = getInt("bitrate")
	f.FrameRate = getInt("frame-rate")

	d := new(int64)
	if aMediaFormatGetInt64(mf, "durationUs", uintptr(unsafe.Pointer(d))) {
		f.DurationUs = *d
	}
	buf := new(struct {
		data uintptr
		size uint64
	})
	for i := 0; i < 3; i++ {
		if !aMediaFormatGetBuffer(mf, fmt.Sprintf("csd-%d", i), uintptr(unsafe.Pointer(&buf.data)), uintptr(unsafe.Pointer(&buf.size))) {
			break
		}
		f.CSD = append(f.CSD, append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(buf.data)), buf.size)...))
	}
	runtime.KeepAlive(v)
	runtime.KeepAlive(d)
	runtime.KeepAlive(buf)
	return f
}

// ndkCodec drives one AMediaCodec instance. All calls come from the engine
// goroutine.
type ndkCodec struct {
	name    string
	mime    string
	encoder bool
	handle  uintptr

	format     *Format
	outFormat  *Format
	surface    Surface
	inSurface  *ndkInputSurface
	info       *ndkBufferInfo
	sizeOut    *uint64
	released   bool
	outputMeta map[int]BufferInfo
}

func newNDKCodec(mime string, encoder bool) (Codec, error) {
	if err := loadMediaNDK(); err != nil {
		return nil, err
	}
	var handle uintptr
	kind := "decoder"
	if encoder {
		handle = aMediaCodecCreateEncoderByType(mime)
		kind = "encoder"
	} else {
		handle = aMediaCodecCreateDecoderByType(mime)
	}
	if handle == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrCodecNotSupported, mime, kind)
	}
	return &ndkCodec{
		name:       "ndk." + mime + "." + kind,
		mime:       mime,
		encoder:    encoder,
		handle:     handle,
		info:       &ndkBufferInfo{},
		sizeOut:    new(uint64),
		outputMeta: make(map[int]BufferInfo),
	}, nil
}

func (c *ndkCodec) Name() string { return c.name }

func (c *ndkCodec) Configure(format *Format, surface Surface) error {
	f := format.Clone()
	if c.encoder && f.Kind() == TrackKindVideo && (f.ColorFormat == 0 || f.ColorFormat == ColorFormatSurface) {
		// byte-buffer mode: pictures arrive as semi-planar YUV
		f.ColorFormat = ColorFormatYUV420SemiPlanar
	}
	mf := newNDKFormat(f)
	defer aMediaFormatDelete(mf)

	var flags uint32
	if c.encoder {
		flags = ndkConfigureFlagEncode
	}
	if err := ndkStatus("configure", aMediaCodecConfigure(c.handle, mf, 0, 0, flags)); err != nil {
		return codecErr(c.name, "configure", err)
	}
	c.format = f
	c.surface = surface
	return nil
}

func (c *ndkCodec) CreateInputSurface() (InputSurface, error) {
	if !c.encoder || c.format == nil || c.format.Kind() != TrackKindVideo {
		return nil, codecErr(c.name, "create input surface", ErrCodecState)
	}
	c.inSurface = &ndkInputSurface{codec: c}
	return c.inSurface, nil
}

func (c *ndkCodec) Start() error {
	return codecErr(c.name, "start", ndkStatus("start", aMediaCodecStart(c.handle)))
}

func (c *ndkCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	idx := aMediaCodecDequeueInputBuffer(c.handle, timeout.Microseconds())
	if idx < 0 {
		if idx == InfoTryAgainLater {
			return InfoTryAgainLater, nil
		}
		return 0, codecErr(c.name, "dequeue input", fmt.Errorf("media status %d", idx))
	}
	return int(idx), nil
}

func (c *ndkCodec) InputBuffer(index int) ([]byte, error) {
	ptr := aMediaCodecGetInputBuffer(c.handle, uint64(index), uintptr(unsafe.Pointer(c.sizeOut)))
	if ptr == 0 {
		return nil, codecErr(c.name, "input buffer", ErrInvalidIndex)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), *c.sizeOut), nil
}

func (c *ndkCodec) QueueInputBuffer(index int, info BufferInfo) error {
	status := aMediaCodecQueueInputBuffer(c.handle, uint64(index), int64(info.Offset), uint64(info.Size),
		uint64(info.PresentationTimeUs), uint32(info.Flags))
	return codecErr(c.name, "queue input", ndkStatus("queue input", status))
}

func (c *ndkCodec) DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error) {
	idx := aMediaCodecDequeueOutputBuffer(c.handle, uintptr(unsafe.Pointer(c.info)), timeout.Microseconds())
	runtime.KeepAlive(c.info)
	switch {
	case idx == InfoOutputFormatChanged:
		mf := aMediaCodecGetOutputFormat(c.handle)
		mime := c.mime
		if !c.encoder {
			mime = rawMIME(c.mime)
		}
		c.outFormat = readNDKFormat(mf, mime)
		aMediaFormatDelete(mf)
		return InfoOutputFormatChanged, nil
	case idx == InfoTryAgainLater || idx == InfoOutputBuffersChanged:
		return int(idx), nil
	case idx < 0:
		return 0, codecErr(c.name, "dequeue output", fmt.Errorf("media status %d", idx))
	}
	info.Set(int(c.info.Offset), int(c.info.Size), c.info.PresentationTimeUs, BufferFlags(c.info.Flags))
	c.outputMeta[int(idx)] = *info
	return int(idx), nil
}

func rawMIME(mime string) string {
	if KindOf(mime) == TrackKindVideo {
		return MIMEVideoRaw
	}
	return MIMEAudioRaw
}

func (c *ndkCodec) OutputBuffer(index int) ([]byte, error) {
	ptr := aMediaCodecGetOutputBuffer(c.handle, uint64(index), uintptr(unsafe.Pointer(c.sizeOut)))
	if ptr == 0 {
		return nil, codecErr(c.name, "output buffer", ErrInvalidIndex)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), *c.sizeOut), nil
}

func (c *ndkCodec) OutputFormat() *Format { return c.outFormat.Clone() }

func (c *ndkCodec) ReleaseOutputBuffer(index int, render bool) error {
	meta := c.outputMeta[index]
	delete(c.outputMeta, index)

	if render && c.surface != nil && c.outFormat != nil && meta.Size > 0 {
		buf, err := c.OutputBuffer(index)
		if err != nil {
			return err
		}
		data := buf[meta.Offset : meta.Offset+meta.Size]
		frame, err := unpackFrame(data, c.outFormat.Width, c.outFormat.Height, pixelFormatForColor(c.outFormat.ColorFormat))
		if err != nil {
			return codecErr(c.name, "render", err)
		}
		frame.Timestamp = meta.PresentationTimeUs * 1000
		if err := c.surface.QueueFrame(frame); err != nil {
			return codecErr(c.name, "render", err)
		}
	}
	// byte-buffer mode never renders to a native window
	return codecErr(c.name, "release output", ndkStatus("release output", aMediaCodecReleaseOutputBuffer(c.handle, uint64(index), false)))
}

func (c *ndkCodec) SignalEndOfInputStream() error {
	idx, err := c.awaitInputBuffer()
	if err != nil {
		return err
	}
	return c.QueueInputBuffer(idx, BufferInfo{Flags: BufferFlagEndOfStream})
}

// ndkInputTimeout bounds how long a surface swap waits for an input buffer.
const ndkInputTimeout = 2 * time.Second

func (c *ndkCodec) awaitInputBuffer() (int, error) {
	deadline := time.Now().Add(ndkInputTimeout)
	for {
		idx, err := c.DequeueInputBuffer(10 * time.Millisecond)
		if err != nil {
			return 0, err
		}
		if idx >= 0 {
			return idx, nil
		}
		if time.Now().After(deadline) {
			return 0, codecErr(c.name, "dequeue input", errors.New("no input buffer became free"))
		}
	}
}

func (c *ndkCodec) Stop() error {
	if c.released {
		return nil
	}
	return codecErr(c.name, "stop", ndkStatus("stop", aMediaCodecStop(c.handle)))
}

func (c *ndkCodec) Release() error {
	if c.released {
		return nil
	}
	c.released = true
	return codecErr(c.name, "release", ndkStatus("delete", aMediaCodecDelete(c.handle)))
}

// ndkInputSurface converts composited pictures to YUV input buffers.
type ndkInputSurface struct {
	codec *ndkCodec
	ptsNs int64
}

func (s *ndkInputSurface) SetPresentationTime(ns int64) { s.ptsNs = ns }

func (s *ndkInputSurface) SwapBuffers(img *image.RGBA) error {
	c := s.codec
	frame := FrameFromRGBA(img, pixelFormatForColor(c.format.ColorFormat))
	idx, err := c.awaitInputBuffer()
	if err != nil {
		return err
	}
	buf, err := c.InputBuffer(idx)
	if err != nil {
		return err
	}
	n, err := packFrame(frame, buf)
	if err != nil {
		return codecErr(c.name, "swap buffers", err)
	}
	return c.QueueInputBuffer(idx, BufferInfo{Size: n, PresentationTimeUs: s.ptsNs / 1000})
}

func (s *ndkInputSurface) Release() error { return nil }

// ndkMIMEs are the types probed at startup.
var ndkMIMEs = []string{MIMEVideoHEVC, MIMEVideoAVC, MIMEVideoMPEG4, MIMEVideoH263, MIMEAudioAAC}

func init() {
	if !IsMediaNDKAvailable() {
		return
	}
	setProviderAvailable(ProviderMediaNDK)
	for _, mime := range ndkMIMEs {
		// Probe the encoder once so preference order reflects the device.
		if probe := aMediaCodecCreateEncoderByType(mime); probe != 0 {
			aMediaCodecDelete(probe)
			RegisterEncoder(mime, ProviderMediaNDK, func(mime string) (Codec, error) { return newNDKCodec(mime, true) })
		}
		RegisterDecoder(mime, ProviderMediaNDK, func(mime string) (Codec, error) { return newNDKCodec(mime, false) })
	}
}
