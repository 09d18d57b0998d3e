package mp4composer

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Codec doubles
// =============================================================================

// flatVideoEncoder "encodes" a picture as its size and mean luma, so a
// decoder can rebuild a flat picture of the same size and brightness.
type flatVideoEncoder struct {
	format *Format
	closed func()
}

func (e *flatVideoEncoder) Open(f *Format) (*Format, error) {
	e.format = f
	out := f.Clone()
	out.CSD = [][]byte{{0x00, 0x00, 0x01, 0xb0, 0x01}}
	return out, nil
}

func (e *flatVideoEncoder) Process(in codecPacket) ([]codecPacket, error) {
	if in.Frame == nil {
		return nil, fmt.Errorf("flat encoder: no picture")
	}
	return []codecPacket{{
		Data:  encodeFlat(in.Frame.Width, in.Frame.Height, meanLuma(in.Frame)),
		PtsUs: in.PtsUs,
		Flags: BufferFlagKeyFrame,
	}}, nil
}

func (e *flatVideoEncoder) Flush() ([]codecPacket, error) { return nil, nil }

func (e *flatVideoEncoder) Close() error {
	e.closed()
	return nil
}

type flatVideoDecoder struct {
	closed func()
}

func (d *flatVideoDecoder) Open(f *Format) (*Format, error) {
	return &Format{MIME: MIMEVideoRaw, Width: f.Width, Height: f.Height, ColorFormat: ColorFormatYUV420Planar}, nil
}

func (d *flatVideoDecoder) Process(in codecPacket) ([]codecPacket, error) {
	w, h, luma, err := decodeFlat(in.Data)
	if err != nil {
		return nil, err
	}
	frame := NewI420Frame(w, h)
	fill(frame.Data[0], luma)
	fill(frame.Data[1], 128)
	fill(frame.Data[2], 128)
	return []codecPacket{{Frame: frame, PtsUs: in.PtsUs, Flags: in.Flags & BufferFlagKeyFrame}}, nil
}

func (d *flatVideoDecoder) Flush() ([]codecPacket, error) { return nil, nil }

func (d *flatVideoDecoder) Close() error {
	d.closed()
	return nil
}

func encodeFlat(w, h int, luma byte) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint16(b, uint16(w))
	binary.BigEndian.PutUint16(b[2:], uint16(h))
	b[4] = luma
	return b
}

func decodeFlat(b []byte) (w, h int, luma byte, err error) {
	if len(b) != 5 {
		return 0, 0, 0, fmt.Errorf("flat decoder: %d byte sample", len(b))
	}
	return int(binary.BigEndian.Uint16(b)), int(binary.BigEndian.Uint16(b[2:])), b[4], nil
}

func meanLuma(f *VideoFrame) byte {
	sum := 0
	for _, v := range f.Data[0][:f.Width*f.Height] {
		sum += int(v)
	}
	return byte(sum / (f.Width * f.Height))
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

const aacFrameSize = 1024

// pcmAudioEncoder packs PCM into 1024-frame "access units" the way an AAC
// encoder frames its output. The payload is the PCM itself.
type pcmAudioEncoder struct {
	format  *Format
	pending []byte
	firstUs int64
	frames  int64
	started bool
	closed  func()
}

func (e *pcmAudioEncoder) Open(f *Format) (*Format, error) {
	e.format = f
	out := f.Clone()
	out.CSD = [][]byte{buildAudioSpecificConfig(2, f.SampleRate, f.ChannelCount)}
	return out, nil
}

func (e *pcmAudioEncoder) Process(in codecPacket) ([]codecPacket, error) {
	if !e.started {
		e.started, e.firstUs = true, in.PtsUs
	}
	e.pending = append(e.pending, in.Data...)
	return e.emit(false), nil
}

func (e *pcmAudioEncoder) emit(final bool) []codecPacket {
	unit := aacFrameSize * 2 * e.format.ChannelCount
	var out []codecPacket
	for len(e.pending) >= unit || (final && len(e.pending) > 0) {
		n := min(unit, len(e.pending))
		data := make([]byte, unit)
		copy(data, e.pending[:n])
		e.pending = e.pending[n:]
		out = append(out, codecPacket{
			Data:  data,
			PtsUs: e.firstUs + e.frames*1_000_000/int64(e.format.SampleRate),
			Flags: BufferFlagKeyFrame,
		})
		e.frames += aacFrameSize
	}
	return out
}

func (e *pcmAudioEncoder) Flush() ([]codecPacket, error) { return e.emit(true), nil }

func (e *pcmAudioEncoder) Close() error {
	e.closed()
	return nil
}

type pcmAudioDecoder struct {
	closed func()
}

func (d *pcmAudioDecoder) Open(f *Format) (*Format, error) {
	return &Format{MIME: MIMEAudioRaw, SampleRate: f.SampleRate, ChannelCount: f.ChannelCount}, nil
}

func (d *pcmAudioDecoder) Process(in codecPacket) ([]codecPacket, error) {
	return []codecPacket{{Data: append([]byte(nil), in.Data...), PtsUs: in.PtsUs}}, nil
}

func (d *pcmAudioDecoder) Flush() ([]codecPacket, error) { return nil, nil }

func (d *pcmAudioDecoder) Close() error {
	d.closed()
	return nil
}

// testCodecs hands out BufferedCodecs over the doubles above and counts
// backend opens and closes.
type testCodecs struct {
	mu       sync.Mutex
	created  int
	closed   int
	encoders map[string]bool
}

func newTestCodecs() *testCodecs {
	return &testCodecs{encoders: map[string]bool{MIMEVideoMPEG4: true, MIMEAudioAAC: true}}
}

func (c *testCodecs) onClose() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *testCodecs) counts() (created, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created, c.closed
}

func (c *testCodecs) NewEncoder(mime string) (Codec, error) {
	var b codecBackend
	switch mime {
	case MIMEVideoMPEG4:
		b = &flatVideoEncoder{closed: c.onClose}
	case MIMEAudioAAC:
		b = &pcmAudioEncoder{closed: c.onClose}
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, mime)
	}
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return NewBufferedCodec("test."+mime+".encoder", true, b), nil
}

func (c *testCodecs) NewDecoder(mime string) (Codec, error) {
	var b codecBackend
	switch mime {
	case MIMEVideoMPEG4:
		b = &flatVideoDecoder{closed: c.onClose}
	case MIMEAudioAAC:
		b = &pcmAudioDecoder{closed: c.onClose}
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, mime)
	}
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return NewBufferedCodec("test."+mime+".decoder", false, b), nil
}

func (c *testCodecs) HasEncoder(mime string) bool { return c.encoders[mime] }

// =============================================================================
// Synthetic sources
// =============================================================================

type sourceSpec struct {
	width, height int
	rotation      int
	frames        int
	fps           int
	sampleRate    int
	channels      int // 0 for no audio
	audioUnits    int
}

// defaultSourceSpec is 2s of 640x480 video at 30 fps with mono AAC.
func defaultSourceSpec() sourceSpec {
	return sourceSpec{width: 640, height: 480, frames: 60, fps: 30, sampleRate: 44100, channels: 1, audioUnits: 86}
}

// writeSource writes a synthetic MP4 in the format the codec doubles
// understand and returns its path.
func writeSource(t *testing.T, spec sourceSpec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	w, err := CreateMP4File(path, nil)
	require.NoError(t, err)

	video := NewVideoFormat(MIMEVideoMPEG4, spec.width, spec.height)
	video.Rotation = spec.rotation
	video.FrameRate = spec.fps
	vt, err := w.AddTrack(video)
	require.NoError(t, err)
	at := -1
	if spec.channels > 0 {
		audio := NewAudioFormat(MIMEAudioAAC, spec.sampleRate, spec.channels)
		audio.CSD = [][]byte{buildAudioSpecificConfig(2, spec.sampleRate, spec.channels)}
		at, err = w.AddTrack(audio)
		require.NoError(t, err)
	}
	require.NoError(t, w.Start())

	// interleave by time the way a camera recorder does
	vi, ai := 0, 0
	for vi < spec.frames || (at >= 0 && ai < spec.audioUnits) {
		vUs := int64(vi) * 1_000_000 / int64(spec.fps)
		aUs := int64(ai) * aacFrameSize * 1_000_000 / int64(max(spec.sampleRate, 1))
		if vi < spec.frames && (at < 0 || ai >= spec.audioUnits || vUs <= aUs) {
			data := encodeFlat(spec.width, spec.height, byte(16+vi%200))
			require.NoError(t, w.WriteSampleData(vt, data, BufferInfo{Size: len(data), PresentationTimeUs: vUs, Flags: BufferFlagKeyFrame}))
			vi++
			continue
		}
		data := sinePCM(ai*aacFrameSize, aacFrameSize, spec.sampleRate, spec.channels)
		require.NoError(t, w.WriteSampleData(at, data, BufferInfo{Size: len(data), PresentationTimeUs: aUs, Flags: BufferFlagKeyFrame}))
		ai++
	}
	require.NoError(t, w.Stop())
	require.NoError(t, w.Release())
	return path
}

// sinePCM returns frames of a 220 Hz tone starting at frame start as
// little-endian 16-bit PCM.
func sinePCM(start, frames, rate, channels int) []byte {
	b := make([]byte, 0, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*220*float64(start+i)/float64(rate)))
		for c := 0; c < channels; c++ {
			b = binary.LittleEndian.AppendUint16(b, uint16(v))
		}
	}
	return b
}

// sineSamples returns n frames of a tone as interleaved samples.
func sineSamples(n, rate, channels int, freq float64) []int16 {
	out := make([]int16, 0, n*channels)
	for i := 0; i < n; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			out = append(out, v)
		}
	}
	return out
}

func openDemuxer(t *testing.T, path string) *Demuxer {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	d, err := NewDemuxer(f, nil)
	require.NoError(t, err)
	return d
}

func trackOfKind(t *testing.T, d *Demuxer, kind TrackKind) TrackInfo {
	t.Helper()
	for _, ti := range d.Tracks() {
		if ti.Kind() == kind {
			return ti
		}
	}
	t.Fatalf("no %s track", kind)
	return TrackInfo{}
}
