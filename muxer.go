package mp4composer

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// =============================================================================
// Sample muxing with deferred track setup
// =============================================================================

// sampleInfo records one sample buffered before the writer started.
type sampleInfo struct {
	kind  TrackKind
	size  int
	ptsUs int64
	flags BufferFlags
}

const initialMuxBuffer = 64 * 1024

// SampleMuxer sits between the track composers and a ContainerWriter. A
// container header can only be written once every track format is known, but
// the video encoder usually produces samples before the audio encoder has
// reported its format. Samples arriving early are copied into one growing
// buffer and replayed in arrival order once the last format is set.
type SampleMuxer struct {
	w           ContainerWriter
	log         hclog.Logger
	metrics     *Metrics
	expectAudio bool

	videoFormat *Format
	audioFormat *Format
	videoTrack  int
	audioTrack  int
	started     bool

	buf     []byte
	pending []sampleInfo
}

// NewSampleMuxer wraps w. expectAudio tells the muxer to wait for an audio
// format before starting the writer.
func NewSampleMuxer(w ContainerWriter, expectAudio bool, logger hclog.Logger, metrics *Metrics) *SampleMuxer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SampleMuxer{w: w, expectAudio: expectAudio, log: logger, metrics: metrics, videoTrack: -1, audioTrack: -1}
}

// SetOutputFormat records the encoder output format of a track. Each kind
// may be set once.
func (m *SampleMuxer) SetOutputFormat(kind TrackKind, format *Format) error {
	switch kind {
	case TrackKindVideo:
		if m.videoFormat != nil {
			return fmt.Errorf("%w: video format set twice", ErrMuxerState)
		}
		m.videoFormat = format.Clone()
	case TrackKindAudio:
		if !m.expectAudio {
			return fmt.Errorf("%w: audio format on a video-only muxer", ErrMuxerState)
		}
		if m.audioFormat != nil {
			return fmt.Errorf("%w: audio format set twice", ErrMuxerState)
		}
		m.audioFormat = format.Clone()
	default:
		return fmt.Errorf("%w: track kind %s", ErrMuxerState, kind)
	}
	m.log.Debug("output format", "kind", kind, "format", format.String())
	return nil
}

// OnSetOutputFormat starts the writer once all expected formats are known
// and replays the buffered samples. Until then it does nothing.
func (m *SampleMuxer) OnSetOutputFormat() error {
	if m.started || m.videoFormat == nil || (m.expectAudio && m.audioFormat == nil) {
		return nil
	}

	var err error
	if m.videoTrack, err = m.w.AddTrack(m.videoFormat); err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	m.log.Debug("added track", "index", m.videoTrack, "mime", m.videoFormat.MIME)
	if m.audioFormat != nil {
		if m.audioTrack, err = m.w.AddTrack(m.audioFormat); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		m.log.Debug("added track", "index", m.audioTrack, "mime", m.audioFormat.MIME)
	}
	if err := m.w.Start(); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}
	m.started = true

	if len(m.pending) > 0 {
		m.log.Debug("replaying buffered samples", "count", len(m.pending), "bytes", len(m.buf))
	}
	offset := 0
	for _, s := range m.pending {
		info := BufferInfo{Offset: offset, Size: s.size, PresentationTimeUs: s.ptsUs, Flags: s.flags}
		if err := m.write(s.kind, m.buf, info); err != nil {
			return err
		}
		offset += s.size
	}
	m.pending = nil
	m.buf = nil
	return nil
}

// WriteSampleData writes an encoded sample, or buffers it until the writer
// starts. Empty end-of-stream markers are dropped.
func (m *SampleMuxer) WriteSampleData(kind TrackKind, data []byte, info BufferInfo) error {
	if info.Size == 0 {
		return nil
	}
	if m.started {
		return m.write(kind, data, info)
	}
	if info.Offset < 0 || info.Offset+info.Size > len(data) {
		return fmt.Errorf("%w: sample region outside buffer", ErrBufferTooSmall)
	}
	if m.buf == nil {
		m.buf = make([]byte, 0, initialMuxBuffer)
	}
	m.buf = append(m.buf, data[info.Offset:info.Offset+info.Size]...)
	m.pending = append(m.pending, sampleInfo{kind: kind, size: info.Size, ptsUs: info.PresentationTimeUs, flags: info.Flags})
	return nil
}

// Started reports whether the writer has been started.
func (m *SampleMuxer) Started() bool { return m.started }

func (m *SampleMuxer) write(kind TrackKind, data []byte, info BufferInfo) error {
	track := m.trackFor(kind)
	if track < 0 {
		return fmt.Errorf("%w: no %s track", ErrMuxerState, kind)
	}
	if err := m.w.WriteSampleData(track, data, info); err != nil {
		return fmt.Errorf("write %s sample: %w", kind, err)
	}
	m.metrics.sampleWritten(kind, info.Size)
	return nil
}

func (m *SampleMuxer) trackFor(kind TrackKind) int {
	switch kind {
	case TrackKindVideo:
		return m.videoTrack
	case TrackKindAudio:
		return m.audioTrack
	}
	return -1
}
