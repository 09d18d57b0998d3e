package mp4composer

import "github.com/hashicorp/go-hclog"

// DrainState is the result of one drain step of a codec pipeline stage.
type DrainState int

const (
	// DrainNone means the stage made no progress and should not be polled
	// again in this step.
	DrainNone DrainState = iota
	// DrainConsumed means a buffer moved; polling again may move another.
	DrainConsumed
	// DrainRetryImmediately means a format or buffer-set change was
	// handled and the stage must be polled again before anything else.
	DrainRetryImmediately
)

func (s DrainState) String() string {
	switch s {
	case DrainNone:
		return "none"
	case DrainConsumed:
		return "consumed"
	case DrainRetryImmediately:
		return "retry"
	default:
		return "unknown"
	}
}

// TrackComposer moves one track from the demuxer to the muxer.
type TrackComposer interface {
	// Setup creates and starts the codecs of the track.
	Setup() error
	// Step advances the pipeline and reports whether anything moved.
	Step() (bool, error)
	IsFinished() bool
	// WrittenPresentationTimeUs is the output time written so far.
	WrittenPresentationTimeUs() int64
	// Release frees codecs and surfaces. It is safe to call more than once
	// and after a failed Setup.
	Release() error
}

// drainLoop polls fn until it reports DrainNone and returns whether any
// call made progress.
func drainLoop(fn func() (DrainState, error)) (bool, error) {
	busy := false
	for {
		st, err := fn()
		if err != nil {
			return busy, err
		}
		if st == DrainNone {
			return busy, nil
		}
		busy = true
	}
}

// drainRetry calls fn once, again only while it asks for an immediate
// retry, and returns whether any call made progress.
func drainRetry(fn func() (DrainState, error)) (bool, error) {
	busy := false
	for {
		st, err := fn()
		if err != nil {
			return busy, err
		}
		if st != DrainNone {
			busy = true
		}
		if st != DrainRetryImmediately {
			return busy, nil
		}
	}
}

// encoderDrain moves encoded samples from an encoder to the muxer.
type encoderDrain struct {
	kind    TrackKind
	encoder Codec
	muxer   *SampleMuxer
	log     hclog.Logger

	info      BufferInfo
	format    *Format
	done      bool
	writtenUs int64
}

func (d *encoderDrain) drain() (DrainState, error) {
	if d.done {
		return DrainNone, nil
	}
	idx, err := d.encoder.DequeueOutputBuffer(&d.info, 0)
	if err != nil {
		return DrainNone, err
	}
	switch idx {
	case InfoTryAgainLater:
		return DrainNone, nil
	case InfoOutputFormatChanged:
		if d.format != nil {
			return DrainNone, ErrFormatChangedTwice
		}
		d.format = d.encoder.OutputFormat()
		d.log.Debug("encoder output format", "format", d.format.String())
		if err := d.muxer.SetOutputFormat(d.kind, d.format); err != nil {
			return DrainNone, err
		}
		if err := d.muxer.OnSetOutputFormat(); err != nil {
			return DrainNone, err
		}
		return DrainRetryImmediately, nil
	case InfoOutputBuffersChanged:
		return DrainRetryImmediately, nil
	}
	if d.format == nil {
		return DrainNone, ErrOutputFormatUnknown
	}

	if d.info.Flags.Has(BufferFlagEndOfStream) {
		d.done = true
		d.info.Set(0, 0, 0, d.info.Flags)
	}
	if d.info.Flags.Has(BufferFlagCodecConfig) {
		// CSD was already delivered with the output format
		if err := d.encoder.ReleaseOutputBuffer(idx, false); err != nil {
			return DrainNone, err
		}
		return DrainRetryImmediately, nil
	}
	if d.info.Size > 0 {
		data, err := d.encoder.OutputBuffer(idx)
		if err != nil {
			return DrainNone, err
		}
		if err := d.muxer.WriteSampleData(d.kind, data, d.info); err != nil {
			return DrainNone, err
		}
		d.writtenUs = d.info.PresentationTimeUs
	}
	if err := d.encoder.ReleaseOutputBuffer(idx, false); err != nil {
		return DrainNone, err
	}
	return DrainConsumed, nil
}

// decoderFeed moves demuxed samples of one track into a decoder and ends the
// decoder input at the end of the track or past trimEndUs.
type decoderFeed struct {
	track     int
	demuxer   *Demuxer
	decoder   Codec
	trimEndUs int64 // <= 0 for none
	log       hclog.Logger

	done bool
}

func (f *decoderFeed) drain() (DrainState, error) {
	if f.done {
		return DrainNone, nil
	}
	track := f.demuxer.SampleTrackIndex()
	if track >= 0 && track != f.track {
		return DrainNone, nil
	}
	idx, err := f.decoder.DequeueInputBuffer(0)
	if err != nil {
		return DrainNone, err
	}
	if idx < 0 {
		return DrainNone, nil
	}
	if track < 0 || (f.trimEndUs > 0 && f.demuxer.SampleTime() > f.trimEndUs) {
		f.done = true
		f.log.Debug("decoder input ended", "track", f.track)
		if err := f.decoder.QueueInputBuffer(idx, BufferInfo{Flags: BufferFlagEndOfStream}); err != nil {
			return DrainNone, err
		}
		if err := f.demuxer.UnselectTrack(f.track); err != nil {
			return DrainNone, err
		}
		return DrainNone, nil
	}

	buf, err := f.decoder.InputBuffer(idx)
	if err != nil {
		return DrainNone, err
	}
	n, err := f.demuxer.ReadSampleData(buf)
	if err != nil {
		return DrainNone, err
	}
	var flags BufferFlags
	if f.demuxer.SampleFlags().Has(BufferFlagKeyFrame) {
		flags = BufferFlagKeyFrame
	}
	if err := f.decoder.QueueInputBuffer(idx, BufferInfo{Size: n, PresentationTimeUs: f.demuxer.SampleTime(), Flags: flags}); err != nil {
		return DrainNone, err
	}
	f.demuxer.Advance()
	return DrainConsumed, nil
}
