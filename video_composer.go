package mp4composer

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// VideoComposerConfig configures a VideoTrackComposer.
type VideoComposerConfig struct {
	TrackIndex    int
	OutputFormat  *Format // encoder format; size is the output size
	Transform     Transform
	Filter        Filter
	TrimStartUs   int64
	TrimEndUs     int64 // <= 0 for none
	TimeScale     float64
	FrameWait     time.Duration
	RenderContext *RenderContext
}

// VideoTrackComposer decodes the video track into the frame compositor and
// encodes the composited pictures.
type VideoTrackComposer struct {
	config  VideoComposerConfig
	demuxer *Demuxer
	muxer   *SampleMuxer
	codecs  CodecSource
	log     hclog.Logger
	metrics *Metrics

	decoder    Codec
	encoder    Codec
	inSurface  InputSurface
	compositor *FrameCompositor

	feed      decoderFeed
	out       encoderDrain
	info      BufferInfo
	decodeEOS bool
	released  bool
}

// NewVideoTrackComposer creates a composer for the given demuxer track.
// Codecs are created in Setup.
func NewVideoTrackComposer(demuxer *Demuxer, muxer *SampleMuxer, codecs CodecSource, config VideoComposerConfig, logger hclog.Logger, metrics *Metrics) *VideoTrackComposer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.TimeScale <= 0 {
		config.TimeScale = 1
	}
	return &VideoTrackComposer{
		config:  config,
		demuxer: demuxer,
		muxer:   muxer,
		codecs:  codecs,
		log:     logger,
		metrics: metrics,
	}
}

func (v *VideoTrackComposer) Setup() error {
	if err := v.demuxer.SelectTrack(v.config.TrackIndex); err != nil {
		return err
	}
	inFormat, err := v.demuxer.TrackFormat(v.config.TrackIndex)
	if err != nil {
		return err
	}
	outFormat := v.config.OutputFormat

	v.encoder, err = v.codecs.NewEncoder(outFormat.MIME)
	if err != nil {
		return err
	}
	if err := v.encoder.Configure(outFormat, nil); err != nil {
		return err
	}
	if v.inSurface, err = v.encoder.CreateInputSurface(); err != nil {
		return err
	}
	if err := v.encoder.Start(); err != nil {
		return err
	}

	cc := DefaultCompositorConfig()
	cc.Transform = v.config.Transform
	cc.Filter = v.config.Filter
	cc.InputWidth, cc.InputHeight = inFormat.Width, inFormat.Height
	cc.Width, cc.Height = outFormat.Width, outFormat.Height
	if v.config.FrameWait > 0 {
		cc.FrameWait = v.config.FrameWait
	}
	v.compositor, err = NewFrameCompositor(cc, v.config.RenderContext, v.inSurface, v.log.Named("compositor"))
	if err != nil {
		return err
	}

	// the compositor applies the rotation; the decoder must not
	decFormat := inFormat.Clone()
	decFormat.Rotation = 0
	v.decoder, err = v.codecs.NewDecoder(decFormat.MIME)
	if err != nil {
		return err
	}
	if err := v.decoder.Configure(decFormat, v.compositor.Surface()); err != nil {
		return err
	}
	if err := v.decoder.Start(); err != nil {
		return err
	}

	v.feed = decoderFeed{
		track:     v.config.TrackIndex,
		demuxer:   v.demuxer,
		decoder:   v.decoder,
		trimEndUs: v.config.TrimEndUs,
		log:       v.log,
	}
	v.out = encoderDrain{kind: TrackKindVideo, encoder: v.encoder, muxer: v.muxer, log: v.log}
	v.log.Debug("video composer ready", "decoder", v.decoder.Name(), "encoder", v.encoder.Name(),
		"in", inFormat.String(), "out", outFormat.String())
	return nil
}

func (v *VideoTrackComposer) Step() (bool, error) {
	busy, err := drainLoop(v.out.drain)
	if err != nil {
		return busy, fmt.Errorf("video encoder: %w", err)
	}
	moved, err := drainRetry(v.drainDecoder)
	busy = busy || moved
	if err != nil {
		return busy, fmt.Errorf("video decoder: %w", err)
	}
	moved, err = drainLoop(v.feed.drain)
	busy = busy || moved
	if err != nil {
		return busy, fmt.Errorf("video demuxer: %w", err)
	}
	return busy, nil
}

func (v *VideoTrackComposer) drainDecoder() (DrainState, error) {
	if v.decodeEOS {
		return DrainNone, nil
	}
	idx, err := v.decoder.DequeueOutputBuffer(&v.info, 0)
	if err != nil {
		return DrainNone, err
	}
	switch idx {
	case InfoTryAgainLater:
		return DrainNone, nil
	case InfoOutputFormatChanged, InfoOutputBuffersChanged:
		return DrainRetryImmediately, nil
	}
	if v.info.Flags.Has(BufferFlagEndOfStream) {
		if err := v.encoder.SignalEndOfInputStream(); err != nil {
			return DrainNone, err
		}
		v.decodeEOS = true
		v.info.Size = 0
	}
	render := v.info.Size > 0 && v.info.PresentationTimeUs >= v.config.TrimStartUs
	if err := v.decoder.ReleaseOutputBuffer(idx, render); err != nil {
		return DrainNone, err
	}
	if render {
		if err := v.compositor.AwaitNewImage(); err != nil {
			return DrainNone, err
		}
		ptsUs := float64(v.info.PresentationTimeUs-v.config.TrimStartUs) / v.config.TimeScale
		if err := v.compositor.Render(int64(ptsUs * 1000)); err != nil {
			return DrainNone, err
		}
		v.metrics.frameRendered()
	}
	return DrainConsumed, nil
}

func (v *VideoTrackComposer) IsFinished() bool { return v.out.done }

func (v *VideoTrackComposer) WrittenPresentationTimeUs() int64 { return v.out.writtenUs }

// Release stops and frees the codecs, the compositor and the encoder
// surface. Errors are collected; every resource is released regardless.
func (v *VideoTrackComposer) Release() error {
	if v.released {
		return nil
	}
	v.released = true
	var errs releaseErrors
	if v.decoder != nil {
		errs.add(v.decoder.Stop())
		errs.add(v.decoder.Release())
	}
	if v.compositor != nil {
		errs.add(v.compositor.Release())
	}
	if v.inSurface != nil {
		errs.add(v.inSurface.Release())
	}
	if v.encoder != nil {
		errs.add(v.encoder.Stop())
		errs.add(v.encoder.Release())
	}
	return errs.err()
}
