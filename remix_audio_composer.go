package mp4composer

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// AudioComposerConfig configures the audio track composers.
type AudioComposerConfig struct {
	TrackIndex   int
	OutputFormat *Format // encoder format, ignored by the remux composer
	TrimStartUs  int64
	TrimEndUs    int64 // <= 0 for none
	TimeScale    float64
	ChangePitch  bool
}

// RemixAudioTrackComposer decodes the audio track, remixes and time
// stretches the PCM, and encodes it again.
type RemixAudioTrackComposer struct {
	config  AudioComposerConfig
	demuxer *Demuxer
	muxer   *SampleMuxer
	codecs  CodecSource
	log     hclog.Logger
	metrics *Metrics

	decoder Codec
	encoder Codec
	channel *audioChannel

	feed      decoderFeed
	out       encoderDrain
	info      BufferInfo
	decodeEOS bool
	released  bool
}

func NewRemixAudioTrackComposer(demuxer *Demuxer, muxer *SampleMuxer, codecs CodecSource, config AudioComposerConfig, logger hclog.Logger, metrics *Metrics) *RemixAudioTrackComposer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.TimeScale <= 0 {
		config.TimeScale = 1
	}
	return &RemixAudioTrackComposer{
		config:  config,
		demuxer: demuxer,
		muxer:   muxer,
		codecs:  codecs,
		log:     logger,
		metrics: metrics,
	}
}

func (a *RemixAudioTrackComposer) Setup() error {
	if err := a.demuxer.SelectTrack(a.config.TrackIndex); err != nil {
		return err
	}
	inFormat, err := a.demuxer.TrackFormat(a.config.TrackIndex)
	if err != nil {
		return err
	}

	a.encoder, err = a.codecs.NewEncoder(a.config.OutputFormat.MIME)
	if err != nil {
		return err
	}
	if err := a.encoder.Configure(a.config.OutputFormat, nil); err != nil {
		return err
	}
	if err := a.encoder.Start(); err != nil {
		return err
	}
	a.decoder, err = a.codecs.NewDecoder(inFormat.MIME)
	if err != nil {
		return err
	}
	if err := a.decoder.Configure(inFormat, nil); err != nil {
		return err
	}
	if err := a.decoder.Start(); err != nil {
		return err
	}

	a.channel = newAudioChannel(a.decoder, a.encoder, a.config.OutputFormat, a.config.TimeScale,
		a.config.ChangePitch, a.config.TrimStartUs, a.log, a.metrics)
	a.feed = decoderFeed{
		track:     a.config.TrackIndex,
		demuxer:   a.demuxer,
		decoder:   a.decoder,
		trimEndUs: a.config.TrimEndUs,
		log:       a.log,
	}
	a.out = encoderDrain{kind: TrackKindAudio, encoder: a.encoder, muxer: a.muxer, log: a.log}
	a.log.Debug("audio composer ready", "mode", "remix", "decoder", a.decoder.Name(), "encoder", a.encoder.Name(),
		"time_scale", a.config.TimeScale, "change_pitch", a.config.ChangePitch)
	return nil
}

func (a *RemixAudioTrackComposer) Step() (bool, error) {
	busy, err := drainLoop(a.out.drain)
	if err != nil {
		return busy, fmt.Errorf("audio encoder: %w", err)
	}
	moved, err := drainRetry(a.drainDecoder)
	busy = busy || moved
	if err != nil {
		return busy, fmt.Errorf("audio decoder: %w", err)
	}
	for {
		fed, err := a.channel.feedEncoder()
		if err != nil {
			return busy, fmt.Errorf("audio encoder input: %w", err)
		}
		if !fed {
			break
		}
		busy = true
	}
	moved, err = drainLoop(a.feed.drain)
	busy = busy || moved
	if err != nil {
		return busy, fmt.Errorf("audio demuxer: %w", err)
	}
	return busy, nil
}

func (a *RemixAudioTrackComposer) drainDecoder() (DrainState, error) {
	if a.decodeEOS {
		return DrainNone, nil
	}
	idx, err := a.decoder.DequeueOutputBuffer(&a.info, 0)
	if err != nil {
		return DrainNone, err
	}
	switch idx {
	case InfoTryAgainLater:
		return DrainNone, nil
	case InfoOutputFormatChanged:
		if err := a.channel.setActualDecodedFormat(a.decoder.OutputFormat()); err != nil {
			return DrainNone, err
		}
		return DrainRetryImmediately, nil
	case InfoOutputBuffersChanged:
		return DrainRetryImmediately, nil
	}

	eos := a.info.Flags.Has(BufferFlagEndOfStream)
	if a.info.Size > 0 && a.info.PresentationTimeUs >= a.config.TrimStartUs {
		if err := a.channel.queueDecoded(idx, a.info); err != nil {
			return DrainNone, err
		}
	} else if err := a.decoder.ReleaseOutputBuffer(idx, false); err != nil {
		return DrainNone, err
	}
	if eos {
		a.decodeEOS = true
		a.channel.endOfStream()
	}
	return DrainConsumed, nil
}

func (a *RemixAudioTrackComposer) IsFinished() bool { return a.out.done }

func (a *RemixAudioTrackComposer) WrittenPresentationTimeUs() int64 { return a.out.writtenUs }

func (a *RemixAudioTrackComposer) Release() error {
	if a.released {
		return nil
	}
	a.released = true
	var errs releaseErrors
	if a.decoder != nil {
		errs.add(a.decoder.Stop())
		errs.add(a.decoder.Release())
	}
	if a.encoder != nil {
		errs.add(a.encoder.Stop())
		errs.add(a.encoder.Release())
	}
	return errs.err()
}
