package mp4composer

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

const minRemuxBuffer = 64 * 1024

// AudioTrackComposer copies the compressed audio track into the output
// without decoding it. Samples before the trim start are dropped and the
// copy ends at the trim end.
type AudioTrackComposer struct {
	config  AudioComposerConfig
	demuxer *Demuxer
	muxer   *SampleMuxer
	log     hclog.Logger

	buf       []byte
	info      BufferInfo
	eos       bool
	writtenUs int64
}

func NewAudioTrackComposer(demuxer *Demuxer, muxer *SampleMuxer, config AudioComposerConfig, logger hclog.Logger) *AudioTrackComposer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &AudioTrackComposer{config: config, demuxer: demuxer, muxer: muxer, log: logger}
}

func (a *AudioTrackComposer) Setup() error {
	if err := a.demuxer.SelectTrack(a.config.TrackIndex); err != nil {
		return err
	}
	format, err := a.demuxer.TrackFormat(a.config.TrackIndex)
	if err != nil {
		return err
	}
	a.buf = make([]byte, max(format.MaxInputSize, minRemuxBuffer))
	if err := a.muxer.SetOutputFormat(TrackKindAudio, format); err != nil {
		return err
	}
	a.log.Debug("audio composer ready", "mode", "remux", "format", format.String())
	return a.muxer.OnSetOutputFormat()
}

func (a *AudioTrackComposer) Step() (bool, error) {
	if a.eos {
		return false, nil
	}
	track := a.demuxer.SampleTrackIndex()
	sampleUs := a.demuxer.SampleTime()
	if track < 0 || (a.config.TrimEndUs > 0 && track == a.config.TrackIndex && sampleUs > a.config.TrimEndUs) {
		a.eos = true
		a.log.Debug("audio remux ended", "written_us", a.writtenUs)
		if err := a.demuxer.UnselectTrack(a.config.TrackIndex); err != nil {
			return true, err
		}
		return true, nil
	}
	if track != a.config.TrackIndex {
		return false, nil
	}

	n, err := a.demuxer.ReadSampleData(a.buf)
	if err != nil {
		return false, fmt.Errorf("audio demuxer: %w", err)
	}
	var flags BufferFlags
	if a.demuxer.SampleFlags().Has(BufferFlagKeyFrame) {
		flags = BufferFlagKeyFrame
	}
	if sampleUs >= a.config.TrimStartUs {
		a.info.Set(0, n, sampleUs-a.config.TrimStartUs, flags)
		if err := a.muxer.WriteSampleData(TrackKindAudio, a.buf, a.info); err != nil {
			return false, err
		}
		a.writtenUs = a.info.PresentationTimeUs
	}
	a.demuxer.Advance()
	return true, nil
}

func (a *AudioTrackComposer) IsFinished() bool { return a.eos }

func (a *AudioTrackComposer) WrittenPresentationTimeUs() int64 { return a.writtenUs }

func (a *AudioTrackComposer) Release() error { return nil }
