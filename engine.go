package mp4composer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// =============================================================================
// Transcode engine
// =============================================================================

// State is the lifecycle state of a transcode job.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the job has finished.
func (s State) Terminal() bool { return s >= StateCompleted }

const (
	progressInterval      = 10 // loop iterations between progress reports
	idleSleep             = 10 * time.Millisecond
	defaultFrameRate      = 30
	defaultIFrameInterval = 1
	defaultAudioBitrate   = 128_000
	bitsPerPixel          = 0.25
	aacLC                 = 2
)

// engine runs the decode, composite and encode loop of one job.
type engine struct {
	cfg      Config
	log      hclog.Logger
	metrics  *Metrics
	state    atomic.Int32
	canceled atomic.Bool

	source     Source
	demuxer    *Demuxer
	writer     ContainerWriter
	muxer      *SampleMuxer
	video      TrackComposer
	audio      TrackComposer
	durationUs int64
}

func newEngine(cfg Config, log hclog.Logger) *engine {
	return &engine{cfg: cfg, log: log.Named("engine"), metrics: cfg.Metrics}
}

func (e *engine) State() State { return State(e.state.Load()) }

func (e *engine) setState(s State) {
	e.state.Store(int32(s))
	e.log.Trace("state", "state", s)
}

func (e *engine) cancel() { e.canceled.Store(true) }

// run configures, runs and tears down the job, then notifies the listener.
func (e *engine) run(ctx context.Context) error {
	start := time.Now()
	e.metrics.jobStarted()

	e.setState(StateConfiguring)
	err := e.configure()
	if err == nil {
		e.setState(StateRunning)
		err = e.loop(ctx)
	}
	if terr := e.teardown(); terr != nil {
		e.log.Warn("teardown failed", "error", terr)
		if err == nil {
			err = terr
		}
	}

	state := StateCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrCanceled):
		state = StateCanceled
	default:
		state = StateFailed
	}
	if state != StateCompleted && e.cfg.DestinationPath != "" {
		if rerr := os.Remove(e.cfg.DestinationPath); rerr != nil && !os.IsNotExist(rerr) {
			e.log.Warn("remove partial output", "path", e.cfg.DestinationPath, "error", rerr)
		}
	}
	e.setState(state)
	elapsed := time.Since(start)
	e.metrics.jobFinished(state, elapsed)

	switch state {
	case StateCompleted:
		e.log.Info("transcode completed", "elapsed", elapsed)
		e.notify(func(l Listener) { l.OnCompleted() })
	case StateCanceled:
		e.log.Info("transcode canceled", "elapsed", elapsed)
		e.notify(func(l Listener) { l.OnCanceled() })
	default:
		if errors.Is(err, ErrProtocolViolation) {
			e.log.Error("codec protocol violation", "error", err)
		} else {
			e.log.Error("transcode failed", "error", err)
		}
		e.notify(func(l Listener) { l.OnFailed(err) })
	}
	return err
}

func (e *engine) notify(fn func(Listener)) {
	if l := e.cfg.Listener; l != nil {
		e.cfg.Executor(func() { fn(l) })
	}
}

// configure opens and probes the source, resolves the output formats and
// sets up the track composers.
func (e *engine) configure() error {
	cfg := &e.cfg
	src, err := cfg.Source.Open()
	if err != nil {
		return err
	}
	e.source = src

	info, err := ProbeMedia(src)
	if err != nil {
		if !errors.Is(err, ErrProbeFailed) {
			err = fmt.Errorf("%w: %w", ErrProbeFailed, err)
		}
		return err
	}
	e.demuxer, err = NewDemuxer(src, e.log.Named("demuxer"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	videoTrack, audioTrack := -1, -1
	var videoIn, audioIn *Format
	for _, t := range e.demuxer.Tracks() {
		switch {
		case t.Kind() == TrackKindVideo && videoTrack < 0:
			videoTrack, videoIn = t.Index, t.Format
		case t.Kind() == TrackKindAudio && audioTrack < 0:
			audioTrack, audioIn = t.Index, t.Format
		}
	}
	if videoTrack < 0 {
		return ErrNoVideoTrack
	}

	rotation := cfg.Rotation.Add(RotationFromAngle(videoIn.Rotation))
	width, height := cfg.OutputWidth, cfg.OutputHeight
	if width == 0 {
		width, height = videoIn.Width, videoIn.Height
		if cfg.FillMode != FillModeCustom && rotation.Swaps() {
			width, height = height, width
		}
	}
	// encoders want even dimensions
	width = (width + 1) &^ 1
	height = (height + 1) &^ 1

	bitrate := cfg.Bitrate
	if bitrate == 0 {
		bitrate = int(bitsPerPixel * defaultFrameRate * float64(width*height))
	}
	mime, err := SelectVideoMIME(cfg.Codecs, cfg.VideoMIME)
	if err != nil {
		return err
	}
	videoOut := &Format{
		MIME:           mime,
		Width:          width,
		Height:         height,
		BitRate:        bitrate,
		FrameRate:      defaultFrameRate,
		IFrameInterval: defaultIFrameInterval,
		ColorFormat:    ColorFormatSurface,
	}

	timeScale := cfg.TimeScale
	if timeScale < MinTimeScale || timeScale > MaxTimeScale {
		clamped := min(max(timeScale, MinTimeScale), MaxTimeScale)
		e.log.Warn("time scale clamped", "requested", timeScale, "used", clamped)
		timeScale = clamped
	}
	trimStartUs := cfg.TrimStartMs * 1000
	trimEndUs := int64(-1)
	if cfg.TrimEndMs > 0 {
		trimEndUs = cfg.TrimEndMs * 1000
	}

	withAudio := audioTrack >= 0 && !cfg.Mute
	if cfg.Destination != nil {
		e.writer = NewMP4Writer(cfg.Destination, e.log.Named("writer"))
	} else if e.writer, err = CreateMP4File(cfg.DestinationPath, e.log.Named("writer")); err != nil {
		return err
	}
	e.muxer = NewSampleMuxer(e.writer, withAudio, e.log.Named("muxer"), e.metrics)

	e.video = NewVideoTrackComposer(e.demuxer, e.muxer, cfg.Codecs, VideoComposerConfig{
		TrackIndex:   videoTrack,
		OutputFormat: videoOut,
		Transform: Transform{
			Rotation:       rotation,
			FillMode:       cfg.FillMode,
			CustomItem:     cfg.CustomItem,
			FlipHorizontal: cfg.FlipHorizontal,
			FlipVertical:   cfg.FlipVertical,
		},
		Filter:        cfg.Filter,
		TrimStartUs:   trimStartUs,
		TrimEndUs:     trimEndUs,
		TimeScale:     timeScale,
		FrameWait:     cfg.FrameWait,
		RenderContext: cfg.RenderContext,
	}, e.log.Named("video"), e.metrics)
	if err := e.video.Setup(); err != nil {
		return err
	}

	if withAudio {
		ac := AudioComposerConfig{
			TrackIndex:  audioTrack,
			TrimStartUs: trimStartUs,
			TrimEndUs:   trimEndUs,
			TimeScale:   timeScale,
			ChangePitch: cfg.ChangePitch,
		}
		if timeScale == 1 && !cfg.ChangePitch {
			e.audio = NewAudioTrackComposer(e.demuxer, e.muxer, ac, e.log.Named("audio"))
		} else {
			ac.OutputFormat = &Format{
				MIME:         MIMEAudioAAC,
				SampleRate:   audioIn.SampleRate,
				ChannelCount: audioIn.ChannelCount,
				BitRate:      cfg.AudioBitrate,
				AACProfile:   aacLC,
			}
			e.audio = NewRemixAudioTrackComposer(e.demuxer, e.muxer, cfg.Codecs, ac, e.log.Named("audio"), e.metrics)
		}
		if err := e.audio.Setup(); err != nil {
			return err
		}
	}
	e.demuxer.SeekTo(trimStartUs, SeekPreviousSync)

	end := info.DurationUs
	if trimEndUs > 0 && (end <= 0 || trimEndUs < end) {
		end = trimEndUs
	}
	if end > 0 {
		e.durationUs = int64(float64(end-trimStartUs) / timeScale)
	}
	e.log.Debug("configured", "video", videoOut.String(), "audio", withAudio,
		"rotation", int(rotation), "time_scale", timeScale, "duration_us", e.durationUs)
	return nil
}

func (e *engine) composers() []TrackComposer {
	var out []TrackComposer
	if e.video != nil {
		out = append(out, e.video)
	}
	if e.audio != nil {
		out = append(out, e.audio)
	}
	return out
}

// loop steps every composer until all are finished.
func (e *engine) loop(ctx context.Context) error {
	composers := e.composers()
	if e.durationUs <= 0 {
		e.notify(func(l Listener) { l.OnProgress(ProgressUnknown) })
	}
	idle := time.NewTimer(idleSleep)
	defer idle.Stop()

	for n := 0; ; n++ {
		if e.canceled.Load() {
			return ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}

		finished, busy := true, false
		for _, c := range composers {
			if c.IsFinished() {
				continue
			}
			finished = false
			moved, err := c.Step()
			if err != nil {
				return err
			}
			busy = busy || moved
		}
		if finished {
			return nil
		}

		if n%progressInterval == 0 {
			e.reportProgress(composers)
		}
		if !busy {
			idle.Reset(idleSleep)
			select {
			case <-ctx.Done():
			case <-idle.C:
			}
		}
	}
}

// reportProgress sends the written video time and, when the output duration
// is known, the progress fraction.
func (e *engine) reportProgress(composers []TrackComposer) {
	written := e.video.WrittenPresentationTimeUs()
	if e.durationUs <= 0 {
		e.notify(func(l Listener) { l.OnCurrentWrittenTime(written) })
		return
	}
	progress := e.progress(composers)
	e.notify(func(l Listener) {
		l.OnProgress(progress)
		l.OnCurrentWrittenTime(written)
	})
}

// progress averages the written fraction of every composer.
func (e *engine) progress(composers []TrackComposer) float64 {
	var sum float64
	for _, c := range composers {
		if c.IsFinished() {
			sum++
			continue
		}
		sum += min(1, float64(c.WrittenPresentationTimeUs())/float64(e.durationUs))
	}
	return sum / float64(len(composers))
}

// teardown releases the composers, the container writer, the demuxer and
// the source, in that order, whatever state they are in.
func (e *engine) teardown() error {
	var errs releaseErrors
	for _, c := range e.composers() {
		errs.add(c.Release())
	}
	if e.writer != nil {
		if e.muxer != nil && e.muxer.Started() {
			errs.add(e.writer.Stop())
		}
		errs.add(e.writer.Release())
	}
	if e.demuxer != nil {
		errs.add(e.demuxer.Release())
	}
	if e.source != nil {
		errs.add(e.source.Close())
	}
	e.metrics.teardownFailed(errs.len())
	return errs.err()
}
