package mp4composer

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Source and configuration errors.
var (
	ErrSourceOpen      = errors.New("source could not be opened")
	ErrProbeFailed     = errors.New("source could not be probed")
	ErrNoVideoTrack    = errors.New("source has no video track")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnsupported     = errors.New("unsupported configuration")
	ErrAlreadyStarted  = errors.New("composer already started")
	ErrCanceled        = errors.New("transcode canceled")
	ErrProviderMissing = errors.New("provider not available")
)

// Unsupported configurations. Each wraps ErrUnsupported.
var (
	ErrCodecNotSupported         = fmt.Errorf("%w: no codec for mime type", ErrUnsupported)
	ErrCustomFillModeItemMissing = fmt.Errorf("%w: custom fill mode requires a custom item", ErrUnsupported)
	ErrChannelCount              = fmt.Errorf("%w: only mono and stereo audio are handled", ErrUnsupported)
	ErrSampleRateMismatch        = fmt.Errorf("%w: audio sample rate conversion", ErrUnsupported)
)

// Internal consistency failures. These indicate a bug in a codec backend or
// in the pipeline, never bad input, and are not retried.
var (
	ErrProtocolViolation   = errors.New("codec protocol violation")
	ErrFormatChangedTwice  = fmt.Errorf("%w: output format changed twice", ErrProtocolViolation)
	ErrOutputFormatUnknown = fmt.Errorf("%w: could not determine actual output format", ErrProtocolViolation)
	ErrBufferBeforeFormat  = fmt.Errorf("%w: buffer received before format", ErrProtocolViolation)
	ErrTimestampRegression = fmt.Errorf("%w: presentation time went backwards", ErrProtocolViolation)
)

// Runtime failures.
var (
	ErrFrameWaitTimeout = errors.New("frame wait timed out")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrInvalidIndex     = errors.New("invalid buffer index")
	ErrCodecState       = errors.New("codec in wrong state")
	ErrMuxerState       = errors.New("muxer in wrong state")
)

// CodecError reports a failure inside a codec backend.
type CodecError struct {
	Codec string // codec name, e.g. "x264.avc.encoder"
	Op    string // operation that failed
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %s: %v", e.Codec, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(codec, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CodecError
	if errors.As(err, &ce) {
		return err
	}
	return &CodecError{Codec: codec, Op: op, Err: err}
}

// releaseErrors collects teardown failures.
type releaseErrors struct {
	merr *multierror.Error
}

func (r *releaseErrors) add(err error) {
	if err != nil {
		r.merr = multierror.Append(r.merr, err)
	}
}

func (r *releaseErrors) len() int {
	if r.merr == nil {
		return 0
	}
	return r.merr.Len()
}

func (r *releaseErrors) err() error { return r.merr.ErrorOrNil() }
