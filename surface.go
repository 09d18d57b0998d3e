package mp4composer

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// DefaultFrameWaitTimeout bounds DecoderSurface.AwaitNewImage.
const DefaultFrameWaitTimeout = 10 * time.Second

// Surface receives decoded pictures from a video decoder.
type Surface interface {
	// QueueFrame hands a rendered picture to the surface. The frame is only
	// valid for the duration of the call.
	QueueFrame(frame *VideoFrame) error
}

// InputSurface is the picture source of a video encoder.
type InputSurface interface {
	// SetPresentationTime stamps the next swapped picture.
	SetPresentationTime(ns int64)
	// SwapBuffers submits a picture to the encoder.
	SwapBuffers(img *image.RGBA) error
	Release() error
}

// DecoderSurface is the render target of a video decoder. The codec queues
// pictures into it; the compositor waits for each one and samples it as a
// texture.
type DecoderSurface struct {
	mu             sync.Mutex
	cond           *sync.Cond
	frame          *VideoFrame
	frameAvailable bool
	released       bool

	texture image.Image
	timeout time.Duration
}

// NewDecoderSurface creates a surface whose frame wait is bounded by timeout.
func NewDecoderSurface(timeout time.Duration) *DecoderSurface {
	if timeout <= 0 {
		timeout = DefaultFrameWaitTimeout
	}
	s := &DecoderSurface{timeout: timeout}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// QueueFrame implements Surface.
func (s *DecoderSurface) QueueFrame(frame *VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: surface released", ErrCodecState)
	}
	if s.frameAvailable {
		return fmt.Errorf("%w: frame already pending, it would be dropped", ErrProtocolViolation)
	}
	s.frame = frame.Clone()
	s.frameAvailable = true
	s.cond.Broadcast()
	return nil
}

// AwaitNewImage blocks until a new picture is queued and latches it as the
// current texture. Waiting longer than the surface timeout is fatal.
func (s *DecoderSurface) AwaitNewImage() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timedOut := false
	timer := time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		timedOut = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	for !s.frameAvailable {
		if s.released {
			return fmt.Errorf("%w: surface released", ErrCodecState)
		}
		if timedOut {
			return fmt.Errorf("%w after %s", ErrFrameWaitTimeout, s.timeout)
		}
		s.cond.Wait()
	}
	s.frameAvailable = false
	s.texture = s.frame.Image()
	return nil
}

// Texture returns the latched picture.
func (s *DecoderSurface) Texture() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texture
}

// TimestampNs returns the presentation time of the latched picture.
func (s *DecoderSurface) TimestampNs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return 0
	}
	return s.frame.Timestamp
}

// Release wakes any waiter and drops the latched picture.
func (s *DecoderSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.frame = nil
	s.texture = nil
	s.cond.Broadcast()
	return nil
}
