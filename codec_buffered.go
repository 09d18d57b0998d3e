package mp4composer

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// codecPacket is one unit flowing through a codecBackend: an access unit,
// a PCM chunk, or a decoded picture.
type codecPacket struct {
	Data   []byte
	Frame  *VideoFrame
	PtsUs  int64
	Flags  BufferFlags
	Format *Format // announces an output format change ahead of this packet
}

func (p codecPacket) size() int {
	if p.Frame != nil {
		return p.Frame.Size()
	}
	return len(p.Data)
}

// codecBackend does the coding work behind a BufferedCodec. Calls are
// serialized by the codec.
type codecBackend interface {
	// Open configures the backend and returns its initial output format.
	Open(format *Format) (*Format, error)
	// Process consumes one access unit or picture and returns any output
	// that became ready. in.Data is only valid during the call.
	Process(in codecPacket) ([]codecPacket, error)
	// Flush returns all remaining output at end of stream.
	Flush() ([]codecPacket, error)
	Close() error
}

type codecState int

const (
	codecUninitialized codecState = iota
	codecConfigured
	codecRunning
	codecReleased
)

const (
	defaultInputSlots  = 4
	defaultMaxPending  = 8
	defaultAudioInSize = 8192
)

// BufferedCodec adapts a synchronous backend to the Codec buffer-queue
// protocol. Input is coded as soon as it is queued; output waits in a
// bounded queue until the caller dequeues it. A full output queue refuses
// new input, which is how backpressure reaches the demuxer.
type BufferedCodec struct {
	name    string
	backend codecBackend
	encoder bool

	mu          sync.Mutex
	state       codecState
	inFormat    *Format
	outFormat   *Format
	announced   bool
	surface     Surface
	hasInSurf   bool
	inputs      [][]byte
	inputBusy   []bool
	outputs     []codecPacket
	held        map[int]codecPacket
	nextOut     int
	maxPending  int
	inputEOS    bool
	slotSize    int
	releaseOnce sync.Once
}

// NewBufferedCodec wraps backend. name is reported by Name and in errors.
func NewBufferedCodec(name string, encoder bool, backend codecBackend) *BufferedCodec {
	return &BufferedCodec{
		name:       name,
		backend:    backend,
		encoder:    encoder,
		held:       make(map[int]codecPacket),
		maxPending: defaultMaxPending,
	}
}

func (c *BufferedCodec) Name() string { return c.name }

func (c *BufferedCodec) Configure(format *Format, surface Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecUninitialized {
		return codecErr(c.name, "configure", ErrCodecState)
	}
	out, err := c.backend.Open(format.Clone())
	if err != nil {
		return codecErr(c.name, "configure", err)
	}
	c.inFormat = format.Clone()
	c.outFormat = out
	c.surface = surface
	c.slotSize = inputSlotSize(format, c.encoder)
	c.state = codecConfigured
	return nil
}

func inputSlotSize(f *Format, encoder bool) int {
	if f.MaxInputSize > 0 {
		return f.MaxInputSize
	}
	if f.Kind() == TrackKindVideo {
		if encoder {
			return I420Size(f.Width, f.Height)
		}
		// compressed pictures never exceed the raw size
		return max(I420Size(f.Width, f.Height), 1<<16)
	}
	if encoder {
		return defaultAudioInSize
	}
	return 1 << 16
}

func (c *BufferedCodec) CreateInputSurface() (InputSurface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecConfigured || !c.encoder || c.inFormat.Kind() != TrackKindVideo {
		return nil, codecErr(c.name, "create input surface", ErrCodecState)
	}
	c.hasInSurf = true
	return &bufferedInputSurface{codec: c}, nil
}

func (c *BufferedCodec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecConfigured {
		return codecErr(c.name, "start", ErrCodecState)
	}
	c.inputs = make([][]byte, defaultInputSlots)
	c.inputBusy = make([]bool, defaultInputSlots)
	for i := range c.inputs {
		c.inputs[i] = make([]byte, c.slotSize)
	}
	c.state = codecRunning
	return nil
}

func (c *BufferedCodec) DequeueInputBuffer(time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecRunning || c.hasInSurf {
		return 0, codecErr(c.name, "dequeue input", ErrCodecState)
	}
	if c.inputEOS || len(c.outputs) >= c.maxPending {
		return InfoTryAgainLater, nil
	}
	for i, busy := range c.inputBusy {
		if !busy {
			c.inputBusy[i] = true
			return i, nil
		}
	}
	return InfoTryAgainLater, nil
}

func (c *BufferedCodec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.inputs) || !c.inputBusy[index] {
		return nil, codecErr(c.name, "input buffer", ErrInvalidIndex)
	}
	return c.inputs[index], nil
}

func (c *BufferedCodec) QueueInputBuffer(index int, info BufferInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecRunning {
		return codecErr(c.name, "queue input", ErrCodecState)
	}
	if index < 0 || index >= len(c.inputs) || !c.inputBusy[index] {
		return codecErr(c.name, "queue input", ErrInvalidIndex)
	}
	c.inputBusy[index] = false
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(c.inputs[index]) {
		return codecErr(c.name, "queue input", ErrBufferTooSmall)
	}
	if c.inputEOS {
		return codecErr(c.name, "queue input", fmt.Errorf("%w: input after end of stream", ErrCodecState))
	}

	if info.Size > 0 {
		pkt := codecPacket{
			Data:  c.inputs[index][info.Offset : info.Offset+info.Size],
			PtsUs: info.PresentationTimeUs,
			Flags: info.Flags &^ BufferFlagEndOfStream,
		}
		if err := c.process(pkt); err != nil {
			return err
		}
	}
	if info.Flags.Has(BufferFlagEndOfStream) {
		return c.endOfStream()
	}
	return nil
}

func (c *BufferedCodec) process(pkt codecPacket) error {
	out, err := c.backend.Process(pkt)
	if err != nil {
		return codecErr(c.name, "process", err)
	}
	c.outputs = append(c.outputs, out...)
	return nil
}

func (c *BufferedCodec) endOfStream() error {
	c.inputEOS = true
	out, err := c.backend.Flush()
	if err != nil {
		return codecErr(c.name, "flush", err)
	}
	c.outputs = append(c.outputs, out...)
	c.outputs = append(c.outputs, codecPacket{Flags: BufferFlagEndOfStream})
	return nil
}

func (c *BufferedCodec) DequeueOutputBuffer(info *BufferInfo, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecRunning {
		return 0, codecErr(c.name, "dequeue output", ErrCodecState)
	}
	if len(c.outputs) == 0 {
		return InfoTryAgainLater, nil
	}
	head := &c.outputs[0]
	if head.Format != nil {
		c.outFormat = head.Format
		head.Format = nil
		c.announced = true
		return InfoOutputFormatChanged, nil
	}
	if !c.announced {
		c.announced = true
		return InfoOutputFormatChanged, nil
	}

	pkt := c.outputs[0]
	c.outputs = c.outputs[1:]
	idx := c.nextOut
	c.nextOut++
	c.held[idx] = pkt
	info.Set(0, pkt.size(), pkt.PtsUs, pkt.Flags)
	return idx, nil
}

func (c *BufferedCodec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pkt, ok := c.held[index]
	if !ok {
		return nil, codecErr(c.name, "output buffer", ErrInvalidIndex)
	}
	if pkt.Frame != nil && pkt.Data == nil {
		buf := make([]byte, pkt.Frame.Size())
		if _, err := packFrame(pkt.Frame, buf); err != nil {
			return nil, codecErr(c.name, "output buffer", err)
		}
		pkt.Data = buf
		c.held[index] = pkt
	}
	return pkt.Data, nil
}

func (c *BufferedCodec) OutputFormat() *Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outFormat.Clone()
}

func (c *BufferedCodec) ReleaseOutputBuffer(index int, render bool) error {
	c.mu.Lock()
	pkt, ok := c.held[index]
	delete(c.held, index)
	surface := c.surface
	c.mu.Unlock()

	if !ok {
		return codecErr(c.name, "release output", ErrInvalidIndex)
	}
	if !render || pkt.Frame == nil || surface == nil {
		return nil
	}
	frame := *pkt.Frame
	frame.Timestamp = pkt.PtsUs * 1000
	if err := surface.QueueFrame(&frame); err != nil {
		return codecErr(c.name, "render", err)
	}
	return nil
}

func (c *BufferedCodec) SignalEndOfInputStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecRunning || !c.hasInSurf {
		return codecErr(c.name, "signal end of input", ErrCodecState)
	}
	if c.inputEOS {
		return nil
	}
	return c.endOfStream()
}

func (c *BufferedCodec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == codecReleased {
		return nil
	}
	c.outputs = nil
	c.held = make(map[int]codecPacket)
	c.state = codecUninitialized
	return nil
}

func (c *BufferedCodec) Release() error {
	var err error
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.state = codecReleased
		c.outputs = nil
		c.held = nil
		c.inputs = nil
		err = codecErr(c.name, "release", c.backend.Close())
	})
	return err
}

// queuePicture feeds one composited picture into an encoder.
func (c *BufferedCodec) queuePicture(img *image.RGBA, ptsNs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != codecRunning {
		return codecErr(c.name, "swap buffers", ErrCodecState)
	}
	if c.inputEOS {
		return codecErr(c.name, "swap buffers", fmt.Errorf("%w: picture after end of stream", ErrCodecState))
	}
	frame := FrameFromRGBA(img, pixelFormatForColor(c.inFormat.ColorFormat))
	frame.Timestamp = ptsNs
	return c.process(codecPacket{Frame: frame, PtsUs: ptsNs / 1000})
}

type bufferedInputSurface struct {
	codec *BufferedCodec
	ptsNs int64
}

func (s *bufferedInputSurface) SetPresentationTime(ns int64) { s.ptsNs = ns }

func (s *bufferedInputSurface) SwapBuffers(img *image.RGBA) error {
	return s.codec.queuePicture(img, s.ptsNs)
}

func (s *bufferedInputSurface) Release() error { return nil }
