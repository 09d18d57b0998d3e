package mp4composer

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// audioChannel carries decoded PCM from an audio decoder to an audio
// encoder. Each decoded buffer is copied out and released at once, remixed
// to the encoder layout, time stretched when the speed or pitch changes,
// and kept in an overflow queue until the encoder has input buffers for it.
type audioChannel struct {
	decoder     Codec
	encoder     Codec
	encodeFmt   *Format
	timeScale   float64
	changePitch bool
	trimStartUs int64
	log         hclog.Logger
	metrics     *Metrics

	inChannels  int
	outChannels int
	sampleRate  int
	remix       AudioRemixer
	stretcher   *TimeStretcher

	pcm       []int16 // decoded buffer scratch
	remixed   []int16
	overflow  []int16 // interleaved samples waiting for the encoder
	basePtsUs int64
	outFrames int64
	started   bool
	inputEOS  bool
	outputEOS bool
}

func newAudioChannel(decoder, encoder Codec, encodeFmt *Format, timeScale float64, changePitch bool, trimStartUs int64, logger hclog.Logger, metrics *Metrics) *audioChannel {
	return &audioChannel{
		decoder:     decoder,
		encoder:     encoder,
		encodeFmt:   encodeFmt,
		timeScale:   timeScale,
		changePitch: changePitch,
		trimStartUs: trimStartUs,
		log:         logger,
		metrics:     metrics,
		basePtsUs:   -1,
	}
}

// setActualDecodedFormat validates the decoder output layout against the
// encoder and builds the remix and stretch stages.
func (c *audioChannel) setActualDecodedFormat(f *Format) error {
	if f.SampleRate != c.encodeFmt.SampleRate {
		return fmt.Errorf("%w: decoded %d Hz, encoding %d Hz", ErrSampleRateMismatch, f.SampleRate, c.encodeFmt.SampleRate)
	}
	remix, err := RemixerFor(f.ChannelCount, c.encodeFmt.ChannelCount)
	if err != nil {
		return fmt.Errorf("%w: decoded %d, encoding %d", err, f.ChannelCount, c.encodeFmt.ChannelCount)
	}
	c.inChannels = f.ChannelCount
	c.outChannels = c.encodeFmt.ChannelCount
	c.sampleRate = f.SampleRate
	c.remix = remix
	if c.timeScale != 1 || c.changePitch {
		c.stretcher = NewTimeStretcher(c.sampleRate, c.outChannels)
		if c.changePitch {
			c.stretcher.SetRate(c.timeScale)
		} else {
			c.stretcher.SetSpeed(c.timeScale)
		}
	}
	c.log.Debug("decoded audio format", "rate", f.SampleRate, "in_channels", c.inChannels,
		"out_channels", c.outChannels, "stretch", c.stretcher != nil)
	return nil
}

// queueDecoded copies the PCM of decoder output buffer idx into the channel
// and releases the buffer.
func (c *audioChannel) queueDecoded(idx int, info BufferInfo) error {
	if c.remix == nil {
		return ErrBufferBeforeFormat
	}
	data, err := c.decoder.OutputBuffer(idx)
	if err != nil {
		return err
	}
	data = data[info.Offset : info.Offset+info.Size]
	c.pcm = c.pcm[:0]
	for i := 0; i+1 < len(data); i += 2 {
		c.pcm = append(c.pcm, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	if err := c.decoder.ReleaseOutputBuffer(idx, false); err != nil {
		return err
	}

	if !c.started {
		c.started = true
		c.basePtsUs = int64(float64(info.PresentationTimeUs-c.trimStartUs) / c.timeScale)
		if c.basePtsUs < 0 {
			c.basePtsUs = 0
		}
	}
	c.remixed = c.remix(c.remixed[:0], c.pcm)
	if c.stretcher == nil {
		c.overflow = append(c.overflow, c.remixed...)
		return nil
	}
	c.stretcher.Write(c.remixed)
	c.drainStretcher()
	return nil
}

// endOfStream flushes the stretcher. The encoder input is ended once the
// overflow is fed.
func (c *audioChannel) endOfStream() {
	if c.stretcher != nil {
		c.stretcher.Flush()
		c.drainStretcher()
	}
	c.inputEOS = true
}

func (c *audioChannel) drainStretcher() {
	if n := c.stretcher.Available() * c.outChannels; n > 0 {
		start := len(c.overflow)
		c.overflow = append(c.overflow, make([]int16, n)...)
		c.stretcher.Read(c.overflow[start:])
	}
}

// feedEncoder queues one encoder input buffer and reports whether it did.
func (c *audioChannel) feedEncoder() (bool, error) {
	if c.outputEOS || (len(c.overflow) == 0 && !c.inputEOS) {
		return false, nil
	}
	idx, err := c.encoder.DequeueInputBuffer(0)
	if err != nil {
		return false, err
	}
	if idx < 0 {
		return false, nil
	}
	ptsUs := c.ptsUs()
	if len(c.overflow) == 0 {
		c.outputEOS = true
		c.log.Debug("audio encoder input ended", "frames", c.outFrames)
		return true, c.encoder.QueueInputBuffer(idx, BufferInfo{PresentationTimeUs: ptsUs, Flags: BufferFlagEndOfStream})
	}

	buf, err := c.encoder.InputBuffer(idx)
	if err != nil {
		return false, err
	}
	frameBytes := 2 * c.outChannels
	n := min(len(buf)/frameBytes*frameBytes, len(c.overflow)*2)
	if n == 0 {
		return false, fmt.Errorf("%w: encoder input holds no audio frame", ErrBufferTooSmall)
	}
	for i := 0; i < n/2; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(c.overflow[i]))
	}
	c.overflow = c.overflow[:copy(c.overflow, c.overflow[n/2:])]
	c.outFrames += int64(n / frameBytes)
	c.metrics.pcmFed(n / 2)
	return true, c.encoder.QueueInputBuffer(idx, BufferInfo{Size: n, PresentationTimeUs: ptsUs})
}

// ptsUs is the time of the next frame fed to the encoder, derived from the
// number of frames fed so far.
func (c *audioChannel) ptsUs() int64 {
	base := c.basePtsUs
	if base < 0 {
		base = 0
	}
	if c.sampleRate == 0 {
		return base
	}
	return base + c.outFrames*1_000_000/int64(c.sampleRate)
}
