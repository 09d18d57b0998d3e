package mp4composer

// Pitch period search limits of the time stretcher.
const (
	stretchMinPitch = 65   // Hz
	stretchMaxPitch = 400  // Hz
	stretchAMDFFreq = 4000 // rate the period search downsamples to at quality 0
)

// TimeStretcher changes the speed of interleaved 16-bit PCM without
// changing its pitch, using pitch-synchronous overlap-add (the Sonic
// algorithm). Speed above one drops whole pitch periods, speed below one
// repeats them; each splice is cross-faded. Rate resamples, changing speed
// and pitch together.
//
// Write input, Read output. Flush at end of stream.
type TimeStretcher struct {
	sampleRate int
	channels   int
	speed      float64
	pitch      float64
	rate       float64
	quality    int

	minPeriod   int
	maxPeriod   int
	maxRequired int

	input      []int16 // interleaved frames waiting for processing
	output     []int16 // interleaved frames ready to read
	pitchBuf   []int16 // frames waiting for the rate pass
	downSample []int16

	remainingInputToCopy int
	prevPeriod           int
	prevMinDiff          int
	oldRatePosition      int
	newRatePosition      int
}

// NewTimeStretcher creates a stretcher for the given layout with speed,
// pitch and rate at one.
func NewTimeStretcher(sampleRate, channels int) *TimeStretcher {
	s := &TimeStretcher{
		sampleRate: sampleRate,
		channels:   channels,
		speed:      1,
		pitch:      1,
		rate:       1,
	}
	s.minPeriod = sampleRate / stretchMaxPitch
	s.maxPeriod = sampleRate / stretchMinPitch
	s.maxRequired = 2 * s.maxPeriod
	s.downSample = make([]int16, s.maxRequired)
	return s
}

func (s *TimeStretcher) SetSpeed(speed float64) { s.speed = speed }
func (s *TimeStretcher) Speed() float64         { return s.speed }
func (s *TimeStretcher) SetPitch(pitch float64) { s.pitch = pitch }
func (s *TimeStretcher) Pitch() float64         { return s.pitch }

// SetRate sets the playback rate, which scales speed and pitch together.
func (s *TimeStretcher) SetRate(rate float64) {
	s.rate = rate
	s.oldRatePosition = 0
	s.newRatePosition = 0
}

func (s *TimeStretcher) Rate() float64 { return s.rate }

// SetQuality selects the exhaustive period search when non-zero. Zero
// searches a downsampled signal first.
func (s *TimeStretcher) SetQuality(q int) { s.quality = q }

func (s *TimeStretcher) SampleRate() int { return s.sampleRate }
func (s *TimeStretcher) Channels() int   { return s.channels }

// MaxRequired is the number of frames the period search needs to look at.
func (s *TimeStretcher) MaxRequired() int { return s.maxRequired }

// Write appends interleaved samples and processes what it can. A trailing
// partial frame is dropped.
func (s *TimeStretcher) Write(samples []int16) {
	n := len(samples) - len(samples)%s.channels
	s.input = append(s.input, samples[:n]...)
	s.processStreamInput()
}

// Available returns the number of frames ready to read.
func (s *TimeStretcher) Available() int { return len(s.output) / s.channels }

// Pending returns the number of input frames not processed yet.
func (s *TimeStretcher) Pending() int { return len(s.input)/s.channels + len(s.pitchBuf)/s.channels }

// Read copies up to len(dst) interleaved samples of whole frames into dst
// and returns the number of samples copied.
func (s *TimeStretcher) Read(dst []int16) int {
	n := min(len(dst)-len(dst)%s.channels, len(s.output))
	copy(dst, s.output[:n])
	s.output = s.output[:copy(s.output, s.output[n:])]
	return n
}

// Flush forces out all buffered input. Silence is appended so the period
// search can consume the tail, and the output is then cut back to the
// length the input implies. When processing produced fewer frames than
// that, the output is left short.
func (s *TimeStretcher) Flush() {
	remaining := len(s.input) / s.channels
	speed := s.speed / s.pitch
	rate := s.rate * s.pitch
	expected := s.Available() + int((float64(remaining)/speed+float64(len(s.pitchBuf)/s.channels))/rate+0.5)

	s.input = append(s.input, make([]int16, 2*s.maxRequired*s.channels)...)
	s.processStreamInput()

	if s.Available() > expected {
		s.output = s.output[:expected*s.channels]
	}
	s.input = s.input[:0]
	s.pitchBuf = s.pitchBuf[:0]
	s.remainingInputToCopy = 0
}

func (s *TimeStretcher) processStreamInput() {
	originalOutput := s.Available()
	speed := s.speed / s.pitch
	rate := s.rate * s.pitch
	if speed > 1.00001 || speed < 0.99999 {
		s.changeSpeed(speed)
	} else {
		s.output = append(s.output, s.input...)
		s.input = s.input[:0]
	}
	if rate != 1 {
		s.adjustRate(rate, originalOutput)
	}
}

func (s *TimeStretcher) changeSpeed(speed float64) {
	numSamples := len(s.input) / s.channels
	if numSamples < s.maxRequired {
		return
	}
	position := 0
	for {
		if s.remainingInputToCopy > 0 {
			position += s.copyInputToOutput(position)
		} else {
			samples := s.input[position*s.channels:]
			period := s.findPitchPeriod(samples, true)
			if speed > 1 {
				position += period + s.skipPitchPeriod(samples, speed, period)
			} else {
				position += s.insertPitchPeriod(samples, speed, period)
			}
		}
		if position+s.maxRequired > numSamples {
			break
		}
	}
	s.input = s.input[:copy(s.input, s.input[position*s.channels:])]
}

func (s *TimeStretcher) copyInputToOutput(position int) int {
	n := min(s.maxRequired, s.remainingInputToCopy)
	s.output = append(s.output, s.input[position*s.channels:(position+n)*s.channels]...)
	s.remainingInputToCopy -= n
	return n
}

// skipPitchPeriod drops one period, cross-fading the period before it into
// the one after it.
func (s *TimeStretcher) skipPitchPeriod(samples []int16, speed float64, period int) int {
	var n int
	if speed >= 2 {
		n = int(float64(period) / (speed - 1))
	} else {
		n = period
		s.remainingInputToCopy = int(float64(period) * (2 - speed) / (speed - 1))
	}
	start := len(s.output)
	s.output = append(s.output, make([]int16, n*s.channels)...)
	overlapAdd(n, s.channels, s.output[start:], samples, samples[period*s.channels:])
	return n
}

// insertPitchPeriod copies one period and then repeats it, cross-faded.
func (s *TimeStretcher) insertPitchPeriod(samples []int16, speed float64, period int) int {
	var n int
	if speed < 0.5 {
		n = int(float64(period) * speed / (1 - speed))
	} else {
		n = period
		s.remainingInputToCopy = int(float64(period) * (2*speed - 1) / (1 - speed))
	}
	s.output = append(s.output, samples[:period*s.channels]...)
	start := len(s.output)
	s.output = append(s.output, make([]int16, n*s.channels)...)
	overlapAdd(n, s.channels, s.output[start:], samples[period*s.channels:], samples)
	return n
}

// overlapAdd writes n frames that fade from rampDown to rampUp.
func overlapAdd(n, channels int, out, rampDown, rampUp []int16) {
	for ch := 0; ch < channels; ch++ {
		for t := 0; t < n; t++ {
			i := t*channels + ch
			out[i] = int16((int(rampDown[i])*(n-t) + int(rampUp[i])*t) / n)
		}
	}
}

// findPitchPeriod returns the period of the signal at the start of samples,
// in frames. preferNew biases the choice toward the new period when the
// previous one matched about as well.
func (s *TimeStretcher) findPitchPeriod(samples []int16, preferNew bool) int {
	minPeriod, maxPeriod := s.minPeriod, s.maxPeriod
	skip := 1
	if s.sampleRate > stretchAMDFFreq && s.quality == 0 {
		skip = s.sampleRate / stretchAMDFFreq
	}

	var period, minDiff, maxDiff int
	if s.channels == 1 && skip == 1 {
		period, minDiff, maxDiff = findPeriodInRange(samples, minPeriod, maxPeriod)
	} else {
		s.downSampleInput(samples, skip)
		period, minDiff, maxDiff = findPeriodInRange(s.downSample, minPeriod/skip, maxPeriod/skip)
		if skip != 1 {
			period *= skip
			minPeriod = max(period-(skip<<2), s.minPeriod)
			maxPeriod = min(period+(skip<<2), s.maxPeriod)
			if s.channels == 1 {
				period, minDiff, maxDiff = findPeriodInRange(samples, minPeriod, maxPeriod)
			} else {
				s.downSampleInput(samples, 1)
				period, minDiff, maxDiff = findPeriodInRange(s.downSample, minPeriod, maxPeriod)
			}
		}
	}

	ret := period
	if s.prevPeriodBetter(minDiff, maxDiff, preferNew) {
		ret = s.prevPeriod
	}
	s.prevMinDiff = minDiff
	s.prevPeriod = period
	return ret
}

// downSampleInput averages skip frames of every channel into one mono value.
func (s *TimeStretcher) downSampleInput(samples []int16, skip int) {
	n := s.maxRequired / skip
	per := s.channels * skip
	for i := 0; i < n; i++ {
		sum := 0
		for j := 0; j < per; j++ {
			sum += int(samples[i*per+j])
		}
		s.downSample[i] = int16(sum / per)
	}
}

// findPeriodInRange returns the period with the smallest average magnitude
// difference, together with the best and worst normalized differences.
func findPeriodInRange(samples []int16, minPeriod, maxPeriod int) (best, minDiff, maxDiff int) {
	bestPeriod, worstPeriod := 0, 255
	minD, maxD := 1, 0
	for period := minPeriod; period <= maxPeriod; period++ {
		diff := 0
		for i := 0; i < period; i++ {
			d := int(samples[i]) - int(samples[i+period])
			if d < 0 {
				d = -d
			}
			diff += d
		}
		// diff/period < minD/bestPeriod without dividing
		if diff*bestPeriod < minD*period {
			minD, bestPeriod = diff, period
		}
		if diff*worstPeriod > maxD*period {
			maxD, worstPeriod = diff, period
		}
	}
	if bestPeriod == 0 {
		return minPeriod, 0, 0
	}
	return bestPeriod, minD / bestPeriod, maxD / worstPeriod
}

func (s *TimeStretcher) prevPeriodBetter(minDiff, maxDiff int, preferNew bool) bool {
	if minDiff == 0 || s.prevPeriod == 0 {
		return false
	}
	if preferNew {
		if maxDiff > minDiff*3 {
			return false
		}
		if minDiff*2 <= s.prevMinDiff*3 {
			return false
		}
	} else if minDiff <= s.prevMinDiff {
		return false
	}
	return true
}

// adjustRate resamples the frames produced since originalOutput by linear
// interpolation.
func (s *TimeStretcher) adjustRate(rate float64, originalOutput int) {
	newRate := int(float64(s.sampleRate) / rate)
	oldRate := s.sampleRate
	for newRate > 1<<14 || oldRate > 1<<14 {
		newRate >>= 1
		oldRate >>= 1
	}
	if s.Available() == originalOutput {
		return
	}
	s.pitchBuf = append(s.pitchBuf, s.output[originalOutput*s.channels:]...)
	s.output = s.output[:originalOutput*s.channels]

	frames := len(s.pitchBuf) / s.channels
	position := 0
	for ; position < frames-1; position++ {
		for (s.oldRatePosition+1)*newRate > s.newRatePosition*oldRate {
			for ch := 0; ch < s.channels; ch++ {
				s.output = append(s.output, s.interpolate(position, ch, oldRate, newRate))
			}
			s.newRatePosition++
		}
		s.oldRatePosition++
		if s.oldRatePosition == oldRate {
			s.oldRatePosition = 0
			s.newRatePosition = 0
		}
	}
	s.pitchBuf = s.pitchBuf[:copy(s.pitchBuf, s.pitchBuf[position*s.channels:])]
}

func (s *TimeStretcher) interpolate(position, ch, oldRate, newRate int) int16 {
	left := int(s.pitchBuf[position*s.channels+ch])
	right := int(s.pitchBuf[(position+1)*s.channels+ch])
	pos := s.newRatePosition * oldRate
	leftPos := s.oldRatePosition * newRate
	rightPos := (s.oldRatePosition + 1) * newRate
	ratio := rightPos - pos
	width := rightPos - leftPos
	return int16((ratio*left + (width-ratio)*right) / width)
}
