package mp4composer

// AudioRemixer converts interleaved 16-bit PCM between channel layouts. It
// appends the converted samples to dst and returns the extended slice.
type AudioRemixer func(dst, src []int16) []int16

// RemixerFor returns the remixer from inChannels to outChannels. Only mono
// and stereo are handled.
func RemixerFor(inChannels, outChannels int) (AudioRemixer, error) {
	if (inChannels != 1 && inChannels != 2) || (outChannels != 1 && outChannels != 2) {
		return nil, ErrChannelCount
	}
	switch {
	case inChannels > outChannels:
		return DownmixStereo, nil
	case inChannels < outChannels:
		return UpmixMono, nil
	default:
		return PassthroughRemix, nil
	}
}

// PassthroughRemix copies src unchanged.
func PassthroughRemix(dst, src []int16) []int16 { return append(dst, src...) }

// UpmixMono duplicates every mono sample into both stereo channels.
func UpmixMono(dst, src []int16) []int16 {
	for _, v := range src {
		dst = append(dst, v, v)
	}
	return dst
}

// DownmixStereo mixes stereo pairs into mono. Samples are moved to the
// unsigned range; quiet pairs are multiplied and loud pairs mixed so that
// the sum saturates smoothly instead of clipping.
func DownmixStereo(dst, src []int16) []int16 {
	for i := 0; i+1 < len(src); i += 2 {
		dst = append(dst, mixPair(src[i], src[i+1]))
	}
	return dst
}

func mixPair(l, r int16) int16 {
	const half = 32768
	a, b := int(l)+half, int(r)+half
	var m int
	if a < half || b < half {
		m = a * b / half
	} else {
		m = 2*(a+b) - a*b/half - 2*half
	}
	if m == 2*half {
		m = 2*half - 1
	}
	return int16(m - half)
}
