package mp4composer

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/abema/go-mp4"
	"github.com/hashicorp/go-hclog"
)

// SeekMode selects which sync sample SeekTo lands on.
type SeekMode int

const (
	SeekPreviousSync SeekMode = iota // last sync sample at or before the time
	SeekNextSync                     // first sync sample at or after the time
	SeekClosestSync                  // nearest sync sample
)

func (m SeekMode) String() string {
	switch m {
	case SeekPreviousSync:
		return "previous-sync"
	case SeekNextSync:
		return "next-sync"
	case SeekClosestSync:
		return "closest-sync"
	default:
		return fmt.Sprintf("SeekMode(%d)", int(m))
	}
}

type demuxSample struct {
	offset int64
	size   int
	ptsUs  int64
	sync   bool
}

type demuxTrack struct {
	info      TrackInfo
	samples   []demuxSample
	cursor    int
	selected  bool
	nalLength int // NAL length field size of AVC/HEVC samples, 0 otherwise
}

func (t *demuxTrack) current() (demuxSample, bool) {
	if t.cursor >= len(t.samples) {
		return demuxSample{}, false
	}
	return t.samples[t.cursor], true
}

// Demuxer reads the elementary streams of an MPEG-4 file one sample at a
// time. Samples of all selected tracks are returned in file order.
type Demuxer struct {
	r      io.ReadSeeker
	tracks []*demuxTrack
	log    hclog.Logger
}

// NewDemuxer parses the movie header of r. Tracks whose sample entry is not
// understood are skipped.
func NewDemuxer(r io.ReadSeeker, logger hclog.Logger) (*Demuxer, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &Demuxer{r: r, log: logger}

	traks, err := mp4.ExtractBox(r, nil, mp4.BoxPath{mp4.BoxTypeMoov(), mp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if len(traks) == 0 {
		return nil, fmt.Errorf("%w: no tracks", ErrProbeFailed)
	}
	for _, trak := range traks {
		t, err := parseTrak(r, trak)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
		if t == nil {
			continue
		}
		t.info.Index = len(d.tracks)
		d.tracks = append(d.tracks, t)
		logger.Debug("track", "index", t.info.Index, "id", t.info.TrackID, "format", t.info.Format.String(), "samples", len(t.samples))
	}
	return d, nil
}

// TrackCount returns the number of readable tracks.
func (d *Demuxer) TrackCount() int { return len(d.tracks) }

// TrackFormat returns a copy of the format of track i.
func (d *Demuxer) TrackFormat(i int) (*Format, error) {
	if i < 0 || i >= len(d.tracks) {
		return nil, fmt.Errorf("%w: track %d", ErrInvalidIndex, i)
	}
	return d.tracks[i].info.Format.Clone(), nil
}

// Tracks returns descriptors of every readable track.
func (d *Demuxer) Tracks() []TrackInfo {
	out := make([]TrackInfo, len(d.tracks))
	for i, t := range d.tracks {
		out[i] = TrackInfo{Index: t.info.Index, TrackID: t.info.TrackID, Format: t.info.Format.Clone()}
	}
	return out
}

// SelectTrack includes track i in sample iteration.
func (d *Demuxer) SelectTrack(i int) error {
	if i < 0 || i >= len(d.tracks) {
		return fmt.Errorf("%w: track %d", ErrInvalidIndex, i)
	}
	d.tracks[i].selected = true
	return nil
}

// UnselectTrack removes track i from sample iteration.
func (d *Demuxer) UnselectTrack(i int) error {
	if i < 0 || i >= len(d.tracks) {
		return fmt.Errorf("%w: track %d", ErrInvalidIndex, i)
	}
	d.tracks[i].selected = false
	return nil
}

// next returns the selected track whose current sample comes first in the
// file, or nil at end of stream.
func (d *Demuxer) next() *demuxTrack {
	var best *demuxTrack
	var bestOff int64 = math.MaxInt64
	for _, t := range d.tracks {
		if !t.selected {
			continue
		}
		s, ok := t.current()
		if !ok {
			continue
		}
		if s.offset < bestOff {
			best, bestOff = t, s.offset
		}
	}
	return best
}

// SampleTrackIndex returns the track of the current sample, or -1 at end of
// stream.
func (d *Demuxer) SampleTrackIndex() int {
	t := d.next()
	if t == nil {
		return -1
	}
	return t.info.Index
}

// SampleTime returns the presentation time of the current sample in
// microseconds, or -1 at end of stream.
func (d *Demuxer) SampleTime() int64 {
	t := d.next()
	if t == nil {
		return -1
	}
	s, _ := t.current()
	return s.ptsUs
}

// SampleFlags returns the flags of the current sample.
func (d *Demuxer) SampleFlags() BufferFlags {
	t := d.next()
	if t == nil {
		return 0
	}
	if s, _ := t.current(); s.sync {
		return BufferFlagKeyFrame
	}
	return 0
}

// ReadSampleData copies the current sample into buf and returns its size,
// or -1 at end of stream. Length-prefixed AVC and HEVC samples are rewritten
// to Annex-B start codes.
func (d *Demuxer) ReadSampleData(buf []byte) (int, error) {
	t := d.next()
	if t == nil {
		return -1, nil
	}
	s, _ := t.current()
	if s.size > len(buf) {
		return 0, fmt.Errorf("%w: sample of %d bytes, buffer of %d", ErrBufferTooSmall, s.size, len(buf))
	}
	if _, err := d.r.Seek(s.offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek sample: %w", err)
	}
	if _, err := io.ReadFull(d.r, buf[:s.size]); err != nil {
		return 0, fmt.Errorf("read sample: %w", err)
	}
	if t.nalLength == 4 {
		lengthPrefixedToAnnexB(buf[:s.size])
	}
	return s.size, nil
}

// Advance moves to the next sample. It returns false at end of stream.
func (d *Demuxer) Advance() bool {
	t := d.next()
	if t == nil {
		return false
	}
	t.cursor++
	return d.next() != nil
}

// Release drops the sample tables. The reader is left to its owner.
func (d *Demuxer) Release() error {
	d.tracks = nil
	return nil
}

// SeekTo positions every selected track on a sync sample near timeUs.
func (d *Demuxer) SeekTo(timeUs int64, mode SeekMode) {
	for _, t := range d.tracks {
		if t.selected {
			t.cursor = t.seekIndex(timeUs, mode)
		}
	}
}

func (t *demuxTrack) seekIndex(timeUs int64, mode SeekMode) int {
	prev, next := -1, -1
	for i, s := range t.samples {
		if !s.sync {
			continue
		}
		if s.ptsUs <= timeUs {
			prev = i
		}
		if s.ptsUs >= timeUs && next < 0 {
			next = i
		}
	}
	switch mode {
	case SeekNextSync:
		if next < 0 {
			return len(t.samples)
		}
		return next
	case SeekClosestSync:
		switch {
		case prev < 0 && next < 0:
			return 0
		case prev < 0:
			return next
		case next < 0:
			return prev
		}
		if timeUs-t.samples[prev].ptsUs <= t.samples[next].ptsUs-timeUs {
			return prev
		}
		return next
	default:
		if prev < 0 {
			if next < 0 {
				return 0
			}
			return next
		}
		return prev
	}
}

func stblPath(types ...mp4.BoxType) mp4.BoxPath {
	return append(mp4.BoxPath{mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl()}, types...)
}

func stsdPath(types ...mp4.BoxType) mp4.BoxPath {
	return stblPath(append([]mp4.BoxType{mp4.BoxTypeStsd()}, types...)...)
}

var (
	boxTypeS263 = mp4.StrToBoxType("s263")
	boxTypeAvc3 = mp4.StrToBoxType("avc3")
)

// parseTrak builds the sample table of one trak box. It returns nil for
// tracks without a supported sample entry.
func parseTrak(r io.ReadSeeker, trak *mp4.BoxInfo) (*demuxTrack, error) {
	entries, err := mp4.ExtractBoxes(r, trak, []mp4.BoxPath{stsdPath(mp4.BoxTypeAny())})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	entryType := entries[0].Type

	bips, err := mp4.ExtractBoxesWithPayload(r, trak, []mp4.BoxPath{
		{mp4.BoxTypeTkhd()},
		{mp4.BoxTypeMdia(), mp4.BoxTypeMdhd()},
		stblPath(mp4.BoxTypeStts()),
		stblPath(mp4.BoxTypeCtts()),
		stblPath(mp4.BoxTypeStsc()),
		stblPath(mp4.BoxTypeStsz()),
		stblPath(mp4.BoxTypeStco()),
		stblPath(mp4.BoxTypeCo64()),
		stblPath(mp4.BoxTypeStss()),
		stsdPath(mp4.BoxTypeAvc1()),
		stsdPath(mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC()),
		stsdPath(mp4.BoxTypeHvc1()),
		stsdPath(mp4.BoxTypeHvc1(), mp4.BoxTypeHvcC()),
		stsdPath(mp4.BoxTypeHev1()),
		stsdPath(mp4.BoxTypeHev1(), mp4.BoxTypeHvcC()),
		stsdPath(mp4.BoxTypeMp4v()),
		stsdPath(mp4.BoxTypeMp4v(), mp4.BoxTypeEsds()),
		stsdPath(mp4.BoxTypeMp4a()),
		stsdPath(mp4.BoxTypeMp4a(), mp4.BoxTypeEsds()),
	})
	if err != nil {
		return nil, err
	}

	var (
		tkhd   *mp4.Tkhd
		mdhd   *mp4.Mdhd
		stts   *mp4.Stts
		ctts   *mp4.Ctts
		stsc   *mp4.Stsc
		stsz   *mp4.Stsz
		stss   *mp4.Stss
		chunks []uint64
		visual *mp4.VisualSampleEntry
		audio  *mp4.AudioSampleEntry
		avcC   *mp4.AVCDecoderConfiguration
		hvcC   *mp4.HvcC
		esds   *mp4.Esds
	)
	for _, bip := range bips {
		switch box := bip.Payload.(type) {
		case *mp4.Tkhd:
			tkhd = box
		case *mp4.Mdhd:
			mdhd = box
		case *mp4.Stts:
			stts = box
		case *mp4.Ctts:
			ctts = box
		case *mp4.Stsc:
			stsc = box
		case *mp4.Stsz:
			stsz = box
		case *mp4.Stss:
			stss = box
		case *mp4.Stco:
			for _, off := range box.ChunkOffset {
				chunks = append(chunks, uint64(off))
			}
		case *mp4.Co64:
			chunks = append(chunks, box.ChunkOffset...)
		case *mp4.VisualSampleEntry:
			if visual == nil {
				visual = box
			}
		case *mp4.AudioSampleEntry:
			if audio == nil {
				audio = box
			}
		case *mp4.AVCDecoderConfiguration:
			avcC = box
		case *mp4.HvcC:
			hvcC = box
		case *mp4.Esds:
			esds = box
		}
	}
	if tkhd == nil || mdhd == nil || stts == nil || stsc == nil || stsz == nil {
		return nil, fmt.Errorf("track is missing a mandatory box")
	}
	if mdhd.Timescale == 0 {
		return nil, errors.New("mdhd timescale is zero")
	}

	t := &demuxTrack{info: TrackInfo{TrackID: tkhd.TrackID}}
	f := &Format{DurationUs: int64(mdhd.GetDuration()) * 1_000_000 / int64(mdhd.Timescale)}
	t.info.Format = f

	switch entryType {
	case mp4.BoxTypeAvc1(), boxTypeAvc3:
		f.MIME = MIMEVideoAVC
		if avcC != nil {
			t.nalLength = int(avcC.LengthSizeMinusOne) + 1
			for _, ps := range avcC.SequenceParameterSets {
				f.CSD = append(f.CSD, withStartCode(ps.NALUnit))
			}
			for _, ps := range avcC.PictureParameterSets {
				f.CSD = append(f.CSD, withStartCode(ps.NALUnit))
			}
		} else {
			t.nalLength = 4
		}
	case mp4.BoxTypeHvc1(), mp4.BoxTypeHev1():
		f.MIME = MIMEVideoHEVC
		t.nalLength = 4
		if hvcC != nil {
			t.nalLength = int(hvcC.LengthSizeMinusOne) + 1
			var csd []byte
			for _, arr := range hvcC.NaluArrays {
				for _, n := range arr.Nalus {
					csd = append(csd, withStartCode(n.NALUnit)...)
				}
			}
			if len(csd) > 0 {
				f.CSD = [][]byte{csd}
			}
		}
	case mp4.BoxTypeMp4v():
		f.MIME = MIMEVideoMPEG4
		if dsi := decoderSpecificInfo(esds); dsi != nil {
			f.CSD = [][]byte{dsi}
		}
	case boxTypeS263:
		f.MIME = MIMEVideoH263
	case mp4.BoxTypeMp4a():
		f.MIME = MIMEAudioAAC
		if audio != nil {
			f.SampleRate = int(audio.SampleRate >> 16)
			f.ChannelCount = int(audio.ChannelCount)
		}
		if dsi := decoderSpecificInfo(esds); dsi != nil {
			f.CSD = [][]byte{dsi}
			if asc, ok := parseAudioSpecificConfig(dsi); ok {
				f.AACProfile = asc.objectType
				if asc.sampleRate > 0 {
					f.SampleRate = asc.sampleRate
				}
				if asc.channels > 0 {
					f.ChannelCount = asc.channels
				}
			}
		}
	default:
		return nil, nil
	}

	if f.Kind() == TrackKindVideo {
		// coded size from the sample entry, display size from tkhd as fallback
		if visual != nil && visual.Width > 0 && visual.Height > 0 {
			f.Width, f.Height = int(visual.Width), int(visual.Height)
		} else {
			f.Width, f.Height = int(tkhd.GetWidthInt()), int(tkhd.GetHeightInt())
		}
		f.Rotation = rotationFromMatrix(tkhd.Matrix)
	}

	samples, err := buildSampleTable(mdhd.Timescale, stts, ctts, stsc, stsz, stss, chunks)
	if err != nil {
		return nil, err
	}
	t.samples = samples
	for _, s := range samples {
		f.MaxInputSize = max(f.MaxInputSize, s.size)
	}
	return t, nil
}

func buildSampleTable(timescale uint32, stts *mp4.Stts, ctts *mp4.Ctts, stsc *mp4.Stsc, stsz *mp4.Stsz, stss *mp4.Stss, chunks []uint64) ([]demuxSample, error) {
	count := int(stsz.SampleCount)
	samples := make([]demuxSample, 0, count)

	sizeOf := func(i int) (int, error) {
		if stsz.SampleSize != 0 {
			return int(stsz.SampleSize), nil
		}
		if i >= len(stsz.EntrySize) {
			return 0, fmt.Errorf("stsz has %d entries, need %d", len(stsz.EntrySize), i+1)
		}
		return int(stsz.EntrySize[i]), nil
	}

	// offsets from stsc + chunk offsets
	for ci := range chunks {
		chunkNo := uint32(ci + 1)
		perChunk := uint32(0)
		for _, e := range stsc.Entries {
			if e.FirstChunk <= chunkNo {
				perChunk = e.SamplesPerChunk
			}
		}
		off := int64(chunks[ci])
		for j := uint32(0); j < perChunk && len(samples) < count; j++ {
			size, err := sizeOf(len(samples))
			if err != nil {
				return nil, err
			}
			samples = append(samples, demuxSample{offset: off, size: size})
			off += int64(size)
		}
	}
	if len(samples) != count {
		return nil, fmt.Errorf("chunk table covers %d of %d samples", len(samples), count)
	}

	// decode times from stts, composition offsets from ctts
	var dts int64
	i := 0
	for _, e := range stts.Entries {
		for n := uint32(0); n < e.SampleCount && i < count; n++ {
			samples[i].ptsUs = dts
			dts += int64(e.SampleDelta)
			i++
		}
	}
	if ctts != nil {
		i = 0
		for idx, e := range ctts.Entries {
			off := ctts.GetSampleOffset(idx)
			for n := uint32(0); n < e.SampleCount && i < count; n++ {
				samples[i].ptsUs += off
				i++
			}
		}
	}
	for i := range samples {
		samples[i].ptsUs = samples[i].ptsUs * 1_000_000 / int64(timescale)
	}

	if stss == nil {
		for i := range samples {
			samples[i].sync = true
		}
	} else {
		for _, n := range stss.SampleNumber {
			if n >= 1 && int(n) <= count {
				samples[n-1].sync = true
			}
		}
	}
	return samples, nil
}

// rotationFromMatrix returns the clockwise display rotation encoded in a
// tkhd transformation matrix.
func rotationFromMatrix(m [9]int32) int {
	const one = 0x10000
	switch {
	case m[0] == 0 && m[1] == one && m[3] == -one && m[4] == 0:
		return 90
	case m[0] == -one && m[1] == 0 && m[3] == 0 && m[4] == -one:
		return 180
	case m[0] == 0 && m[1] == -one && m[3] == one && m[4] == 0:
		return 270
	default:
		return 0
	}
}

// rotationMatrix is the inverse of rotationFromMatrix.
func rotationMatrix(degrees int) [9]int32 {
	const one = 0x10000
	m := [9]int32{one, 0, 0, 0, one, 0, 0, 0, 0x40000000}
	switch degrees {
	case 90:
		m[0], m[1], m[3], m[4] = 0, one, -one, 0
	case 180:
		m[0], m[4] = -one, -one
	case 270:
		m[0], m[1], m[3], m[4] = 0, -one, one, 0
	}
	return m
}

func decoderSpecificInfo(esds *mp4.Esds) []byte {
	if esds == nil {
		return nil
	}
	for _, d := range esds.Descriptors {
		if d.Tag == mp4.DecSpecificInfoTag && len(d.Data) > 0 {
			return append([]byte(nil), d.Data...)
		}
	}
	return nil
}

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

type audioSpecificConfig struct {
	objectType int
	sampleRate int
	channels   int
}

// parseAudioSpecificConfig reads the leading fields of an MPEG-4
// AudioSpecificConfig.
func parseAudioSpecificConfig(b []byte) (audioSpecificConfig, bool) {
	br := bitReader{buf: b}
	var asc audioSpecificConfig
	ot, ok := br.read(5)
	if !ok {
		return asc, false
	}
	if ot == 31 {
		ext, ok := br.read(6)
		if !ok {
			return asc, false
		}
		ot = 32 + ext
	}
	asc.objectType = int(ot)
	idx, ok := br.read(4)
	if !ok {
		return asc, false
	}
	if idx == 15 {
		rate, ok := br.read(24)
		if !ok {
			return asc, false
		}
		asc.sampleRate = int(rate)
	} else if int(idx) < len(aacSampleRates) {
		asc.sampleRate = aacSampleRates[idx]
	}
	ch, ok := br.read(4)
	if !ok {
		return asc, false
	}
	asc.channels = int(ch)
	return asc, true
}

// buildAudioSpecificConfig encodes an AudioSpecificConfig without extensions.
func buildAudioSpecificConfig(objectType, sampleRate, channels int) []byte {
	idx := 15
	for i, r := range aacSampleRates {
		if r == sampleRate {
			idx = i
			break
		}
	}
	var bw bitWriter
	bw.write(uint32(objectType), 5)
	bw.write(uint32(idx), 4)
	if idx == 15 {
		bw.write(uint32(sampleRate), 24)
	}
	bw.write(uint32(channels), 4)
	bw.write(0, 3) // frameLength, dependsOnCoreCoder, extensionFlag
	return bw.bytes()
}

type bitReader struct {
	buf []byte
	pos int
}

func (r *bitReader) read(n int) (uint32, bool) {
	if r.pos+n > len(r.buf)*8 {
		return 0, false
	}
	var v uint32
	for i := 0; i < n; i++ {
		bit := (r.buf[r.pos>>3] >> (7 - uint(r.pos&7))) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v, true
}

type bitWriter struct {
	buf []byte
	n   int
}

func (w *bitWriter) write(v uint32, bits int) {
	for i := bits - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << (7 - uint(w.n%8))
		}
		w.n++
	}
}

func (w *bitWriter) bytes() []byte { return w.buf }
