package mp4composer

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/abema/go-mp4"
	"github.com/hashicorp/go-hclog"
)

// ContainerWriter stores encoded samples in a media container. Tracks are
// added before Start; samples are written after it.
type ContainerWriter interface {
	AddTrack(format *Format) (int, error)
	Start() error
	WriteSampleData(track int, data []byte, info BufferInfo) error
	Stop() error
	Release() error
}

const (
	movieTimescale = 1000
	videoTimescale = 90000
)

var boxTypeD263 = mp4.StrToBoxType("d263")

// d263Box is the H263SpecificBox of 3GPP TS 26.244.
type d263Box struct {
	mp4.Box
	Vendor         [4]byte `mp4:"0,size=8,string"`
	DecoderVersion uint8   `mp4:"1,size=8"`
	Level          uint8   `mp4:"2,size=8"`
	Profile        uint8   `mp4:"3,size=8"`
}

func (*d263Box) GetType() mp4.BoxType { return boxTypeD263 }

func init() {
	mp4.AddAnyTypeBoxDef(&mp4.VisualSampleEntry{}, boxTypeS263)
	mp4.AddAnyTypeBoxDef(&mp4.VisualSampleEntry{}, boxTypeAvc3)
	mp4.AddBoxDef(&d263Box{})
}

type writtenSample struct {
	offset int64
	size   uint32
	ptsUs  int64
	sync   bool
}

type writerTrack struct {
	id        uint32
	format    *Format
	timescale uint32
	samples   []writtenSample
}

func (t *writerTrack) ticks(us int64) uint64 {
	return uint64(us * int64(t.timescale) / 1_000_000)
}

// defaultDeltaUs is the duration given to the last sample of a track.
func (t *writerTrack) defaultDeltaUs() int64 {
	n := len(t.samples)
	if n >= 2 {
		return t.samples[n-1].ptsUs - t.samples[n-2].ptsUs
	}
	if t.format.Kind() == TrackKindAudio && t.format.SampleRate > 0 {
		return 1024 * 1_000_000 / int64(t.format.SampleRate)
	}
	if t.format.FrameRate > 0 {
		return 1_000_000 / int64(t.format.FrameRate)
	}
	return 33_333
}

func (t *writerTrack) durationUs() int64 {
	if len(t.samples) == 0 {
		return 0
	}
	return t.samples[len(t.samples)-1].ptsUs - t.samples[0].ptsUs + t.defaultDeltaUs()
}

type writerState int

const (
	writerInit writerState = iota
	writerStarted
	writerStopped
	writerReleased
)

// MP4Writer writes a progressive MPEG-4 file: ftyp, mdat, then moov.
// Every sample is its own chunk.
type MP4Writer struct {
	w      *mp4.Writer
	out    io.WriteSeeker
	closer io.Closer
	log    hclog.Logger

	state  writerState
	tracks []*writerTrack
}

// NewMP4Writer writes to out. The caller keeps ownership of out.
func NewMP4Writer(out io.WriteSeeker, logger hclog.Logger) *MP4Writer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MP4Writer{w: mp4.NewWriter(out), out: out, log: logger}
}

// CreateMP4File creates or truncates path and writes to it. Release closes
// the file.
func CreateMP4File(path string, logger hclog.Logger) (*MP4Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	mw := NewMP4Writer(f, logger)
	mw.closer = f
	return mw, nil
}

func (m *MP4Writer) AddTrack(format *Format) (int, error) {
	if m.state != writerInit {
		return 0, fmt.Errorf("%w: add track after start", ErrMuxerState)
	}
	if _, ok := sampleEntryType(format.MIME); !ok {
		return 0, fmt.Errorf("%w: %s in mp4", ErrCodecNotSupported, format.MIME)
	}
	t := &writerTrack{id: uint32(len(m.tracks) + 1), format: format.Clone(), timescale: videoTimescale}
	if format.Kind() == TrackKindAudio && format.SampleRate > 0 {
		t.timescale = uint32(format.SampleRate)
	}
	m.tracks = append(m.tracks, t)
	m.log.Debug("track added", "track", len(m.tracks)-1, "format", format.String())
	return len(m.tracks) - 1, nil
}

func (m *MP4Writer) Start() error {
	if m.state != writerInit {
		return fmt.Errorf("%w: start twice", ErrMuxerState)
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("%w: no tracks", ErrMuxerState)
	}
	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeFtyp()}); err != nil {
		return err
	}
	ftyp := &mp4.Ftyp{
		MajorBrand:   [4]byte{'m', 'p', '4', '2'},
		MinorVersion: 0,
		CompatibleBrands: []mp4.CompatibleBrandElem{
			{CompatibleBrand: [4]byte{'i', 's', 'o', 'm'}},
			{CompatibleBrand: [4]byte{'m', 'p', '4', '2'}},
		},
	}
	if _, err := mp4.Marshal(m.w, ftyp, mp4.Context{}); err != nil {
		return err
	}
	if _, err := m.w.EndBox(); err != nil {
		return err
	}
	// large header so the size can be patched past 4 GiB
	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: mp4.BoxTypeMdat(), HeaderSize: mp4.LargeHeaderSize, Size: mp4.LargeHeaderSize}); err != nil {
		return err
	}
	m.state = writerStarted
	return nil
}

func (m *MP4Writer) WriteSampleData(track int, data []byte, info BufferInfo) error {
	if m.state != writerStarted {
		return fmt.Errorf("%w: write before start or after stop", ErrMuxerState)
	}
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("%w: track %d", ErrInvalidIndex, track)
	}
	if info.Flags.Has(BufferFlagCodecConfig) {
		return nil
	}
	t := m.tracks[track]
	if n := len(t.samples); n > 0 && info.PresentationTimeUs < t.samples[n-1].ptsUs {
		return fmt.Errorf("%w: track %d at %dus after %dus", ErrTimestampRegression, track, info.PresentationTimeUs, t.samples[n-1].ptsUs)
	}
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(data) {
		return fmt.Errorf("%w: sample region outside buffer", ErrBufferTooSmall)
	}
	payload := data[info.Offset : info.Offset+info.Size]
	if mime := t.format.MIME; mime == MIMEVideoAVC || mime == MIMEVideoHEVC {
		payload = annexBToLengthPrefixed(payload)
	}

	off, err := m.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := m.w.Write(payload); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	t.samples = append(t.samples, writtenSample{
		offset: off,
		size:   uint32(len(payload)),
		ptsUs:  info.PresentationTimeUs,
		sync:   info.Flags.Has(BufferFlagKeyFrame) || t.format.Kind() == TrackKindAudio,
	})
	return nil
}

// Stop finishes mdat and writes the movie header.
func (m *MP4Writer) Stop() error {
	if m.state != writerStarted {
		return fmt.Errorf("%w: stop without start", ErrMuxerState)
	}
	m.state = writerStopped
	if _, err := m.w.EndBox(); err != nil {
		return fmt.Errorf("finish mdat: %w", err)
	}
	if err := m.writeMoov(); err != nil {
		return fmt.Errorf("write moov: %w", err)
	}
	for i, t := range m.tracks {
		m.log.Debug("track written", "track", i, "samples", len(t.samples), "duration_us", t.durationUs())
	}
	return nil
}

func (m *MP4Writer) Release() error {
	if m.state == writerReleased {
		return nil
	}
	m.state = writerReleased
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *MP4Writer) box(t mp4.BoxType, payload mp4.IImmutableBox, children ...func() error) error {
	if _, err := m.w.StartBox(&mp4.BoxInfo{Type: t}); err != nil {
		return err
	}
	if payload != nil {
		if _, err := mp4.Marshal(m.w, payload, mp4.Context{}); err != nil {
			return fmt.Errorf("marshal %s: %w", t, err)
		}
	}
	for _, c := range children {
		if err := c(); err != nil {
			return err
		}
	}
	_, err := m.w.EndBox()
	return err
}

func (m *MP4Writer) leaf(t mp4.BoxType, payload mp4.IImmutableBox) func() error {
	return func() error { return m.box(t, payload) }
}

func (m *MP4Writer) writeMoov() error {
	var movieDurUs int64
	for _, t := range m.tracks {
		movieDurUs = max(movieDurUs, t.durationUs())
	}
	mvhd := &mp4.Mvhd{
		Timescale:   movieTimescale,
		DurationV0:  uint32(movieDurUs * movieTimescale / 1_000_000),
		Rate:        0x00010000,
		Volume:      0x0100,
		Matrix:      rotationMatrix(0),
		NextTrackID: uint32(len(m.tracks) + 1),
	}
	children := []func() error{m.leaf(mp4.BoxTypeMvhd(), mvhd)}
	for _, t := range m.tracks {
		children = append(children, m.trak(t))
	}
	return m.box(mp4.BoxTypeMoov(), nil, children...)
}

func (m *MP4Writer) trak(t *writerTrack) func() error {
	return func() error {
		video := t.format.Kind() == TrackKindVideo
		tkhd := &mp4.Tkhd{
			TrackID:    t.id,
			DurationV0: uint32(t.durationUs() * movieTimescale / 1_000_000),
			Matrix:     rotationMatrix(0),
		}
		tkhd.SetFlags(0x000003) // enabled, in movie
		if video {
			tkhd.Matrix = rotationMatrix(t.format.Rotation)
			tkhd.Width = uint32(t.format.Width) << 16
			tkhd.Height = uint32(t.format.Height) << 16
		} else {
			tkhd.Volume = 0x0100
		}

		mdhd := &mp4.Mdhd{Timescale: t.timescale, Language: [3]byte{'u' - 0x60, 'n' - 0x60, 'd' - 0x60}}
		if d := t.ticks(t.durationUs()); d > math.MaxUint32 {
			mdhd.SetVersion(1)
			mdhd.DurationV1 = d
		} else {
			mdhd.DurationV0 = uint32(d)
		}

		hdlr := &mp4.Hdlr{HandlerType: [4]byte{'s', 'o', 'u', 'n'}, Name: "SoundHandle"}
		mediaHeader := m.leaf(mp4.BoxTypeSmhd(), &mp4.Smhd{})
		if video {
			hdlr = &mp4.Hdlr{HandlerType: [4]byte{'v', 'i', 'd', 'e'}, Name: "VideoHandle"}
			vmhd := &mp4.Vmhd{}
			vmhd.SetFlags(0x000001)
			mediaHeader = m.leaf(mp4.BoxTypeVmhd(), vmhd)
		}

		url := &mp4.Url{}
		url.SetFlags(0x000001) // media in this file
		dinf := func() error {
			return m.box(mp4.BoxTypeDinf(), nil, func() error {
				return m.box(mp4.BoxTypeDref(), &mp4.Dref{EntryCount: 1}, m.leaf(mp4.BoxTypeUrl(), url))
			})
		}

		minf := func() error {
			return m.box(mp4.BoxTypeMinf(), nil, mediaHeader, dinf, m.stbl(t))
		}
		mdia := func() error {
			return m.box(mp4.BoxTypeMdia(), nil, m.leaf(mp4.BoxTypeMdhd(), mdhd), m.leaf(mp4.BoxTypeHdlr(), hdlr), minf)
		}
		return m.box(mp4.BoxTypeTrak(), nil, m.leaf(mp4.BoxTypeTkhd(), tkhd), mdia)
	}
}

func (m *MP4Writer) stbl(t *writerTrack) func() error {
	return func() error {
		n := len(t.samples)

		stts := &mp4.Stts{}
		for i := range t.samples {
			var delta int64
			if i+1 < n {
				delta = int64(t.ticks(t.samples[i+1].ptsUs) - t.ticks(t.samples[i].ptsUs))
			} else {
				delta = int64(t.ticks(t.defaultDeltaUs()))
			}
			if k := len(stts.Entries); k > 0 && int64(stts.Entries[k-1].SampleDelta) == delta {
				stts.Entries[k-1].SampleCount++
				continue
			}
			stts.Entries = append(stts.Entries, mp4.SttsEntry{SampleCount: 1, SampleDelta: uint32(delta)})
		}
		stts.EntryCount = uint32(len(stts.Entries))

		stsc := &mp4.Stsc{EntryCount: 1, Entries: []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}}
		if n == 0 {
			stsc.EntryCount, stsc.Entries = 0, nil
		}

		stsz := &mp4.Stsz{SampleCount: uint32(n), EntrySize: make([]uint32, n)}
		large := false
		allSync := true
		for i, s := range t.samples {
			stsz.EntrySize[i] = s.size
			large = large || s.offset > math.MaxUint32
			allSync = allSync && s.sync
		}

		children := []func() error{
			m.stsd(t),
			m.leaf(mp4.BoxTypeStts(), stts),
		}
		if t.format.Kind() == TrackKindVideo && !allSync {
			stss := &mp4.Stss{}
			for i, s := range t.samples {
				if s.sync {
					stss.SampleNumber = append(stss.SampleNumber, uint32(i+1))
				}
			}
			stss.EntryCount = uint32(len(stss.SampleNumber))
			children = append(children, m.leaf(mp4.BoxTypeStss(), stss))
		}
		children = append(children, m.leaf(mp4.BoxTypeStsc(), stsc), m.leaf(mp4.BoxTypeStsz(), stsz))
		if large {
			co64 := &mp4.Co64{EntryCount: uint32(n), ChunkOffset: make([]uint64, n)}
			for i, s := range t.samples {
				co64.ChunkOffset[i] = uint64(s.offset)
			}
			children = append(children, m.leaf(mp4.BoxTypeCo64(), co64))
		} else {
			stco := &mp4.Stco{EntryCount: uint32(n), ChunkOffset: make([]uint32, n)}
			for i, s := range t.samples {
				stco.ChunkOffset[i] = uint32(s.offset)
			}
			children = append(children, m.leaf(mp4.BoxTypeStco(), stco))
		}
		return m.box(mp4.BoxTypeStbl(), nil, children...)
	}
}

func sampleEntryType(mime string) (mp4.BoxType, bool) {
	switch mime {
	case MIMEVideoAVC:
		return mp4.BoxTypeAvc1(), true
	case MIMEVideoHEVC:
		return mp4.BoxTypeHvc1(), true
	case MIMEVideoMPEG4:
		return mp4.BoxTypeMp4v(), true
	case MIMEVideoH263:
		return boxTypeS263, true
	case MIMEAudioAAC:
		return mp4.BoxTypeMp4a(), true
	}
	return mp4.BoxType{}, false
}

func (m *MP4Writer) stsd(t *writerTrack) func() error {
	return func() error {
		f := t.format
		entryType, _ := sampleEntryType(f.MIME)
		var entry func() error
		switch f.Kind() {
		case TrackKindVideo:
			vse := &mp4.VisualSampleEntry{
				SampleEntry:     mp4.SampleEntry{AnyTypeBox: mp4.AnyTypeBox{Type: entryType}, DataReferenceIndex: 1},
				Width:           uint16(f.Width),
				Height:          uint16(f.Height),
				Horizresolution: 0x00480000,
				Vertresolution:  0x00480000,
				FrameCount:      1,
				Depth:           0x0018,
				PreDefined3:     -1,
			}
			var config func() error
			switch f.MIME {
			case MIMEVideoAVC:
				config = m.leaf(mp4.BoxTypeAvcC(), avcConfig(f.CSD))
			case MIMEVideoHEVC:
				config = m.leaf(mp4.BoxTypeHvcC(), hevcConfig(f.CSD))
			case MIMEVideoMPEG4:
				config = m.leaf(mp4.BoxTypeEsds(), esdsBox(1, 0x20, 4, f, firstCSD(f)))
			case MIMEVideoH263:
				config = m.leaf(boxTypeD263, &d263Box{Vendor: [4]byte{'m', 'c', 'p', 's'}, Level: 10})
			}
			entry = func() error { return m.box(entryType, vse, config) }
		default:
			ase := &mp4.AudioSampleEntry{
				SampleEntry:  mp4.SampleEntry{AnyTypeBox: mp4.AnyTypeBox{Type: entryType}, DataReferenceIndex: 1},
				ChannelCount: uint16(f.ChannelCount),
				SampleSize:   16,
				SampleRate:   uint32(f.SampleRate) << 16,
			}
			asc := firstCSD(f)
			if asc == nil {
				asc = buildAudioSpecificConfig(2, f.SampleRate, f.ChannelCount)
			}
			entry = func() error {
				return m.box(entryType, ase, m.leaf(mp4.BoxTypeEsds(), esdsBox(2, 0x40, 5, f, asc)))
			}
		}
		return m.box(mp4.BoxTypeStsd(), &mp4.Stsd{EntryCount: 1}, entry)
	}
}

func firstCSD(f *Format) []byte {
	if len(f.CSD) == 0 || len(f.CSD[0]) == 0 {
		return nil
	}
	return f.CSD[0]
}

// descriptor header: one tag byte and a four byte size.
const descrHeader = 5

func esdsBox(esID uint16, objectType byte, streamType int8, f *Format, dsi []byte) *mp4.Esds {
	decConfigSize := 13
	if dsi != nil {
		decConfigSize += descrHeader + len(dsi)
	}
	esSize := 3 + descrHeader + decConfigSize + descrHeader + 1
	bitrate := uint32(max(f.BitRate, 0))
	descs := []mp4.Descriptor{
		{
			Tag:          mp4.ESDescrTag,
			Size:         uint32(esSize),
			ESDescriptor: &mp4.ESDescriptor{ESID: esID},
		},
		{
			Tag:  mp4.DecoderConfigDescrTag,
			Size: uint32(decConfigSize),
			DecoderConfigDescriptor: &mp4.DecoderConfigDescriptor{
				ObjectTypeIndication: objectType,
				StreamType:           streamType,
				Reserved:             true,
				MaxBitrate:           bitrate,
				AvgBitrate:           bitrate,
			},
		},
	}
	if dsi != nil {
		descs = append(descs, mp4.Descriptor{Tag: mp4.DecSpecificInfoTag, Size: uint32(len(dsi)), Data: dsi})
	}
	descs = append(descs, mp4.Descriptor{Tag: mp4.SLConfigDescrTag, Size: 1, Data: []byte{0x02}})
	return &mp4.Esds{Descriptors: descs}
}

// parameterSets splits CSD buffers into NAL units without start codes.
func parameterSets(csd [][]byte) [][]byte {
	var nals [][]byte
	for _, b := range csd {
		if isAnnexB(b) {
			nals = append(nals, splitAnnexB(b)...)
		} else if len(b) > 0 {
			nals = append(nals, b)
		}
	}
	return nals
}

func avcConfig(csd [][]byte) *mp4.AVCDecoderConfiguration {
	c := &mp4.AVCDecoderConfiguration{
		AnyTypeBox:           mp4.AnyTypeBox{Type: mp4.BoxTypeAvcC()},
		ConfigurationVersion: 1,
		Reserved:             0x3f,
		LengthSizeMinusOne:   3,
		Reserved2:            0x7,
	}
	for _, nal := range parameterSets(csd) {
		ps := mp4.AVCParameterSet{Length: uint16(len(nal)), NALUnit: nal}
		switch nal[0] & 0x1f {
		case 7:
			if len(c.SequenceParameterSets) == 0 && len(nal) >= 4 {
				c.Profile, c.ProfileCompatibility, c.Level = nal[1], nal[2], nal[3]
			}
			c.SequenceParameterSets = append(c.SequenceParameterSets, ps)
		case 8:
			c.PictureParameterSets = append(c.PictureParameterSets, ps)
		}
	}
	c.NumOfSequenceParameterSets = uint8(len(c.SequenceParameterSets))
	c.NumOfPictureParameterSets = uint8(len(c.PictureParameterSets))
	return c
}

func hevcConfig(csd [][]byte) *mp4.HvcC {
	c := &mp4.HvcC{
		ConfigurationVersion: 1,
		Reserved1:            0xf,
		Reserved2:            0x3f,
		Reserved3:            0x3f,
		ChromaFormatIdc:      1,
		Reserved4:            0x1f,
		Reserved5:            0x1f,
		NumTemporalLayers:    1,
		TemporalIdNested:     1,
		LengthSizeMinusOne:   3,
	}
	arrays := map[uint8]*mp4.HEVCNaluArray{}
	var order []uint8
	for _, nal := range parameterSets(csd) {
		if len(nal) < 2 {
			continue
		}
		typ := (nal[0] >> 1) & 0x3f
		if typ == 33 && len(nal) >= 15 && c.GeneralProfileIdc == 0 {
			// profile_tier_level follows the two byte header and one byte of ids
			ptl := nal[3:]
			c.GeneralProfileSpace = ptl[0] >> 6
			c.GeneralTierFlag = ptl[0]&0x20 != 0
			c.GeneralProfileIdc = ptl[0] & 0x1f
			for i := 0; i < 32; i++ {
				c.GeneralProfileCompatibility[i] = ptl[1+i/8]&(0x80>>uint(i%8)) != 0
			}
			copy(c.GeneralConstraintIndicator[:], ptl[5:11])
			c.GeneralLevelIdc = ptl[11]
		}
		a, ok := arrays[typ]
		if !ok {
			a = &mp4.HEVCNaluArray{Completeness: true, NaluType: typ}
			arrays[typ] = a
			order = append(order, typ)
		}
		a.Nalus = append(a.Nalus, mp4.HEVCNalu{Length: uint16(len(nal)), NALUnit: nal})
		a.NumNalus++
	}
	for _, typ := range order {
		c.NaluArrays = append(c.NaluArrays, *arrays[typ])
	}
	c.NumOfNaluArrays = uint8(len(c.NaluArrays))
	return c
}
