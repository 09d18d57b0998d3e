package mp4composer

import (
	"fmt"
	"strings"
)

// MIME types understood by the demuxer, the codec registry and the container writer.
const (
	MIMEVideoHEVC  = "video/hevc"
	MIMEVideoAVC   = "video/avc"
	MIMEVideoMPEG4 = "video/mp4v-es"
	MIMEVideoH263  = "video/3gpp"
	MIMEAudioAAC   = "audio/mp4a-latm"
	MIMEAudioRaw   = "audio/raw"
	MIMEVideoRaw   = "video/raw"
)

// VideoMIMEPreference is the order in which output video codecs are tried.
var VideoMIMEPreference = []string{MIMEVideoHEVC, MIMEVideoAVC, MIMEVideoMPEG4, MIMEVideoH263}

// Color formats reported by decoders and requested from encoders.
// Values match the platform codec constants.
const (
	ColorFormatYUV420Planar     = 19
	ColorFormatYUV420SemiPlanar = 21
	ColorFormatSurface          = 0x7F000789
)

// TrackKind identifies the kind of an elementary stream.
type TrackKind int

const (
	TrackKindUnknown TrackKind = iota
	TrackKindVideo
	TrackKindAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackKindVideo:
		return "video"
	case TrackKindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// KindOf returns the track kind for a MIME type.
func KindOf(mime string) TrackKind {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return TrackKindVideo
	case strings.HasPrefix(mime, "audio/"):
		return TrackKindAudio
	default:
		return TrackKindUnknown
	}
}

// Format describes an elementary stream: what a demuxer track carries, what a
// decoder produces, or what an encoder is asked to produce.
type Format struct {
	MIME string

	// Video
	Width          int
	Height         int
	Rotation       int // degrees clockwise, 0/90/180/270
	FrameRate      int
	IFrameInterval int // seconds between key frames
	ColorFormat    int

	// Audio
	SampleRate   int
	ChannelCount int
	AACProfile   int

	BitRate      int
	DurationUs   int64
	MaxInputSize int

	// CSD holds codec specific data in the order the codec expects it:
	// AVC SPS then PPS, HEVC VPS+SPS+PPS, AAC AudioSpecificConfig.
	CSD [][]byte
}

// NewVideoFormat returns a video format with the given size.
func NewVideoFormat(mime string, width, height int) *Format {
	return &Format{MIME: mime, Width: width, Height: height}
}

// NewAudioFormat returns an audio format with the given layout.
func NewAudioFormat(mime string, sampleRate, channels int) *Format {
	return &Format{MIME: mime, SampleRate: sampleRate, ChannelCount: channels}
}

// Kind returns the track kind of the format.
func (f *Format) Kind() TrackKind { return KindOf(f.MIME) }

// Clone returns a deep copy of the format.
func (f *Format) Clone() *Format {
	if f == nil {
		return nil
	}
	c := *f
	if f.CSD != nil {
		c.CSD = make([][]byte, len(f.CSD))
		for i, b := range f.CSD {
			c.CSD[i] = append([]byte(nil), b...)
		}
	}
	return &c
}

func (f *Format) String() string {
	if f == nil {
		return "<nil>"
	}
	switch f.Kind() {
	case TrackKindVideo:
		return fmt.Sprintf("%s %dx%d rot=%d br=%d fps=%d", f.MIME, f.Width, f.Height, f.Rotation, f.BitRate, f.FrameRate)
	case TrackKindAudio:
		return fmt.Sprintf("%s %dHz ch=%d br=%d", f.MIME, f.SampleRate, f.ChannelCount, f.BitRate)
	default:
		return f.MIME
	}
}

// TrackInfo describes one track of a demuxed source. It is immutable once
// the demuxer has been opened.
type TrackInfo struct {
	Index   int    // index used with Demuxer.SelectTrack
	TrackID uint32 // container track id
	Format  *Format
}

// Kind returns the track kind.
func (t TrackInfo) Kind() TrackKind { return t.Format.Kind() }
