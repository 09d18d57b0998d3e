package mp4composer

import (
	"fmt"
	"io"

	"github.com/abema/go-mp4"
)

// MediaInfo summarizes a source file.
type MediaInfo struct {
	DurationUs int64
	Width      int
	Height     int
	Rotation   int
	VideoMIME  string
	HasAudio   bool
	Audio      *Format // nil without an audio track
}

// ProbeMedia reads the movie header of r. The movie duration comes from
// mvhd, falling back to the longest track.
func ProbeMedia(r io.ReadSeeker) (*MediaInfo, error) {
	info, err := mp4.Probe(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	d, err := NewDemuxer(r, nil)
	if err != nil {
		return nil, err
	}
	mi := &MediaInfo{}
	if info.Timescale > 0 {
		mi.DurationUs = int64(info.Duration) * 1_000_000 / int64(info.Timescale)
	}
	video := false
	var longest int64
	for _, t := range d.Tracks() {
		f := t.Format
		longest = max(longest, f.DurationUs)
		switch f.Kind() {
		case TrackKindVideo:
			if !video {
				video = true
				mi.Width, mi.Height, mi.Rotation, mi.VideoMIME = f.Width, f.Height, f.Rotation, f.MIME
			}
		case TrackKindAudio:
			if !mi.HasAudio {
				mi.HasAudio = true
				mi.Audio = f
			}
		}
	}
	if !video {
		return nil, ErrNoVideoTrack
	}
	if mi.DurationUs <= 0 {
		mi.DurationUs = longest
	}
	return mi, nil
}

// ProbeSource opens src, probes it and closes it again.
func ProbeSource(src SourceHandle) (*MediaInfo, error) {
	s, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return ProbeMedia(s)
}
