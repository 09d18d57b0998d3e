// Package mp4composer transcodes MP4 files: it decodes the video track,
// redraws every picture with a transform, re-encodes it and writes a new
// MP4 alongside the copied or re-encoded audio track.
//
// A job is configured with a Config and run by a Composer:
//
//	cfg := mp4composer.DefaultConfig()
//	cfg.Source = mp4composer.PathSource("in.mp4")
//	cfg.DestinationPath = "out.mp4"
//	cfg.OutputWidth, cfg.OutputHeight = 720, 720
//	cfg.FillMode = mp4composer.FillModePreserveAspectCrop
//	c, err := mp4composer.New(cfg)
//	if err != nil {
//		return err
//	}
//	return c.Run(ctx)
//
// # Pipeline
//
//	Demuxer -> video decoder -> DecoderSurface -> FrameCompositor -> encoder InputSurface -> video encoder -> SampleMuxer -> MP4Writer
//	Demuxer -> SampleMuxer                                                    (audio remux)
//	Demuxer -> audio decoder -> remixer -> TimeStretcher -> audio encoder -> SampleMuxer (audio remix)
//
// The compositor applies rotation, flips, aspect fit or crop, a custom
// placement and an optional Filter chain. Audio is copied unchanged unless
// the job changes speed or pitch, in which case it is decoded, remixed to
// the output channel count, time stretched and encoded again.
//
// # Codecs
//
// Codecs follow the MediaCodec buffer-queue model (see Codec) and come from
// a registry keyed by MIME type and Provider:
//   - ndk: platform codecs through libmediandk (linux, Android)
//   - x264 / openh264: software AVC through libmedia_h264
//   - custom: codecs registered by the application
//
// Native libraries are loaded at runtime with purego, so the package builds
// with CGO_ENABLED=0. Set MEDIA_SDK_LIB_PATH to the directory holding them.
//
// # Build Tags
//
//   - noh264: skip the software AVC provider
//   - nondk: skip the NDK provider
package mp4composer
