// Command mp4compose transcodes MP4 files: resize, rotate, crop, flip,
// speed change, trim and pixel filters. It runs a single job from flags, a
// batch from a YAML job file, or watches a directory for new recordings.
//
// Usage:
//
//	mp4compose -i in.mp4 -o out.mp4 -width 1280 -height 720 -fill crop
//	mp4compose -job jobs.yaml -parallel 4
//	mp4compose -watch ./incoming -out-dir ./done -metrics-addr :9090
//	mp4compose -probe -i in.mp4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thesyncim/mp4composer"
)

type options struct {
	input, output string
	jobFile       string
	watchDir      string
	outDir        string
	parallel      int
	metricsAddr   string
	probe         bool
	encoders      string
	decoders      string
	filters       string
	videoMIME     string
	job           Job
}

func parseFlags(args []string) (*options, error) {
	o := &options{job: defaultJob()}
	fs := flag.NewFlagSet("mp4compose", flag.ContinueOnError)
	fs.StringVar(&o.input, "i", "", "source file or URI")
	fs.StringVar(&o.output, "o", "", "output file (default <name>.composed.mp4)")
	fs.StringVar(&o.jobFile, "job", "", "YAML job file")
	fs.StringVar(&o.watchDir, "watch", "", "directory to watch for new sources")
	fs.StringVar(&o.outDir, "out-dir", "", "output directory for watch mode")
	fs.IntVar(&o.parallel, "parallel", max(runtime.NumCPU()/2, 1), "jobs to run at once")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.probe, "probe", false, "print source information and exit")
	fs.StringVar(&o.encoders, "encoders", "auto", "encoder provider (auto, ndk, x264, custom)")
	fs.StringVar(&o.decoders, "decoders", "auto", "decoder provider (auto, ndk, openh264, custom)")

	j := &o.job
	fs.IntVar(&j.Width, "width", 0, "output width (0 keeps the source size)")
	fs.IntVar(&j.Height, "height", 0, "output height")
	fs.IntVar(&j.Bitrate, "bitrate", 0, "video bitrate in bits per second")
	fs.IntVar(&j.AudioBitrate, "audio-bitrate", 0, "audio bitrate when audio is re-encoded")
	fs.IntVar(&j.Rotation, "rotation", 0, "extra clockwise rotation: 0, 90, 180 or 270")
	fs.StringVar(&j.FillMode, "fill", "fit", "fill mode: fit, crop")
	fs.BoolVar(&j.FlipHorizontal, "flip-h", false, "mirror horizontally")
	fs.BoolVar(&j.FlipVertical, "flip-v", false, "mirror vertically")
	fs.Float64Var(&j.TimeScale, "speed", 1, "playback speed factor")
	fs.BoolVar(&j.ChangePitch, "pitch", false, "let audio pitch follow the speed")
	fs.Int64Var(&j.TrimStartMs, "trim-start", 0, "trim start in milliseconds")
	fs.Int64Var(&j.TrimEndMs, "trim-end", -1, "trim end in milliseconds (-1 keeps the rest)")
	fs.BoolVar(&j.Mute, "mute", false, "drop the audio track")
	fs.StringVar(&o.filters, "filter", "", "comma separated filters, e.g. grayscale,sepia")
	fs.StringVar(&o.videoMIME, "video-mime", "", "comma separated output codec preference")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	j.Filters = splitList(o.filters)
	j.VideoMIME = splitList(o.videoMIME)

	modes := 0
	for _, set := range []bool{o.input != "", o.jobFile != "", o.watchDir != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return nil, errors.New("exactly one of -i, -job and -watch is required")
	}
	return o, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func newLogger() hclog.Logger {
	level := hclog.LevelFromString(os.Getenv("MP4COMPOSE_LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "mp4compose",
		Level:  level,
		Output: os.Stderr,
		Color:  hclog.AutoColor,
	})
}

func codecSource(o *options) (mp4composer.CodecSource, error) {
	enc, ok := mp4composer.ParseProvider(o.encoders)
	if !ok {
		return nil, fmt.Errorf("unknown encoder provider %q", o.encoders)
	}
	dec, ok := mp4composer.ParseProvider(o.decoders)
	if !ok {
		return nil, fmt.Errorf("unknown decoder provider %q", o.decoders)
	}
	return mp4composer.RegistryCodecs{Encoders: enc, Decoders: dec}, nil
}

// serveMetrics starts the metrics endpoint and returns a function that shuts
// it down.
func serveMetrics(addr string, reg *prometheus.Registry, log hclog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func probe(src string) error {
	var h mp4composer.SourceHandle = mp4composer.PathSource(src)
	if strings.Contains(src, "://") {
		h = mp4composer.URISource{URI: src}
	}
	info, err := mp4composer.ProbeSource(h)
	if err != nil {
		return err
	}
	fmt.Printf("duration:  %s\n", time.Duration(info.DurationUs)*time.Microsecond)
	fmt.Printf("video:     %s %dx%d rotation %d\n", info.VideoMIME, info.Width, info.Height, info.Rotation)
	if info.Audio != nil {
		fmt.Printf("audio:     %s %d Hz, %d channels\n", info.Audio.MIME, info.Audio.SampleRate, info.Audio.ChannelCount)
	} else {
		fmt.Println("audio:     none")
	}
	return nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	if o.probe {
		if o.input == "" {
			return errors.New("-probe needs -i")
		}
		return probe(o.input)
	}

	log := newLogger()
	codecs, err := codecSource(o)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r := &runner{
		log:     log,
		codecs:  codecs,
		metrics: mp4composer.NewMetrics(reg),
		board:   newProgressBoard(log),
	}
	if o.metricsAddr != "" {
		defer serveMetrics(o.metricsAddr, reg, log)()
	}

	switch {
	case o.watchDir != "":
		return newWatcher(r, o.job, o.watchDir, o.outDir).run(ctx, o.parallel)
	case o.jobFile != "":
		jobs, err := LoadJobs(o.jobFile)
		if err != nil {
			return err
		}
		log.Info("running batch", "jobs", len(jobs), "parallel", o.parallel)
		return r.runBatch(ctx, jobs, o.parallel)
	default:
		job := o.job
		job.Source = o.input
		job.Output = o.output
		if job.Output == "" {
			job.Output = DefaultOutput(job.Source, "")
		}
		return r.run(ctx, job)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "mp4compose:", err)
		if errors.Is(err, mp4composer.ErrCanceled) || errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
