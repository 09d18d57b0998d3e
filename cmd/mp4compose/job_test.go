package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/mp4composer"
)

const jobsYAML = `
defaults:
  width: 1280
  height: 720
  fill_mode: crop
  filters: [grayscale]
jobs:
  - source: a.mp4
  - source: clips/b.mp4
    output: out/b.mp4
    width: 640
    height: 360
    time_scale: 2
    change_pitch: true
    filters: [sepia, "brightness=20"]
  - source: c.mp4
    fill_mode: custom
    custom_item:
      scale: 0.5
      translate_x: 0.25
`

func TestParseJobs_DefaultsAndOverrides(t *testing.T) {
	jobs, err := ParseJobs([]byte(jobsYAML))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	a := jobs[0]
	assert.Equal(t, "a.mp4", a.Source)
	assert.Equal(t, "a.composed.mp4", a.Output)
	assert.Equal(t, 1280, a.Width)
	assert.Equal(t, "crop", a.FillMode)
	assert.Equal(t, []string{"grayscale"}, a.Filters)
	assert.Equal(t, 1.0, a.TimeScale)
	assert.EqualValues(t, -1, a.TrimEndMs)

	b := jobs[1]
	assert.Equal(t, "out/b.mp4", b.Output)
	assert.Equal(t, 640, b.Width)
	assert.Equal(t, 360, b.Height)
	assert.Equal(t, 2.0, b.TimeScale)
	assert.True(t, b.ChangePitch)
	assert.Equal(t, []string{"sepia", "brightness=20"}, b.Filters)
	assert.Equal(t, []string{"grayscale"}, jobs[0].Filters, "override must not leak into other jobs")

	c := jobs[2]
	require.NotNil(t, c.CustomItem)
	assert.InDelta(t, 0.5, c.CustomItem.Scale, 1e-6)
	assert.InDelta(t, 0.25, c.CustomItem.TranslateX, 1e-6)
}

func TestParseJobs_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no jobs", "defaults:\n  width: 10\n"},
		{"missing source", "jobs:\n  - output: x.mp4\n"},
		{"bad type", "jobs:\n  - source: a.mp4\n    width: wide\n"},
		{"not yaml", "jobs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobs([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
	_, err := ParseJobs([]byte("jobs:\n  - output: x.mp4\n"))
	assert.ErrorIs(t, err, mp4composer.ErrInvalidConfig)
}

func TestLoadJobs_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobsYAML), 0o644))

	jobs, err := LoadJobs(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), jobs[0].Source)
	assert.Equal(t, filepath.Join(dir, "a.composed.mp4"), jobs[0].Output)
	assert.Equal(t, filepath.Join(dir, "clips", "b.mp4"), jobs[1].Source)
	assert.Equal(t, filepath.Join(dir, "out", "b.mp4"), jobs[1].Output)
}

func TestDefaultOutput(t *testing.T) {
	assert.Equal(t, filepath.Join("videos", "trip.composed.mp4"), DefaultOutput(filepath.Join("videos", "trip.mp4"), ""))
	assert.Equal(t, filepath.Join("done", "trip.composed.mp4"), DefaultOutput(filepath.Join("videos", "trip.MP4"), "done"))
}

func TestJob_Config(t *testing.T) {
	j := defaultJob()
	j.Source = "in.mp4"
	j.Output = "out.mp4"
	j.Width, j.Height = 480, 480
	j.Rotation = 90
	j.FillMode = "crop"
	j.FlipVertical = true
	j.TimeScale = 0.5
	j.TrimStartMs, j.TrimEndMs = 1000, 3000
	j.Filters = []string{"invert"}

	c, err := j.Config()
	require.NoError(t, err)
	assert.Equal(t, mp4composer.PathSource("in.mp4"), c.Source)
	assert.Equal(t, "out.mp4", c.DestinationPath)
	assert.Equal(t, mp4composer.Rotation90, c.Rotation)
	assert.Equal(t, mp4composer.FillModePreserveAspectCrop, c.FillMode)
	assert.True(t, c.FlipVertical)
	assert.Equal(t, 0.5, c.TimeScale)
	assert.EqualValues(t, 1000, c.TrimStartMs)
	assert.EqualValues(t, 3000, c.TrimEndMs)
	assert.NotNil(t, c.Filter)
	assert.Positive(t, c.AudioBitrate)

	j.Source = "content://media/42"
	c, err = j.Config()
	require.NoError(t, err)
	assert.Equal(t, mp4composer.URISource{URI: "content://media/42"}, c.Source)
}

func TestJob_ConfigErrors(t *testing.T) {
	base := defaultJob()
	base.Source, base.Output = "in.mp4", "out.mp4"

	tests := []struct {
		name   string
		modify func(*Job)
	}{
		{"unknown fill", func(j *Job) { j.FillMode = "stretch" }},
		{"custom without item", func(j *Job) { j.FillMode = "custom" }},
		{"unknown filter", func(j *Job) { j.Filters = []string{"vignette"} }},
		{"bad filter arg", func(j *Job) { j.Filters = []string{"brightness=lots"} }},
		{"odd rotation", func(j *Job) { j.Rotation = 45 }},
		{"trim reversed", func(j *Job) { j.TrimStartMs, j.TrimEndMs = 500, 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := base
			tt.modify(&j)
			_, err := j.Config()
			assert.Error(t, err)
		})
	}
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"-i", "in.mp4", "-speed", "2", "-filter", "grayscale, sepia", "-fill", "crop"})
	require.NoError(t, err)
	assert.Equal(t, "in.mp4", o.input)
	assert.Equal(t, 2.0, o.job.TimeScale)
	assert.Equal(t, []string{"grayscale", "sepia"}, o.job.Filters)
	assert.Equal(t, "crop", o.job.FillMode)
	assert.EqualValues(t, -1, o.job.TrimEndMs)

	_, err = parseFlags([]string{"-i", "in.mp4", "-job", "jobs.yaml"})
	assert.Error(t, err)
	_, err = parseFlags(nil)
	assert.Error(t, err)
}

func TestCodecSource(t *testing.T) {
	cs, err := codecSource(&options{encoders: "x264", decoders: "openh264"})
	require.NoError(t, err)
	assert.Equal(t, mp4composer.RegistryCodecs{Encoders: mp4composer.ProviderX264, Decoders: mp4composer.ProviderOpenH264}, cs)

	_, err = codecSource(&options{encoders: "ffmpeg", decoders: "auto"})
	assert.Error(t, err)
}

func TestRunBatch_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	r := &runner{log: hclog.NewNullLogger(), codecs: mp4composer.RegistryCodecs{}}
	jobs := []Job{defaultJob(), defaultJob(), defaultJob()}
	for i, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		jobs[i].Source = filepath.Join(dir, name)
		jobs[i].Output = DefaultOutput(jobs[i].Source, "")
	}

	err := r.runBatch(context.Background(), jobs, 2)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
	for _, e := range merr.Errors {
		assert.ErrorIs(t, e, mp4composer.ErrSourceOpen)
	}
}

func TestWatchable(t *testing.T) {
	assert.True(t, watchable("/in/clip.mp4"))
	assert.True(t, watchable("/in/CLIP.MP4"))
	assert.False(t, watchable("/in/clip.composed.mp4"))
	assert.False(t, watchable("/in/.clip.mp4"))
	assert.False(t, watchable("/in/clip.mov"))
}

func TestWatcher_SettlesOnce(t *testing.T) {
	w := newWatcher(&runner{log: hclog.NewNullLogger()}, defaultJob(), "in", "out")
	w.settle = 30 * time.Millisecond

	w.touch("in/a.mp4")
	time.Sleep(10 * time.Millisecond)
	w.touch("in/a.mp4")
	w.touch("in/b.mp4")
	w.forget("in/b.mp4")

	select {
	case p := <-w.ready:
		assert.Equal(t, "in/a.mp4", p)
	case <-time.After(time.Second):
		t.Fatal("no settled file")
	}
	select {
	case p := <-w.ready:
		t.Fatalf("unexpected second event for %s", p)
	case <-time.After(100 * time.Millisecond):
	}

	job := w.job("in/a.mp4")
	assert.Equal(t, "in/a.mp4", job.Source)
	assert.Equal(t, filepath.Join("out", "a.composed.mp4"), job.Output)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "["+repeat('#', 15)+repeat(' ', 15)+"]  50% a.mp4", bar("a.mp4", 0.5))
	assert.Contains(t, bar("a.mp4", 1.7), "100%")
	assert.Contains(t, bar("a.mp4", -1), "  0%")
}

func repeat(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
