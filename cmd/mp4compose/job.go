package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thesyncim/mp4composer"
)

// Job is one transcode as written in a job file or assembled from flags.
type Job struct {
	Source       string `yaml:"source"`
	Output       string `yaml:"output"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Bitrate      int    `yaml:"bitrate"`
	AudioBitrate int    `yaml:"audio_bitrate"`

	Mute           bool                            `yaml:"mute"`
	Rotation       int                             `yaml:"rotation"`
	FillMode       string                          `yaml:"fill_mode"`
	CustomItem     *mp4composer.FillModeCustomItem `yaml:"custom_item"`
	FlipHorizontal bool                            `yaml:"flip_horizontal"`
	FlipVertical   bool                            `yaml:"flip_vertical"`

	TimeScale   float64 `yaml:"time_scale"`
	ChangePitch bool    `yaml:"change_pitch"`
	TrimStartMs int64   `yaml:"trim_start_ms"`
	TrimEndMs   int64   `yaml:"trim_end_ms"`

	Filters   []string `yaml:"filters"`
	VideoMIME []string `yaml:"video_mime"`
}

// jobFile is the YAML layout: shared defaults and a job list whose entries
// override them field by field.
type jobFile struct {
	Defaults yaml.Node   `yaml:"defaults"`
	Jobs     []yaml.Node `yaml:"jobs"`
}

func defaultJob() Job {
	return Job{TimeScale: 1, TrimEndMs: -1}
}

// LoadJobs reads a job file. Relative source and output paths are resolved
// against the file's directory.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jobs, err := ParseJobs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range jobs {
		jobs[i].Source = resolve(dir, jobs[i].Source)
		jobs[i].Output = resolve(dir, jobs[i].Output)
	}
	return jobs, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") {
		return p
	}
	return filepath.Join(dir, p)
}

// ParseJobs decodes job file contents.
func ParseJobs(data []byte) ([]Job, error) {
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	base := defaultJob()
	if !f.Defaults.IsZero() {
		if err := f.Defaults.Decode(&base); err != nil {
			return nil, fmt.Errorf("defaults: %w", err)
		}
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs", mp4composer.ErrInvalidConfig)
	}
	jobs := make([]Job, 0, len(f.Jobs))
	for i := range f.Jobs {
		j := base
		j.Filters = append([]string(nil), base.Filters...)
		if err := f.Jobs[i].Decode(&j); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		if j.Source == "" {
			return nil, fmt.Errorf("%w: job %d has no source", mp4composer.ErrInvalidConfig, i)
		}
		if j.Output == "" {
			j.Output = DefaultOutput(j.Source, "")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// DefaultOutput names the output of source: "<name>.composed.mp4" in dir, or
// next to the source when dir is empty.
func DefaultOutput(source, dir string) string {
	base := filepath.Base(source)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ".composed.mp4"
	if dir == "" {
		dir = filepath.Dir(source)
	}
	return filepath.Join(dir, name)
}

// Config converts the job into a library configuration.
func (j Job) Config() (mp4composer.Config, error) {
	c := mp4composer.DefaultConfig()
	if strings.Contains(j.Source, "://") {
		c.Source = mp4composer.URISource{URI: j.Source}
	} else {
		c.Source = mp4composer.PathSource(j.Source)
	}
	c.DestinationPath = j.Output
	c.OutputWidth, c.OutputHeight = j.Width, j.Height
	c.Bitrate = j.Bitrate
	if j.AudioBitrate > 0 {
		c.AudioBitrate = j.AudioBitrate
	}
	c.Mute = j.Mute
	c.Rotation = mp4composer.Rotation(j.Rotation)
	fill, err := mp4composer.ParseFillMode(j.FillMode)
	if err != nil {
		return c, err
	}
	c.FillMode = fill
	c.CustomItem = j.CustomItem
	c.FlipHorizontal, c.FlipVertical = j.FlipHorizontal, j.FlipVertical
	if j.TimeScale > 0 {
		c.TimeScale = j.TimeScale
	}
	c.ChangePitch = j.ChangePitch
	c.TrimStartMs, c.TrimEndMs = j.TrimStartMs, j.TrimEndMs
	c.VideoMIME = j.VideoMIME

	if len(j.Filters) > 0 {
		filters := make([]mp4composer.Filter, 0, len(j.Filters))
		for _, spec := range j.Filters {
			f, err := mp4composer.ParseFilter(spec)
			if err != nil {
				return c, err
			}
			filters = append(filters, f)
		}
		c.Filter = mp4composer.NewFilterChain(filters...)
	}
	return c, c.Validate()
}
