package mp4composer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the transcoder. A nil *Metrics
// records nothing.
type Metrics struct {
	JobsTotal        *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	JobsInProgress   prometheus.Gauge
	FramesRendered   prometheus.Counter
	SamplesWritten   *prometheus.CounterVec
	BytesWritten     *prometheus.CounterVec
	AudioSamplesPCM  prometheus.Counter
	TeardownFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mp4composer_jobs_total",
				Help: "Total number of transcode jobs by final state",
			},
			[]string{"status"},
		),
		JobDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mp4composer_job_duration_seconds",
				Help:    "Transcode job duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		JobsInProgress: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mp4composer_jobs_in_progress",
				Help: "Number of transcode jobs currently running",
			},
		),
		FramesRendered: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mp4composer_frames_rendered_total",
				Help: "Total number of video frames composited and sent to an encoder",
			},
		),
		SamplesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mp4composer_samples_written_total",
				Help: "Total number of encoded samples written to output containers",
			},
			[]string{"kind"},
		),
		BytesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mp4composer_bytes_written_total",
				Help: "Total number of encoded sample bytes written to output containers",
			},
			[]string{"kind"},
		),
		AudioSamplesPCM: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mp4composer_audio_pcm_samples_total",
				Help: "Total number of PCM samples fed to audio encoders after remix and time stretch",
			},
		),
		TeardownFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mp4composer_teardown_failures_total",
				Help: "Total number of resources that failed to release",
			},
		),
	}
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.JobsInProgress.Inc()
}

func (m *Metrics) jobFinished(state State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsInProgress.Dec()
	m.JobsTotal.WithLabelValues(state.String()).Inc()
	m.JobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) frameRendered() {
	if m == nil {
		return
	}
	m.FramesRendered.Inc()
}

func (m *Metrics) sampleWritten(kind TrackKind, size int) {
	if m == nil {
		return
	}
	m.SamplesWritten.WithLabelValues(kind.String()).Inc()
	m.BytesWritten.WithLabelValues(kind.String()).Add(float64(size))
}

func (m *Metrics) pcmFed(samples int) {
	if m == nil {
		return
	}
	m.AudioSamplesPCM.Add(float64(samples))
}

func (m *Metrics) teardownFailed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TeardownFailures.Add(float64(n))
}
