package mp4composer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		c := DefaultConfig()
		c.Source = PathSource("in.mp4")
		c.DestinationPath = "out.mp4"
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no source", mutate: func(c *Config) { c.Source = nil }, want: ErrInvalidConfig},
		{name: "no destination", mutate: func(c *Config) { c.DestinationPath = "" }, want: ErrInvalidConfig},
		{name: "two destinations", mutate: func(c *Config) { c.Destination = &os.File{} }, want: ErrInvalidConfig},
		{name: "half a size", mutate: func(c *Config) { c.OutputWidth = 640 }, want: ErrInvalidConfig},
		{name: "negative size", mutate: func(c *Config) { c.OutputWidth, c.OutputHeight = -2, 480 }, want: ErrInvalidConfig},
		{name: "negative bitrate", mutate: func(c *Config) { c.Bitrate = -1 }, want: ErrInvalidConfig},
		{name: "odd rotation", mutate: func(c *Config) { c.Rotation = 45 }, want: ErrInvalidConfig},
		{name: "custom without item", mutate: func(c *Config) { c.FillMode = FillModeCustom }, want: ErrCustomFillModeItemMissing},
		{name: "negative time scale", mutate: func(c *Config) { c.TimeScale = -1 }, want: ErrInvalidConfig},
		{name: "negative trim start", mutate: func(c *Config) { c.TrimStartMs = -5 }, want: ErrInvalidConfig},
		{name: "trim end before start", mutate: func(c *Config) { c.TrimStartMs, c.TrimEndMs = 1000, 500 }, want: ErrInvalidConfig},
		{name: "trim end unset", mutate: func(c *Config) { c.TrimStartMs, c.TrimEndMs = 1000, -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// recordingListener records every callback.
type recordingListener struct {
	mu         sync.Mutex
	progress   []float64
	written    []int64
	completed  int
	canceled   int
	failed     []error
	onProgress func(p float64)
}

func (l *recordingListener) OnProgress(p float64) {
	l.mu.Lock()
	l.progress = append(l.progress, p)
	fn := l.onProgress
	l.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (l *recordingListener) OnCurrentWrittenTime(us int64) {
	l.mu.Lock()
	l.written = append(l.written, us)
	l.mu.Unlock()
}

func (l *recordingListener) OnCompleted() { l.mu.Lock(); l.completed++; l.mu.Unlock() }
func (l *recordingListener) OnCanceled()  { l.mu.Lock(); l.canceled++; l.mu.Unlock() }

func (l *recordingListener) OnFailed(err error) {
	l.mu.Lock()
	l.failed = append(l.failed, err)
	l.mu.Unlock()
}

func (l *recordingListener) terminal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed + l.canceled + len(l.failed)
}

func testConfig(t *testing.T, src string, codecs CodecSource) Config {
	t.Helper()
	c := DefaultConfig()
	c.Source = PathSource(src)
	c.DestinationPath = filepath.Join(t.TempDir(), "out.mp4")
	c.Codecs = codecs
	c.FrameWait = 2 * time.Second
	c.Logger = hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Warn, Output: testWriter{t}})
	return c
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func TestComposer_RunTwice(t *testing.T) {
	src := writeSource(t, sourceSpec{width: 64, height: 48, frames: 5, fps: 30})
	c, err := New(testConfig(t, src, newTestCodecs()))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateCompleted, c.State())
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestComposer_StartWait(t *testing.T) {
	src := writeSource(t, sourceSpec{width: 64, height: 48, frames: 10, fps: 30})
	l := &recordingListener{}
	cfg := testConfig(t, src, newTestCodecs())
	cfg.Listener = l
	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	require.NoError(t, c.Wait())
	assert.Equal(t, 1, l.completed)
	assert.Equal(t, 1, l.terminal())
	assert.NotEqual(t, c.ID().String(), "")
}

func TestComposer_CancelFromListener(t *testing.T) {
	codecs := newTestCodecs()
	src := writeSource(t, defaultSourceSpec())
	cfg := testConfig(t, src, codecs)
	cfg.TimeScale = 0.5 // remix audio so both codec pairs exist

	var c *Composer
	l := &recordingListener{}
	l.onProgress = func(float64) { c.Cancel() }
	cfg.Listener = l
	c, err := New(cfg)
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, StateCanceled, c.State())
	assert.Equal(t, 1, l.canceled)
	assert.Equal(t, 1, l.terminal())

	created, closed := codecs.counts()
	assert.Equal(t, 4, created)
	assert.Equal(t, created, closed, "every codec released")
	assert.NoFileExists(t, cfg.DestinationPath)
}

func TestComposer_ContextCanceled(t *testing.T) {
	src := writeSource(t, defaultSourceSpec())
	cfg := testConfig(t, src, newTestCodecs())
	l := &recordingListener{}
	cfg.Listener = l
	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, l.canceled)
	assert.NoFileExists(t, cfg.DestinationPath)
}

// flippingEncoder announces a second output format with its second picture.
type flippingEncoder struct {
	flatVideoEncoder
	n int
}

func (e *flippingEncoder) Process(in codecPacket) ([]codecPacket, error) {
	out, err := e.flatVideoEncoder.Process(in)
	e.n++
	if e.n == 2 && len(out) > 0 {
		out[0].Format = e.format.Clone()
	}
	return out, err
}

type flippingCodecs struct{ *testCodecs }

func (c flippingCodecs) NewEncoder(mime string) (Codec, error) {
	if mime != MIMEVideoMPEG4 {
		return c.testCodecs.NewEncoder(mime)
	}
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return NewBufferedCodec("flipping", true, &flippingEncoder{flatVideoEncoder: flatVideoEncoder{closed: c.onClose}}), nil
}

func TestComposer_ProtocolViolationFails(t *testing.T) {
	codecs := flippingCodecs{newTestCodecs()}
	src := writeSource(t, defaultSourceSpec())
	cfg := testConfig(t, src, codecs)
	l := &recordingListener{}
	cfg.Listener = l
	c, err := New(cfg)
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrFormatChangedTwice)
	assert.Equal(t, StateFailed, c.State())
	require.Len(t, l.failed, 1)
	assert.ErrorIs(t, l.failed[0], ErrProtocolViolation)
	assert.Zero(t, l.completed)

	created, closed := codecs.counts()
	assert.Equal(t, created, closed)
	assert.NoFileExists(t, cfg.DestinationPath)
}

func TestComposer_SourceErrors(t *testing.T) {
	dir := t.TempDir()
	notMP4 := filepath.Join(dir, "junk.mp4")
	require.NoError(t, os.WriteFile(notMP4, []byte("definitely not a movie"), 0o644))

	tests := []struct {
		name string
		src  string
		want error
	}{
		{"missing", filepath.Join(dir, "missing.mp4"), ErrSourceOpen},
		{"not mp4", notMP4, ErrProbeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &recordingListener{}
			cfg := testConfig(t, tt.src, newTestCodecs())
			cfg.Listener = l
			c, err := New(cfg)
			require.NoError(t, err)
			assert.ErrorIs(t, c.Run(context.Background()), tt.want)
			assert.Len(t, l.failed, 1)
			assert.NoFileExists(t, cfg.DestinationPath)
		})
	}
}

func TestComposer_Executor(t *testing.T) {
	src := writeSource(t, sourceSpec{width: 64, height: 48, frames: 30, fps: 30})
	var mu sync.Mutex
	calls := 0
	cfg := testConfig(t, src, newTestCodecs())
	cfg.Listener = ListenerFuncs{}
	cfg.Executor = func(fn func()) {
		mu.Lock()
		calls++
		mu.Unlock()
		fn()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
	assert.Positive(t, calls)
}

// blindVideoDecoder decodes samples but never produces a picture, so nothing
// reaches the decoder surface.
type blindVideoDecoder struct{ flatVideoDecoder }

func (d *blindVideoDecoder) Process(in codecPacket) ([]codecPacket, error) {
	return []codecPacket{{Data: append([]byte(nil), in.Data...), PtsUs: in.PtsUs}}, nil
}

// halfRateAudioDecoder reports half the source sample rate.
type halfRateAudioDecoder struct{ pcmAudioDecoder }

func (d *halfRateAudioDecoder) Open(f *Format) (*Format, error) {
	return &Format{MIME: MIMEAudioRaw, SampleRate: f.SampleRate / 2, ChannelCount: f.ChannelCount}, nil
}

// swappedDecoders replaces the decoder backend of some MIME types.
type swappedDecoders struct {
	*testCodecs
	decoders map[string]func(closed func()) codecBackend
}

func (c swappedDecoders) NewDecoder(mime string) (Codec, error) {
	newBackend, ok := c.decoders[mime]
	if !ok {
		return c.testCodecs.NewDecoder(mime)
	}
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return NewBufferedCodec("swapped."+mime+".decoder", false, newBackend(c.onClose)), nil
}

func TestComposer_FrameWaitTimeoutFails(t *testing.T) {
	codecs := swappedDecoders{newTestCodecs(), map[string]func(func()) codecBackend{
		MIMEVideoMPEG4: func(closed func()) codecBackend {
			return &blindVideoDecoder{flatVideoDecoder{closed: closed}}
		},
	}}
	src := writeSource(t, sourceSpec{width: 64, height: 48, frames: 10, fps: 30})
	cfg := testConfig(t, src, codecs)
	cfg.FrameWait = 50 * time.Millisecond
	l := &recordingListener{}
	cfg.Listener = l
	c, err := New(cfg)
	require.NoError(t, err)

	start := time.Now()
	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrFrameWaitTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateFailed, c.State())
	require.Len(t, l.failed, 1)
	assert.ErrorIs(t, l.failed[0], ErrFrameWaitTimeout)
	assert.Equal(t, 1, l.terminal())

	created, closed := codecs.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, created, closed)
	assert.NoFileExists(t, cfg.DestinationPath)
}

func TestComposer_RemixRejectsDecodedFormat(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		decoders map[string]func(func()) codecBackend
		want     error
	}{
		{
			name:     "six channels",
			channels: 6,
			want:     ErrChannelCount,
		},
		{
			name:     "sample rate changed by decoder",
			channels: 1,
			decoders: map[string]func(func()) codecBackend{
				MIMEAudioAAC: func(closed func()) codecBackend {
					return &halfRateAudioDecoder{pcmAudioDecoder{closed: closed}}
				},
			},
			want: ErrSampleRateMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := defaultSourceSpec()
			spec.frames, spec.audioUnits = 15, 20
			spec.channels = tt.channels
			src := writeSource(t, spec)

			codecs := swappedDecoders{newTestCodecs(), tt.decoders}
			cfg := testConfig(t, src, codecs)
			cfg.TimeScale = 2
			l := &recordingListener{}
			cfg.Listener = l
			c, err := New(cfg)
			require.NoError(t, err)

			err = c.Run(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrUnsupported)
			require.Len(t, l.failed, 1)
			assert.ErrorIs(t, l.failed[0], ErrUnsupported)
			assert.Zero(t, l.completed)

			created, closed := codecs.counts()
			assert.Equal(t, 4, created)
			assert.Equal(t, created, closed)
			assert.NoFileExists(t, cfg.DestinationPath)
		})
	}
}

// stubComposer reports a fixed written time.
type stubComposer struct {
	writtenUs int64
	finished  bool
}

func (s *stubComposer) Setup() error                     { return nil }
func (s *stubComposer) Step() (bool, error)              { return false, nil }
func (s *stubComposer) IsFinished() bool                 { return s.finished }
func (s *stubComposer) WrittenPresentationTimeUs() int64 { return s.writtenUs }
func (s *stubComposer) Release() error                   { return nil }

func TestEngine_ReportProgress(t *testing.T) {
	tests := []struct {
		name         string
		durationUs   int64
		wantProgress []float64
	}{
		{"unknown duration", 0, nil},
		{"known duration", 1_000_000, []float64{0.75}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &recordingListener{}
			cfg := Config{Listener: l}
			cfg.applyDefaults()
			e := newEngine(cfg, hclog.NewNullLogger())
			e.video = &stubComposer{writtenUs: 500_000}
			e.audio = &stubComposer{finished: true}
			e.durationUs = tt.durationUs

			e.reportProgress(e.composers())
			e.reportProgress(e.composers())
			assert.Equal(t, []int64{500_000, 500_000}, l.written)
			if tt.wantProgress == nil {
				assert.Empty(t, l.progress)
				return
			}
			require.Len(t, l.progress, 2)
			assert.InDelta(t, tt.wantProgress[0], l.progress[0], 1e-9)
		})
	}
}
