package mp4composer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Config configures one transcode job.
type Config struct {
	Source SourceHandle

	// Exactly one destination is set. A path destination is removed again
	// when the job fails or is canceled.
	DestinationPath string
	Destination     io.WriteSeeker

	// Output size; zero picks the source size, rotated.
	OutputWidth  int
	OutputHeight int
	Bitrate      int // video bits per second; zero picks 0.25 bits per pixel at 30 fps
	AudioBitrate int

	Mute           bool
	Rotation       Rotation
	FillMode       FillMode
	CustomItem     *FillModeCustomItem
	FlipHorizontal bool
	FlipVertical   bool

	// TimeScale speeds playback up (>1) or down (<1); it is clamped to
	// [MinTimeScale, MaxTimeScale]. ChangePitch lets the audio pitch follow
	// the speed.
	TimeScale   float64
	ChangePitch bool

	// Trim bounds in milliseconds of source time. TrimEndMs <= 0 keeps the
	// rest of the source.
	TrimStartMs int64
	TrimEndMs   int64

	// VideoMIME overrides the output codec preference order.
	VideoMIME []string

	Filter        Filter
	RenderContext *RenderContext

	Listener Listener
	Executor Executor
	Logger   hclog.Logger
	Metrics  *Metrics

	// Codecs creates the codecs of the job. Nil uses the registry with
	// automatic provider selection.
	Codecs    CodecSource
	FrameWait time.Duration
}

// Time scale limits.
const (
	MinTimeScale = 0.125
	MaxTimeScale = 8.0
)

// DefaultConfig returns a configuration with no trim, normal speed, aspect
// fit and automatic size, bitrate and codecs.
func DefaultConfig() Config {
	return Config{
		AudioBitrate: defaultAudioBitrate,
		FillMode:     FillModePreserveAspectFit,
		TimeScale:    1,
		TrimEndMs:    -1,
		FrameWait:    DefaultFrameWaitTimeout,
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Source == nil {
		return fmt.Errorf("%w: no source", ErrInvalidConfig)
	}
	if (c.DestinationPath == "") == (c.Destination == nil) {
		return fmt.Errorf("%w: exactly one destination is required", ErrInvalidConfig)
	}
	if c.OutputWidth < 0 || c.OutputHeight < 0 || (c.OutputWidth == 0) != (c.OutputHeight == 0) {
		return fmt.Errorf("%w: output size %dx%d", ErrInvalidConfig, c.OutputWidth, c.OutputHeight)
	}
	if c.Bitrate < 0 || c.AudioBitrate < 0 {
		return fmt.Errorf("%w: negative bitrate", ErrInvalidConfig)
	}
	if c.Rotation != RotationFromAngle(int(c.Rotation)) {
		return fmt.Errorf("%w: rotation %d", ErrInvalidConfig, c.Rotation)
	}
	if c.FillMode == FillModeCustom && c.CustomItem == nil {
		return ErrCustomFillModeItemMissing
	}
	if c.TimeScale < 0 {
		return fmt.Errorf("%w: time scale %v", ErrInvalidConfig, c.TimeScale)
	}
	if c.TrimStartMs < 0 {
		return fmt.Errorf("%w: trim start %dms", ErrInvalidConfig, c.TrimStartMs)
	}
	if c.TrimEndMs > 0 && c.TrimEndMs <= c.TrimStartMs {
		return fmt.Errorf("%w: trim end %dms before start %dms", ErrInvalidConfig, c.TrimEndMs, c.TrimStartMs)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TimeScale == 0 {
		c.TimeScale = 1
	}
	if c.AudioBitrate == 0 {
		c.AudioBitrate = defaultAudioBitrate
	}
	if c.Codecs == nil {
		c.Codecs = RegistryCodecs{}
	}
	if len(c.VideoMIME) == 0 {
		c.VideoMIME = VideoMIMEPreference
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Executor == nil {
		c.Executor = directExecutor
	}
}

// Composer runs one transcode job. Start runs it on its own goroutine; Run
// runs it on the caller's.
type Composer struct {
	id      uuid.UUID
	config  Config
	log     hclog.Logger
	engine  *engine
	started atomic.Bool

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// New validates config and prepares a job.
func New(config Config) (*Composer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()
	id := uuid.New()
	log := config.Logger.With("job", id.String())
	return &Composer{
		id:     id,
		config: config,
		log:    log,
		engine: newEngine(config, log),
		done:   make(chan struct{}),
	}, nil
}

// ID identifies the job in logs.
func (c *Composer) ID() uuid.UUID { return c.id }

// Start runs the job on a new goroutine.
func (c *Composer) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.log.Info("transcode starting", "source", c.config.Source.String())
	go c.run(ctx)
	return nil
}

// Run runs the job and returns its error. A canceled job returns an error
// matching ErrCanceled.
func (c *Composer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.log.Info("transcode starting", "source", c.config.Source.String())
	c.run(ctx)
	return c.Err()
}

func (c *Composer) run(ctx context.Context) {
	err := c.engine.run(ctx)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

// Cancel asks the job to stop. The listener receives OnCanceled.
func (c *Composer) Cancel() { c.engine.cancel() }

// Done is closed when the job has finished and torn down.
func (c *Composer) Done() <-chan struct{} { return c.done }

// Wait blocks until the job finishes and returns its error.
func (c *Composer) Wait() error {
	<-c.done
	return c.Err()
}

// Err returns the job error once it has finished.
func (c *Composer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the engine state.
func (c *Composer) State() State { return c.engine.State() }
