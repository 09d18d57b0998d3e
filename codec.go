package mp4composer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BufferFlags mark codec and demuxer buffers.
type BufferFlags uint32

const (
	BufferFlagKeyFrame    BufferFlags = 1 << 0 // sync sample
	BufferFlagCodecConfig BufferFlags = 1 << 1 // codec specific data, not media
	BufferFlagEndOfStream BufferFlags = 1 << 2 // last buffer of the stream
)

// Has reports whether all bits of flag are set.
func (f BufferFlags) Has(flag BufferFlags) bool { return f&flag == flag }

// Special return values of DequeueInputBuffer and DequeueOutputBuffer.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// BufferInfo describes the valid region of a codec buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// Set replaces every field of the info.
func (b *BufferInfo) Set(offset, size int, ptsUs int64, flags BufferFlags) {
	b.Offset, b.Size, b.PresentationTimeUs, b.Flags = offset, size, ptsUs, flags
}

// Codec is a buffer-queue codec in the MediaCodec style. Callers own an
// input slot between DequeueInputBuffer and QueueInputBuffer and an output
// slot between DequeueOutputBuffer and ReleaseOutputBuffer; the codec owns
// every other slot.
//
// Dequeue calls never block for longer than timeout. A zero timeout polls.
type Codec interface {
	// Name identifies the backend instance, e.g. "ndk.video/avc.decoder".
	Name() string

	// Configure prepares the codec. surface is the render target of a video
	// decoder and nil otherwise.
	Configure(format *Format, surface Surface) error

	// CreateInputSurface returns the surface a video encoder reads frames
	// from. It must be called between Configure and Start.
	CreateInputSurface() (InputSurface, error)

	Start() error

	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index int, info BufferInfo) error

	// DequeueOutputBuffer returns a slot index or one of the Info* values.
	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	OutputBuffer(index int) ([]byte, error)
	OutputFormat() *Format

	// ReleaseOutputBuffer returns a slot to the codec. render sends a
	// decoded picture to the configured surface.
	ReleaseOutputBuffer(index int, render bool) error

	// SignalEndOfInputStream ends a surface-fed encoder stream.
	SignalEndOfInputStream() error

	Stop() error
	Release() error
}

// --- Registry ---

// CodecFactory creates a codec for a MIME type.
type CodecFactory func(mime string) (Codec, error)

type codecRegistry struct {
	mu sync.RWMutex

	// mime -> provider -> factory
	encoders map[string]map[Provider]CodecFactory
	decoders map[string]map[Provider]CodecFactory
}

var globalCodecRegistry = &codecRegistry{
	encoders: make(map[string]map[Provider]CodecFactory),
	decoders: make(map[string]map[Provider]CodecFactory),
}

// RegisterEncoder registers an encoder factory for a MIME type and provider.
// Registering the same pair twice replaces the earlier factory.
func RegisterEncoder(mime string, provider Provider, factory CodecFactory) {
	globalCodecRegistry.register(globalCodecRegistry.encoders, mime, provider, factory)
}

// RegisterDecoder registers a decoder factory for a MIME type and provider.
func RegisterDecoder(mime string, provider Provider, factory CodecFactory) {
	globalCodecRegistry.register(globalCodecRegistry.decoders, mime, provider, factory)
}

// UnregisterProvider removes every factory registered by provider.
func UnregisterProvider(provider Provider) {
	r := globalCodecRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range []map[string]map[Provider]CodecFactory{r.encoders, r.decoders} {
		for mime, byProvider := range m {
			delete(byProvider, provider)
			if len(byProvider) == 0 {
				delete(m, mime)
			}
		}
	}
}

func (r *codecRegistry) register(m map[string]map[Provider]CodecFactory, mime string, provider Provider, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m[mime] == nil {
		m[mime] = make(map[Provider]CodecFactory)
	}
	m[mime][provider] = factory
}

// pick returns the factory of the requested provider, or of the best ranked
// registered provider when provider is ProviderAuto.
func (r *codecRegistry) pick(m map[string]map[Provider]CodecFactory, mime string, provider Provider) (CodecFactory, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byProvider := m[mime]
	if len(byProvider) == 0 {
		return nil, ProviderAuto, fmt.Errorf("%w: %s", ErrCodecNotSupported, mime)
	}
	if provider != ProviderAuto {
		f, ok := byProvider[provider]
		if !ok {
			return nil, provider, fmt.Errorf("%w: %s has no codec for %s", ErrProviderMissing, provider, mime)
		}
		return f, provider, nil
	}

	ranked := make([]Provider, 0, len(byProvider))
	for p := range byProvider {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].rank() < ranked[j].rank() })
	return byProvider[ranked[0]], ranked[0], nil
}

// NewEncoder creates an encoder for mime.
func NewEncoder(mime string, provider Provider) (Codec, error) {
	f, p, err := globalCodecRegistry.pick(globalCodecRegistry.encoders, mime, provider)
	if err != nil {
		return nil, err
	}
	c, err := f(mime)
	if err != nil {
		return nil, codecErr(p.String()+"."+mime+".encoder", "create", err)
	}
	return c, nil
}

// NewDecoder creates a decoder for mime.
func NewDecoder(mime string, provider Provider) (Codec, error) {
	f, p, err := globalCodecRegistry.pick(globalCodecRegistry.decoders, mime, provider)
	if err != nil {
		return nil, err
	}
	c, err := f(mime)
	if err != nil {
		return nil, codecErr(p.String()+"."+mime+".decoder", "create", err)
	}
	return c, nil
}

// HasEncoder reports whether an encoder for mime is registered.
func HasEncoder(mime string, provider Provider) bool {
	_, _, err := globalCodecRegistry.pick(globalCodecRegistry.encoders, mime, provider)
	return err == nil
}

// HasDecoder reports whether a decoder for mime is registered.
func HasDecoder(mime string, provider Provider) bool {
	_, _, err := globalCodecRegistry.pick(globalCodecRegistry.decoders, mime, provider)
	return err == nil
}

// SelectVideoMIME returns the first MIME type of preference for which an
// encoder exists.
func SelectVideoMIME(codecs CodecSource, preference []string) (string, error) {
	for _, mime := range preference {
		if codecs.HasEncoder(mime) {
			return mime, nil
		}
	}
	return "", fmt.Errorf("%w: no video encoder for %v", ErrCodecNotSupported, preference)
}

// CodecSource creates codecs for one transcode job.
type CodecSource interface {
	NewEncoder(mime string) (Codec, error)
	NewDecoder(mime string) (Codec, error)
	HasEncoder(mime string) bool
}

// RegistryCodecs is a CodecSource backed by the global registry. Encoders and
// decoders may come from different providers.
type RegistryCodecs struct {
	Encoders Provider
	Decoders Provider
}

func (r RegistryCodecs) NewEncoder(mime string) (Codec, error) { return NewEncoder(mime, r.Encoders) }
func (r RegistryCodecs) NewDecoder(mime string) (Codec, error) { return NewDecoder(mime, r.Decoders) }
func (r RegistryCodecs) HasEncoder(mime string) bool           { return HasEncoder(mime, r.Encoders) }
