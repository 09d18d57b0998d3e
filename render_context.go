package mp4composer

import (
	"image"
	"sync"
)

// RenderContext holds the render state shared by the compositor and its
// filters: the output and input sizes and the offscreen framebuffers. A
// context may be reused by consecutive jobs through Config.RenderContext; it
// must not be used by two jobs at once.
type RenderContext struct {
	mu           sync.Mutex
	outW, outH   int
	inW, inH     int
	framebuffers [2]*image.RGBA
}

// NewRenderContext returns an empty context. SurfaceChanged must be called
// before rendering.
func NewRenderContext() *RenderContext { return &RenderContext{} }

// SurfaceChanged sets the output size and reallocates the framebuffers when
// it differs from the previous size.
func (rc *RenderContext) SurfaceChanged(width, height int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if width == rc.outW && height == rc.outH && rc.framebuffers[0] != nil {
		return
	}
	rc.outW, rc.outH = width, height
	r := image.Rect(0, 0, width, height)
	rc.framebuffers = [2]*image.RGBA{image.NewRGBA(r), image.NewRGBA(r)}
}

// SetInputSize records the size of the decoded pictures.
func (rc *RenderContext) SetInputSize(width, height int) {
	rc.mu.Lock()
	rc.inW, rc.inH = width, height
	rc.mu.Unlock()
}

func (rc *RenderContext) OutputSize() (int, int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.outW, rc.outH
}

func (rc *RenderContext) InputSize() (int, int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inW, rc.inH
}

// Framebuffer returns framebuffer i, 0 or 1.
func (rc *RenderContext) Framebuffer(i int) *image.RGBA {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.framebuffers[i]
}
