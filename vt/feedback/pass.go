package feedback

import (
	"fmt"

	"github.com/gekko3d/vtex/vt/gpu"
)

// Pass owns the feedback target: it clears it before the scene render,
// schedules its readback afterwards and decodes readbacks as they arrive.
// Several virtual textures may register on one pass; each readback is
// decoded once and its requests are routed by texture id.
type Pass struct {
	surface  gpu.Surface
	decoders map[uint32]Decoder
	label    string
	divisor  uint32

	tex           gpu.Texture
	width, height uint32

	// cleared and scheduled make Begin and ScheduleReadback run once per
	// frame however many registered textures call them
	cleared   bool
	scheduled bool
	pending   map[uint32]*RequestSet

	LastStats DecodeStats
}

func NewPass(surface gpu.Surface, surfaceWidth, surfaceHeight, divisor uint32, label string) (*Pass, error) {
	p := &Pass{
		surface:  surface,
		decoders: make(map[uint32]Decoder),
		pending:  make(map[uint32]*RequestSet),
		label:    label,
		divisor:  divisor,
	}
	if err := p.Resize(surfaceWidth, surfaceHeight); err != nil {
		return nil, err
	}
	return p, nil
}

// Register routes texels carrying d.ID to d. Ids are unique per pass.
func (p *Pass) Register(d Decoder) error {
	if d.ID == Sentinel {
		return fmt.Errorf("feedback id %#x is the clear value", d.ID)
	}
	if _, ok := p.decoders[d.ID]; ok {
		return fmt.Errorf("feedback id %d is already registered on %s", d.ID, p.label)
	}
	p.decoders[d.ID] = d
	return nil
}

func (p *Pass) Unregister(id uint32) {
	delete(p.decoders, id)
	delete(p.pending, id)
}

// Registered is the number of decoders routed by this pass.
func (p *Pass) Registered() int {
	return len(p.decoders)
}

// Resize recreates the target for a new output surface size. A readback of
// the old target that has not been polled yet is lost.
func (p *Pass) Resize(surfaceWidth, surfaceHeight uint32) error {
	w, h := Size(surfaceWidth, surfaceHeight, p.divisor)
	if p.tex != nil && w == p.width && h == p.height {
		return nil
	}
	tex, err := p.surface.CreateTexture(gpu.TextureDescriptor{
		Label:     p.label,
		Width:     w,
		Height:    h,
		MipLevels: 1,
		Format:    gpu.FormatRGBA32Uint,
		Usage:     gpu.UsageRenderTarget | gpu.UsageCopySrc | gpu.UsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create feedback target %dx%d: %w", w, h, err)
	}
	if p.tex != nil {
		p.tex.Release()
	}
	p.tex = tex
	p.width, p.height = w, h
	return p.Clear()
}

// Clear resets every texel to the sentinel.
func (p *Pass) Clear() error {
	if err := p.surface.FillTexture(p.tex, clearTexel); err != nil {
		return fmt.Errorf("failed to clear feedback target: %w", err)
	}
	p.cleared = true
	p.scheduled = false
	return nil
}

// Begin clears the target unless it was already cleared since the last
// scheduled readback.
func (p *Pass) Begin() error {
	if p.cleared {
		return nil
	}
	return p.Clear()
}

// ScheduleReadback copies the target out once per frame; later calls before
// the next clear do nothing.
func (p *Pass) ScheduleReadback() error {
	if p.scheduled {
		return nil
	}
	if err := p.surface.ScheduleReadback(p.tex); err != nil {
		return fmt.Errorf("failed to schedule feedback readback: %w", err)
	}
	p.scheduled = true
	p.cleared = false
	return nil
}

// Poll returns the request set of texture id from a readback that completed
// since its last call. A completed readback is decoded for every registered
// texture at once and kept until each one polls. Poll never waits for the
// GPU.
func (p *Pass) Poll(id uint32) (*RequestSet, bool, error) {
	rb, ok, err := p.surface.PollReadback(p.tex)
	if err != nil {
		return nil, false, fmt.Errorf("failed to poll feedback readback: %w", err)
	}
	if ok {
		sets, st, err := Route(rb, p.decoders)
		if err != nil {
			return nil, false, err
		}
		p.LastStats = st
		p.pending = sets
	}
	set, ok := p.pending[id]
	if !ok {
		return nil, false, nil
	}
	delete(p.pending, id)
	return set, true, nil
}

func (p *Pass) Surface() gpu.Surface {
	return p.surface
}

func (p *Pass) Texture() gpu.Texture {
	return p.tex
}

func (p *Pass) Size() (uint32, uint32) {
	return p.width, p.height
}

func (p *Pass) Release() {
	if p.tex != nil {
		p.tex.Release()
		p.tex = nil
	}
	clear(p.pending)
}
