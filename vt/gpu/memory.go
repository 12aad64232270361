package gpu

import (
	"fmt"
	"sync"
)

// MemorySurface keeps textures in system memory. Readbacks complete on the
// first poll after they are scheduled. It backs headless tools and tests.
type MemorySurface struct {
	mu       sync.Mutex
	textures map[*memTexture]struct{}

	Writes       int
	BytesWritten int
	Fills        int
	Readbacks    int
	Submits      int
}

type memTexture struct {
	owner    *MemorySurface
	desc     TextureDescriptor
	levels   [][]byte
	released bool
	pending  *Readback
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{textures: make(map[*memTexture]struct{})}
}

func (t *memTexture) Label() string     { return t.desc.Label }
func (t *memTexture) Width() uint32     { return t.desc.Width }
func (t *memTexture) Height() uint32    { return t.desc.Height }
func (t *memTexture) MipLevels() uint32 { return t.desc.MipLevels }
func (t *memTexture) Format() Format    { return t.desc.Format }

func (t *memTexture) Release() {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	t.released = true
	t.levels = nil
	delete(t.owner.textures, t)
}

func (s *MemorySurface) CreateTexture(desc TextureDescriptor) (Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("failed to create texture %q: zero extent", desc.Label)
	}
	if desc.Format.BytesPerTexel() == 0 {
		return nil, fmt.Errorf("failed to create texture %q: unsupported format %s", desc.Label, desc.Format)
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	tex := &memTexture{owner: s, desc: desc}
	bpt := desc.Format.BytesPerTexel()
	for mip := uint32(0); mip < desc.MipLevels; mip++ {
		w, h := MipSize(desc.Width, mip), MipSize(desc.Height, mip)
		tex.levels = append(tex.levels, make([]byte, w*h*bpt))
	}

	s.mu.Lock()
	s.textures[tex] = struct{}{}
	s.mu.Unlock()
	return tex, nil
}

func (s *MemorySurface) lookup(t Texture) (*memTexture, error) {
	mt, ok := t.(*memTexture)
	if !ok || mt.owner != s {
		return nil, ErrForeignTexture
	}
	if mt.released {
		return nil, fmt.Errorf("%w: %q", ErrReleased, mt.desc.Label)
	}
	return mt, nil
}

func (s *MemorySurface) WriteTexture(dst Texture, region Region, data []byte, bytesPerRow uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, err := s.lookup(dst)
	if err != nil {
		return err
	}
	if err := checkRegion(mt, region); err != nil {
		return err
	}
	if err := checkData(mt, region, data, bytesPerRow); err != nil {
		return err
	}

	bpt := mt.desc.Format.BytesPerTexel()
	levelW := MipSize(mt.desc.Width, region.Mip)
	level := mt.levels[region.Mip]
	rowBytes := region.Width * bpt
	for row := uint32(0); row < region.Height; row++ {
		src := data[row*bytesPerRow : row*bytesPerRow+rowBytes]
		off := ((region.Y+row)*levelW + region.X) * bpt
		copy(level[off:off+rowBytes], src)
	}
	s.Writes++
	s.BytesWritten += int(rowBytes * region.Height)
	return nil
}

func (s *MemorySurface) FillTexture(dst Texture, texel []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, err := s.lookup(dst)
	if err != nil {
		return err
	}
	bpt := int(mt.desc.Format.BytesPerTexel())
	if len(texel) != bpt {
		return fmt.Errorf("%w: fill texel is %d bytes, format %s needs %d", ErrShortData, len(texel), mt.desc.Format, bpt)
	}
	for _, level := range mt.levels {
		for off := 0; off < len(level); off += bpt {
			copy(level[off:off+bpt], texel)
		}
	}
	s.Fills++
	return nil
}

func (s *MemorySurface) ScheduleReadback(src Texture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, err := s.lookup(src)
	if err != nil {
		return err
	}
	if mt.pending != nil {
		return nil
	}
	data := make([]byte, len(mt.levels[0]))
	copy(data, mt.levels[0])
	mt.pending = &Readback{
		Data:        data,
		BytesPerRow: mt.desc.Width * mt.desc.Format.BytesPerTexel(),
		Width:       mt.desc.Width,
		Height:      mt.desc.Height,
	}
	s.Readbacks++
	return nil
}

func (s *MemorySurface) PollReadback(src Texture) (Readback, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, err := s.lookup(src)
	if err != nil {
		return Readback{}, false, err
	}
	if mt.pending == nil {
		return Readback{}, false, nil
	}
	rb := *mt.pending
	mt.pending = nil
	return rb, true, nil
}

func (s *MemorySurface) Submit() error {
	s.mu.Lock()
	s.Submits++
	s.mu.Unlock()
	return nil
}

// ReadTexel copies one texel out of a texture created by this surface.
func (s *MemorySurface) ReadTexel(t Texture, x, y, mip uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, err := s.lookup(t)
	if err != nil {
		return nil, err
	}
	if err := checkRegion(mt, Region{X: x, Y: y, Width: 1, Height: 1, Mip: mip}); err != nil {
		return nil, err
	}
	bpt := mt.desc.Format.BytesPerTexel()
	off := (y*MipSize(mt.desc.Width, mip) + x) * bpt
	out := make([]byte, bpt)
	copy(out, mt.levels[mip][off:off+bpt])
	return out, nil
}

// Live is the number of textures created and not yet released.
func (s *MemorySurface) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.textures)
}
