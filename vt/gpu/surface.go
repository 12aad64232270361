// Package gpu is the narrow GPU resource surface the paging engine renders
// through: texture creation, region uploads, fills, asynchronous readback and
// command submission. The engine never talks to a device directly.
package gpu

import (
	"errors"
	"fmt"
)

var (
	ErrReleased       = errors.New("gpu texture released")
	ErrOutOfBounds    = errors.New("gpu region out of bounds")
	ErrShortData      = errors.New("gpu upload data too short")
	ErrForeignTexture = errors.New("gpu texture belongs to another surface")
)

type Format uint32

const (
	FormatRGBA8Unorm Format = iota + 1
	FormatRGBA16Uint
	FormatRGBA32Uint
)

func (f Format) BytesPerTexel() uint32 {
	switch f {
	case FormatRGBA8Unorm:
		return 4
	case FormatRGBA16Uint:
		return 8
	case FormatRGBA32Uint:
		return 16
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatRGBA8Unorm:
		return "rgba8unorm"
	case FormatRGBA16Uint:
		return "rgba16uint"
	case FormatRGBA32Uint:
		return "rgba32uint"
	}
	return fmt.Sprintf("format(%d)", uint32(f))
}

type Usage uint32

const (
	UsageSampled Usage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageRenderTarget
)

type TextureDescriptor struct {
	Label     string
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    Format
	Usage     Usage
}

type Texture interface {
	Label() string
	Width() uint32
	Height() uint32
	MipLevels() uint32
	Format() Format
	Release()
}

// Region addresses a rectangle of one mip level.
type Region struct {
	X, Y          uint32
	Width, Height uint32
	Mip           uint32
}

// Readback is a CPU copy of mip 0 of a texture. Rows are BytesPerRow apart,
// which may include padding past Width texels.
type Readback struct {
	Data        []byte
	BytesPerRow uint32
	Width       uint32
	Height      uint32
}

// Surface is the command-submission capability consumed by the engine.
// Every method must be called from the render thread.
type Surface interface {
	CreateTexture(desc TextureDescriptor) (Texture, error)
	// WriteTexture uploads rows of data into region. Rows are bytesPerRow apart.
	WriteTexture(dst Texture, region Region, data []byte, bytesPerRow uint32) error
	// FillTexture sets every texel of every mip of dst to texel.
	FillTexture(dst Texture, texel []byte) error
	// ScheduleReadback records a copy of src into CPU-visible memory. It is a
	// no-op while an earlier readback of src has not been polled yet.
	ScheduleReadback(src Texture) error
	// PollReadback returns a readback of src that completed since the last
	// poll. It never waits for the GPU.
	PollReadback(src Texture) (Readback, bool, error)
	// Submit flushes recorded commands to the device queue.
	Submit() error
}

// MipSize is max(1, size>>mip).
func MipSize(size, mip uint32) uint32 {
	if mip >= 32 {
		return 1
	}
	s := size >> mip
	if s < 1 {
		return 1
	}
	return s
}

func checkRegion(t Texture, r Region) error {
	if r.Mip >= t.MipLevels() {
		return fmt.Errorf("%w: mip %d of %q (%d levels)", ErrOutOfBounds, r.Mip, t.Label(), t.MipLevels())
	}
	w := MipSize(t.Width(), r.Mip)
	h := MipSize(t.Height(), r.Mip)
	if r.Width == 0 || r.Height == 0 || r.X+r.Width > w || r.Y+r.Height > h {
		return fmt.Errorf("%w: region %+v of %q mip %d (%dx%d)", ErrOutOfBounds, r, t.Label(), r.Mip, w, h)
	}
	return nil
}

func checkData(t Texture, r Region, data []byte, bytesPerRow uint32) error {
	rowBytes := r.Width * t.Format().BytesPerTexel()
	if bytesPerRow < rowBytes {
		return fmt.Errorf("%w: %d bytes per row for %d texel row", ErrShortData, bytesPerRow, r.Width)
	}
	need := uint64(bytesPerRow)*uint64(r.Height-1) + uint64(rowBytes)
	if uint64(len(data)) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortData, len(data), need)
	}
	return nil
}
