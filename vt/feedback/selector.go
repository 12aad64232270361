package feedback

import (
	"math"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// Selector is the CPU reference of the feedback shader: it turns a virtual
// UV and its screen-space derivatives into the tile the fragment needs.
type Selector struct {
	Config       core.Config
	MipBias      float32
	MipScale     float32
	FeedbackBias float32
}

// Lod is the unclamped level of detail for the given UV derivatives.
func (s Selector) Lod(dUVdx, dUVdy mgl32.Vec2) float32 {
	size := float32(s.Config.VirtualTextureSize)
	footprint := max(dUVdx.Mul(size).Len(), dUVdy.Mul(size).Len())
	lod := float32(0)
	if footprint > 1 {
		lod = float32(math.Log2(float64(footprint)))
	}
	return lod*(1+s.MipScale) + s.MipBias + s.FeedbackBias
}

// Mip floors and clamps Lod into the mip chain.
func (s Selector) Mip(dUVdx, dUVdy mgl32.Vec2) uint8 {
	lod := mgl32.Clamp(s.Lod(dUVdx, dUVdy), 0, float32(s.Config.MaxMipLevel()))
	return uint8(math.Floor(float64(lod)))
}

// Select returns the tile requested by a fragment at uv.
func (s Selector) Select(uv, dUVdx, dUVdy mgl32.Vec2) core.TileCoord {
	c, _ := s.Config.TileAtUV(uv.X(), uv.Y(), s.Mip(dUVdx, dUVdy))
	return c
}

// Size is the feedback target extent for a surface, never below 1x1.
func Size(surfaceWidth, surfaceHeight, divisor uint32) (uint32, uint32) {
	if divisor == 0 {
		divisor = 1
	}
	return max(1, surfaceWidth/divisor), max(1, surfaceHeight/divisor)
}
