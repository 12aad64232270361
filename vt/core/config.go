package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid virtual texture configuration")
	ErrInvalidCoordinate    = errors.New("invalid tile coordinate")
)

// MaxSupportedMip bounds the mip chain so that tileSize<<mip never leaves 64 bits.
const MaxSupportedMip = 31

// Config is the immutable geometry of one virtual texture.
// All edge lengths are in texels and describe square textures.
type Config struct {
	PhysicalTextureSize uint32
	VirtualTextureSize  uint32
	TileSize            uint32

	maxMip uint8
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// NewConfig validates the size ratios and precomputes the mip chain length.
func NewConfig(physicalTextureSize, virtualTextureSize, tileSize uint32) (Config, error) {
	c := Config{
		PhysicalTextureSize: physicalTextureSize,
		VirtualTextureSize:  virtualTextureSize,
		TileSize:            tileSize,
	}
	if !isPowerOfTwo(tileSize) {
		return Config{}, fmt.Errorf("%w: tile size %d is not a power of two", ErrInvalidConfiguration, tileSize)
	}
	if physicalTextureSize == 0 || physicalTextureSize%tileSize != 0 {
		return Config{}, fmt.Errorf("%w: physical texture size %d is not a multiple of tile size %d",
			ErrInvalidConfiguration, physicalTextureSize, tileSize)
	}
	if virtualTextureSize == 0 || virtualTextureSize%tileSize != 0 {
		return Config{}, fmt.Errorf("%w: virtual texture size %d is not a multiple of tile size %d",
			ErrInvalidConfiguration, virtualTextureSize, tileSize)
	}
	if physicalTextureSize/tileSize > 0xFFFF {
		return Config{}, fmt.Errorf("%w: %d slots per atlas row exceeds the indirection format",
			ErrInvalidConfiguration, physicalTextureSize/tileSize)
	}

	mip := uint8(0)
	for c.TilesPerRow(mip) > 1 {
		mip++
	}
	c.maxMip = mip
	return c, nil
}

// MaxMipLevel is the smallest mip at which the whole virtual texture is one tile.
func (c Config) MaxMipLevel() uint8 {
	return c.maxMip
}

// MipLevels is MaxMipLevel()+1.
func (c Config) MipLevels() uint32 {
	return uint32(c.maxMip) + 1
}

// TilesPerRow returns virtual / (tile << mip), never less than one.
func (c Config) TilesPerRow(mip uint8) uint32 {
	if mip > MaxSupportedMip {
		return 1
	}
	span := uint64(c.TileSize) << mip
	n := uint64(c.VirtualTextureSize) / span
	if n < 1 {
		return 1
	}
	return uint32(n)
}

// SlotsPerRow is the number of tile slots along one edge of the atlas.
func (c Config) SlotsPerRow() uint32 {
	return c.PhysicalTextureSize / c.TileSize
}

// SlotCount is (physical / tile)^2.
func (c Config) SlotCount() uint32 {
	n := c.SlotsPerRow()
	return n * n
}

// TileSpan is the number of mip-0 texels covered by one tile edge at mip.
func (c Config) TileSpan(mip uint8) uint64 {
	return uint64(c.TileSize) << mip
}

// Validate reports whether coord addresses a tile inside the virtual texture.
func (c Config) Validate(coord TileCoord) error {
	if coord.Mip > c.maxMip {
		return fmt.Errorf("%w: %s: mip exceeds max mip level %d", ErrInvalidCoordinate, coord, c.maxMip)
	}
	n := c.TilesPerRow(coord.Mip)
	if coord.X >= n || coord.Y >= n {
		return fmt.Errorf("%w: %s: outside %dx%d tile grid", ErrInvalidCoordinate, coord, n, n)
	}
	return nil
}

// Normalize folds mips past the end of the chain onto the single-tile mip,
// then validates the result.
func (c Config) Normalize(coord TileCoord) (TileCoord, error) {
	if coord.Mip > c.maxMip {
		if coord.X != 0 || coord.Y != 0 {
			return TileCoord{}, fmt.Errorf("%w: %s: beyond the single-tile mip", ErrInvalidCoordinate, coord)
		}
		coord = TileCoord{Mip: c.maxMip}
	}
	if err := c.Validate(coord); err != nil {
		return TileCoord{}, err
	}
	return coord, nil
}

// TileAtPixel maps a mip-0 texel position to the tile containing it at mip.
// Positions past the last whole tile clamp into it.
func (c Config) TileAtPixel(px, py uint32, mip uint8) (TileCoord, error) {
	if mip > c.maxMip {
		return TileCoord{}, fmt.Errorf("%w: mip %d exceeds max mip level %d", ErrInvalidCoordinate, mip, c.maxMip)
	}
	if px >= c.VirtualTextureSize || py >= c.VirtualTextureSize {
		return TileCoord{}, fmt.Errorf("%w: pixel (%d, %d) outside %d texture", ErrInvalidCoordinate, px, py, c.VirtualTextureSize)
	}
	span := c.TileSpan(mip)
	n := uint64(c.TilesPerRow(mip))
	x := min(uint64(px)/span, n-1)
	y := min(uint64(py)/span, n-1)
	return TileCoord{X: uint32(x), Y: uint32(y), Mip: mip}, nil
}

// TileBounds is the half-open mip-0 texel rectangle covered by coord. The last
// tile of a row or column also covers the texels past the last whole span.
func (c Config) TileBounds(coord TileCoord) (x0, y0, x1, y1 uint64) {
	span := c.TileSpan(coord.Mip)
	last := uint64(c.TilesPerRow(coord.Mip)) - 1
	edge := func(i uint32) (uint64, uint64) {
		lo := uint64(i) * span
		if uint64(i) >= last {
			return lo, uint64(c.VirtualTextureSize)
		}
		return lo, lo + span
	}
	x0, x1 = edge(coord.X)
	y0, y1 = edge(coord.Y)
	return x0, y0, x1, y1
}

// Ancestor is the tile at the coarser mip covering coord. Rows whose tile
// count halves with a remainder fold their last tile into the grid, so the
// result is clamped to the last tile of the row.
func (c Config) Ancestor(coord TileCoord, mip uint8) TileCoord {
	a := coord.Ancestor(mip)
	if mip <= coord.Mip {
		return a
	}
	last := c.TilesPerRow(mip) - 1
	a.X = min(a.X, last)
	a.Y = min(a.Y, last)
	return a
}

// TileAtUV is TileAtPixel for normalized coordinates; uv is clamped to [0, 1).
func (c Config) TileAtUV(u, v float32, mip uint8) (TileCoord, error) {
	return c.TileAtPixel(c.uvToPixel(u), c.uvToPixel(v), mip)
}

func (c Config) uvToPixel(u float32) uint32 {
	if u <= 0 {
		return 0
	}
	p := uint64(float64(u) * float64(c.VirtualTextureSize))
	if p >= uint64(c.VirtualTextureSize) {
		return c.VirtualTextureSize - 1
	}
	return uint32(p)
}

func (c Config) String() string {
	return fmt.Sprintf("vt{physical=%d virtual=%d tile=%d mips=%d slots=%d}",
		c.PhysicalTextureSize, c.VirtualTextureSize, c.TileSize, c.MipLevels(), c.SlotCount())
}
