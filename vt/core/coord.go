package core

import "fmt"

// TileCoord identifies one tile of the virtual texture at one mip level.
type TileCoord struct {
	X   uint32
	Y   uint32
	Mip uint8
}

func (c TileCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Mip)
}

// Parent is the tile one mip coarser that covers c on a power-of-two grid.
// Config.Ancestor handles grids whose rows end in a remainder tile.
func (c TileCoord) Parent() TileCoord {
	return TileCoord{X: c.X >> 1, Y: c.Y >> 1, Mip: c.Mip + 1}
}

// Ancestor is the tile at the given coarser mip that covers c on a
// power-of-two grid; it is not clamped to the grid. Asking for a finer mip returns c unchanged.
func (c TileCoord) Ancestor(mip uint8) TileCoord {
	if mip <= c.Mip {
		return c
	}
	shift := mip - c.Mip
	if shift >= 32 {
		return TileCoord{Mip: mip}
	}
	return TileCoord{X: c.X >> shift, Y: c.Y >> shift, Mip: mip}
}

// Less orders coordinates coarse mips first, then row-major.
func (c TileCoord) Less(o TileCoord) bool {
	if c.Mip != o.Mip {
		return c.Mip > o.Mip
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b TileCoord) int {
	switch {
	case a == b:
		return 0
	case a.Less(b):
		return -1
	default:
		return 1
	}
}
