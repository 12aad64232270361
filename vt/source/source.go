// Package source provides tile pixel data to the paging engine.
//
// A TileSource returns tightly packed RGBA8 pixels for one tile. Sources are
// called from loader goroutines, concurrently, and must be safe for that.
package source

import (
	"errors"

	"github.com/gekko3d/vtex/vt/core"
)

var (
	ErrTileNotCovered = errors.New("tile not covered by source")
	ErrCorrupt        = errors.New("corrupt tile data")
	ErrBadMagic       = errors.New("not a packed tile file")
	ErrClosed         = errors.New("tile source closed")
)

type TileSource interface {
	Tile(coord core.TileCoord) ([]byte, error)
	LogicalSize() (width, height uint32)
}

// TileSizer is implemented by sources whose tiles have a fixed edge, so a
// mismatch with the engine's tile size fails construction instead of every
// upload.
type TileSizer interface {
	TileSize() uint32
}

// Func adapts a function to TileSource.
type Func struct {
	Width, Height uint32
	Load          func(coord core.TileCoord) ([]byte, error)
}

func (f Func) Tile(coord core.TileCoord) ([]byte, error) {
	return f.Load(coord)
}

func (f Func) LogicalSize() (uint32, uint32) {
	return f.Width, f.Height
}
