package source

import (
	"fmt"
	"image"

	"github.com/gekko3d/vtex/vt/core"
	"golang.org/x/image/draw"
)

type PackOptions struct {
	TileSize uint32
	// Kernel halves each mip level's image into the next one and scales
	// remainder tiles down to the tile edge. Defaults to draw.BiLinear.
	Kernel draw.Scaler
	// Progress is called after each mip level has been written.
	Progress func(mip uint8, tiles int)
}

type PackStats struct {
	VirtualSize uint32
	MipLevels   uint32
	Tiles       int
}

// VirtualSizeFor is the smallest multiple of tileSize covering the longer
// edge of bounds.
func VirtualSizeFor(bounds image.Rectangle, tileSize uint32) uint32 {
	edge := uint32(max(bounds.Dx(), bounds.Dy(), 1))
	return (edge + tileSize - 1) / tileSize * tileSize
}

// Pack cuts img into tiles for every mip of its virtual texture and writes
// them to w. The image sits in the top-left corner of a square, transparent
// padded canvas. Each mip level is the previous level halved; a tile is the
// level region matching core.Config.TileBounds, so the last tile of a row
// scales its remainder down to the tile edge. Pack does not finalize w.
func Pack(w *Writer, img image.Image, opts PackOptions) (PackStats, error) {
	ts := opts.TileSize
	if ts == 0 {
		ts = w.hdr.tileSize
	}
	if ts != w.hdr.tileSize {
		return PackStats{}, fmt.Errorf("pack: tile size %d does not match writer tile size %d", ts, w.hdr.tileSize)
	}
	kernel := opts.Kernel
	if kernel == nil {
		kernel = draw.BiLinear
	}

	virtual := VirtualSizeFor(img.Bounds(), ts)
	cfg, err := core.NewConfig(ts, virtual, ts)
	if err != nil {
		return PackStats{}, fmt.Errorf("pack: %w", err)
	}

	level := image.NewRGBA(image.Rect(0, 0, int(virtual), int(virtual)))
	b := img.Bounds()
	draw.Draw(level, image.Rect(0, 0, b.Dx(), b.Dy()), img, b.Min, draw.Src)

	st := PackStats{VirtualSize: virtual, MipLevels: cfg.MipLevels()}
	tileImg := image.NewRGBA(image.Rect(0, 0, int(ts), int(ts)))
	for mip := uint8(0); mip <= cfg.MaxMipLevel(); mip++ {
		if mip > 0 {
			edge := (level.Bounds().Dx() + 1) / 2
			next := image.NewRGBA(image.Rect(0, 0, edge, edge))
			kernel.Scale(next, next.Bounds(), level, level.Bounds(), draw.Src, nil)
			level = next
		}
		n := cfg.TilesPerRow(mip)
		written := 0
		for y := uint32(0); y < n; y++ {
			for x := uint32(0); x < n; x++ {
				coord := core.TileCoord{X: x, Y: y, Mip: mip}
				src := levelRegion(level.Bounds().Dx(), ts, x, y, n)
				if src.Dx() == int(ts) && src.Dy() == int(ts) {
					draw.Draw(tileImg, tileImg.Bounds(), level, src.Min, draw.Src)
				} else {
					kernel.Scale(tileImg, tileImg.Bounds(), level, src, draw.Src, nil)
				}
				if err := w.WriteTile(coord, tileImg.Pix); err != nil {
					return st, err
				}
				written++
			}
		}
		st.Tiles += written
		if opts.Progress != nil {
			opts.Progress(mip, written)
		}
	}
	return st, nil
}

// levelRegion is tile (x, y) of an n-tile row in a level image edge texels
// wide; the last tile runs to the edge.
func levelRegion(edge int, ts, x, y, n uint32) image.Rectangle {
	span := func(i uint32) (int, int) {
		lo := int(i * ts)
		if i == n-1 {
			return lo, edge
		}
		return lo, lo + int(ts)
	}
	x0, x1 := span(x)
	y0, y1 := span(y)
	return image.Rect(x0, y0, x1, y1)
}
