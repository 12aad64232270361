package source

import (
	"fmt"
	"image"
	"image/color"

	"github.com/gekko3d/vtex/vt/core"
	"golang.org/x/image/draw"
)

// mip palette, finest first
var mipColors = []color.RGBA{
	{230, 80, 70, 255},
	{240, 160, 60, 255},
	{230, 220, 80, 255},
	{110, 200, 90, 255},
	{70, 190, 200, 255},
	{80, 120, 230, 255},
	{150, 90, 220, 255},
	{220, 100, 190, 255},
}

// Procedural synthesizes a checkerboard tile set. Each mip has its own hue
// and every tile carries a dark border, so residency is easy to see.
type Procedural struct {
	Config core.Config
	Border int
}

func NewProcedural(cfg core.Config) *Procedural {
	return &Procedural{Config: cfg, Border: 2}
}

func (p *Procedural) Tile(coord core.TileCoord) ([]byte, error) {
	if err := p.Config.Validate(coord); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTileNotCovered, err)
	}
	ts := int(p.Config.TileSize)
	img := image.NewRGBA(image.Rect(0, 0, ts, ts))

	c := mipColors[int(coord.Mip)%len(mipColors)]
	if (coord.X+coord.Y)%2 == 1 {
		c = color.RGBA{c.R / 2, c.G / 2, c.B / 2, 255}
	}
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)

	if b := min(p.Border, ts/2); b > 0 {
		edge := &image.Uniform{color.RGBA{20, 20, 20, 255}}
		for _, r := range []image.Rectangle{
			image.Rect(0, 0, ts, b),
			image.Rect(0, ts-b, ts, ts),
			image.Rect(0, 0, b, ts),
			image.Rect(ts-b, 0, ts, ts),
		} {
			draw.Draw(img, r, edge, image.Point{}, draw.Src)
		}
	}
	return img.Pix, nil
}

func (p *Procedural) LogicalSize() (uint32, uint32) {
	return p.Config.VirtualTextureSize, p.Config.VirtualTextureSize
}

func (p *Procedural) TileSize() uint32 {
	return p.Config.TileSize
}
