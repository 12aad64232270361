// Command vtpack cuts an image into the tiled container read by
// source.PackedFile.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/gekko3d/vtex"
	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/source"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func main() {
	var (
		input    = flag.String("in", "", "input image (png, jpeg, bmp, tiff, webp)")
		output   = flag.String("out", "", "output tile file (default: input with .vimg)")
		tileSize = flag.Uint("tile", 256, "tile edge in texels, a power of two")
		kernel   = flag.String("kernel", "bilinear", "downsampling kernel: nearest, approx, bilinear, catmullrom")
		verify   = flag.Bool("verify", true, "reopen the output and read every tile back")
		debug    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	log := vtex.NewDefaultLogger("vtpack", *debug)
	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *output == "" {
		*output = *input + ".vimg"
	}
	if err := run(log, *input, *output, uint32(*tileSize), *kernel, *verify); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func scaler(name string) (draw.Scaler, error) {
	switch name {
	case "nearest":
		return draw.NearestNeighbor, nil
	case "approx":
		return draw.ApproxBiLinear, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}

func run(log vtex.Logger, in, out string, tileSize uint32, kernelName string, verify bool) error {
	kernel, err := scaler(kernelName)
	if err != nil {
		return err
	}

	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", in, err)
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", in, err)
	}
	b := img.Bounds()
	log.Infof("%s: %s %dx%d", in, format, b.Dx(), b.Dy())

	w, err := source.Create(out, tileSize, uint32(b.Dx()), uint32(b.Dy()))
	if err != nil {
		return err
	}
	start := time.Now()
	st, err := source.Pack(w, img, source.PackOptions{
		TileSize: tileSize,
		Kernel:   kernel,
		Progress: func(mip uint8, tiles int) {
			log.Debugf("mip %d: %d tiles", mip, tiles)
		},
	})
	if err != nil {
		os.Remove(out)
		return err
	}
	if err := w.Finalize(); err != nil {
		os.Remove(out)
		return err
	}

	info, err := os.Stat(out)
	if err != nil {
		return err
	}
	log.Infof("%s: virtual %d, %d mips, %d tiles, %d bytes in %s",
		out, st.VirtualSize, st.MipLevels, st.Tiles, info.Size(), time.Since(start).Round(time.Millisecond))

	if !verify {
		return nil
	}
	return verifyPacked(log, out, st)
}

func verifyPacked(log vtex.Logger, path string, st source.PackStats) error {
	p, err := source.Open(path)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.Len() != st.Tiles {
		return fmt.Errorf("%s: index holds %d tiles, packed %d", path, p.Len(), st.Tiles)
	}
	cfg, err := core.NewConfig(p.TileSize(), st.VirtualSize, p.TileSize())
	if err != nil {
		return err
	}
	for mip := uint8(0); mip <= cfg.MaxMipLevel(); mip++ {
		n := cfg.TilesPerRow(mip)
		for y := uint32(0); y < n; y++ {
			for x := uint32(0); x < n; x++ {
				if _, err := p.Tile(core.TileCoord{X: x, Y: y, Mip: mip}); err != nil {
					return fmt.Errorf("verify: %w", err)
				}
			}
		}
	}
	log.Infof("%s: verified %d tiles", path, st.Tiles)
	return nil
}
