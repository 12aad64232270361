// Command vtdemo drives the paging engine against a WebGPU device. A camera
// pans and zooms over the virtual texture; its visible tiles are written into
// the feedback target each frame and the window title shows residency.
package main

import (
	"flag"
	"fmt"
	"image"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/vtex"
	"github.com/gekko3d/vtex/vt/feedback"
	"github.com/gekko3d/vtex/vt/gpu"
	"github.com/gekko3d/vtex/vt/source"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	var (
		config = flag.String("config", "", "settings YAML (default settings when empty)")
		packed = flag.String("pack", "", "tile file written by vtpack (procedural tiles when empty)")
		debug  = flag.Bool("debug", false, "verbose logging and consistency checks")
	)
	flag.Parse()

	log := vtex.NewDefaultLogger("vtdemo", *debug)
	if err := run(log, *config, *packed, *debug); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(log vtex.Logger, configPath, packedPath string, debug bool) error {
	settings := vtex.DefaultSettings()
	if configPath != "" {
		var err error
		if settings, err = vtex.LoadSettings(configPath); err != nil {
			return err
		}
	}
	settings.Debug = settings.Debug || debug

	var src source.TileSource
	if packedPath != "" {
		p, err := source.Open(packedPath)
		if err != nil {
			return err
		}
		defer p.Close()
		settings.TileSize = p.TileSize()
		w, h := p.LogicalSize()
		settings.VirtualTextureSize = source.VirtualSizeFor(image.Rect(0, 0, int(w), int(h)), p.TileSize())
		src = p
	} else {
		cfg, err := settings.Config()
		if err != nil {
			return err
		}
		src = source.NewProcedural(cfg)
	}

	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(1280, 720, "vtdemo", nil, nil)
	if err != nil {
		return err
	}
	defer window.Destroy()

	disp, err := newDisplay(window)
	if err != nil {
		return err
	}
	defer disp.Release()

	width, height := window.GetFramebufferSize()
	surface := gpu.NewWGPUSurface(disp.Device)
	vt, err := vtex.New(vtex.Options{
		Settings:      settings,
		Source:        src,
		Surface:       surface,
		Logger:        log,
		SurfaceWidth:  uint32(width),
		SurfaceHeight: uint32(height),
		Label:         "demo",
	})
	if err != nil {
		return err
	}
	defer vt.Wait()
	defer vt.Close()

	cam := &camera{Zoom: 1}
	window.SetFramebufferSizeCallback(func(w *glfw.Window, fw, fh int) {
		if fw <= 0 || fh <= 0 {
			return
		}
		width, height = fw, fh
		disp.Resize(fw, fh)
		if err := vt.Resize(uint32(fw), uint32(fh)); err != nil {
			log.Warnf("resize: %v", err)
		}
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if action != glfw.Press && action != glfw.Repeat {
			return
		}
		switch key {
		case glfw.KeyEscape:
			w.SetShouldClose(true)
		case glfw.KeySpace:
			cam.Paused = !cam.Paused
		case glfw.KeyEqual, glfw.KeyKPAdd:
			cam.Zoom *= 1.25
		case glfw.KeyMinus, glfw.KeyKPSubtract:
			cam.Zoom /= 1.25
		case glfw.KeyP:
			fmt.Print(vt.Profiler().GetStatsString())
		}
	})

	var buf []byte
	for !window.ShouldClose() {
		glfw.PollEvents()
		cam.Update(glfw.GetTime())

		err := vt.Frame(func(t vtex.Targets) error {
			buf = cam.Feedback(buf, t, uint32(width), uint32(height))
			fw, fh := t.Feedback.Width(), t.Feedback.Height()
			return surface.WriteTexture(t.Feedback, gpu.Region{Width: fw, Height: fh}, buf, fw*feedback.BytesPerTexel)
		})
		if err != nil {
			return err
		}

		st := vt.Stats()
		fill := float64(st.Resident) / float64(vt.Config().SlotCount())
		if err := disp.Present(wgpu.Color{R: 0.1, G: 0.1 + 0.6*fill, B: 0.15, A: 1}); err != nil {
			log.Warnf("%v", err)
		}
		window.SetTitle(fmt.Sprintf("vtdemo | frame %d | requested %d | resident %d/%d | loading %d | deferred %d | evicted %d | cpu %s",
			st.Frame, st.Requested, st.Resident, vt.Config().SlotCount(), st.Jobs, st.Deferred, st.Evictions,
			vt.Profiler().Total().Round(10*time.Microsecond)))
	}
	return nil
}

// camera views a square window of the virtual texture. Zoom 1 shows the
// whole texture across the screen width.
type camera struct {
	Center mgl32.Vec2
	Zoom   float32
	Paused bool
	t      float64
}

func (c *camera) Update(now float64) {
	if !c.Paused {
		c.t = now
	}
	// slow Lissajous path over the texture
	c.Center = mgl32.Vec2{
		0.5 + 0.35*float32(math.Sin(c.t*0.11)),
		0.5 + 0.35*float32(math.Sin(c.t*0.07+1)),
	}
}

// Feedback fills buf with the tile requests of every feedback texel, the
// way the sampling shader would write them.
func (c *camera) Feedback(buf []byte, t vtex.Targets, screenW, screenH uint32) []byte {
	fw, fh := t.Feedback.Width(), t.Feedback.Height()
	n := int(fw*fh) * feedback.BytesPerTexel
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]

	extent := 1 / c.Zoom
	aspect := float32(screenH) / float32(max(screenW, 1))
	dx := mgl32.Vec2{extent / float32(max(screenW, 1)), 0}
	dy := mgl32.Vec2{0, extent / float32(max(screenW, 1))}
	for y := uint32(0); y < fh; y++ {
		for x := uint32(0); x < fw; x++ {
			off := int(y*fw+x) * feedback.BytesPerTexel
			screen := mgl32.Vec2{(float32(x) + 0.5) / float32(fw), (float32(y) + 0.5) / float32(fh)}
			uv := c.Center.Add(mgl32.Vec2{
				(screen.X() - 0.5) * extent,
				(screen.Y() - 0.5) * extent * aspect,
			})
			if uv.X() < 0 || uv.Y() < 0 || uv.X() >= 1 || uv.Y() >= 1 {
				copy(buf[off:], feedback.ClearTexel())
				continue
			}
			feedback.EncodeTexel(buf[off:], t.Selector.Select(uv, dx, dy), t.FeedbackID)
		}
	}
	return buf
}
