package main

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// display owns the device and the window's swap chain.
type display struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Surface  *wgpu.Surface
	Config   *wgpu.SurfaceConfiguration
}

func newDisplay(window *glfw.Window) (*display, error) {
	d := &display{Instance: wgpu.CreateInstance(nil)}
	d.Surface = d.Instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(window))

	adapter, err := d.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: d.Surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	d.Adapter = adapter

	d.Device, err = adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d.Queue = d.Device.GetQueue()

	width, height := window.GetFramebufferSize()
	caps := d.Surface.GetCapabilities(adapter)
	d.Config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	d.Surface.Configure(adapter, d.Device, d.Config)
	return d, nil
}

func (d *display) Resize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	d.Config.Width = uint32(w)
	d.Config.Height = uint32(h)
	d.Surface.Configure(d.Adapter, d.Device, d.Config)
}

// Present clears the swap chain image to c and shows it.
func (d *display) Present(c wgpu.Color) error {
	next, err := d.Surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("failed to get surface texture: %w", err)
	}
	defer next.Release()

	view, err := next.CreateView(nil)
	if err != nil {
		return fmt.Errorf("failed to create surface view: %w", err)
	}
	defer view.Release()

	encoder, err := d.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: c,
		}},
	})
	if err := pass.End(); err != nil {
		return fmt.Errorf("present pass: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish present encoder: %w", err)
	}
	d.Queue.Submit(cmd)
	d.Surface.Present()
	return nil
}

func (d *display) Release() {
	d.Surface.Release()
	d.Queue.Release()
	d.Device.Release()
	d.Adapter.Release()
	d.Instance.Release()
}
