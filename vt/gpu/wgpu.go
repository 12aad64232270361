package gpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// Readback states. A copy is recorded into the pending encoder, becomes
// in-flight on Submit, is mapped on a later poll and read once mapped.
const (
	readbackIdle = iota
	readbackRecorded
	readbackCopy
	readbackMapping
	readbackMapped
)

// WGPUSurface implements Surface on a WebGPU device.
type WGPUSurface struct {
	Device *wgpu.Device
	queue  *wgpu.Queue

	encoder  *wgpu.CommandEncoder
	recorded []*WGPUTexture

	StateMu sync.Mutex
}

type WGPUTexture struct {
	surface *WGPUSurface
	desc    TextureDescriptor

	Texture *wgpu.Texture
	View    *wgpu.TextureView

	fill []byte

	readbackBuf         *wgpu.Buffer
	readbackBytesPerRow uint32
	readbackState       int
	released            bool
}

func NewWGPUSurface(device *wgpu.Device) *WGPUSurface {
	return &WGPUSurface{
		Device: device,
		queue:  device.GetQueue(),
	}
}

func (t *WGPUTexture) Label() string     { return t.desc.Label }
func (t *WGPUTexture) Width() uint32     { return t.desc.Width }
func (t *WGPUTexture) Height() uint32    { return t.desc.Height }
func (t *WGPUTexture) MipLevels() uint32 { return t.desc.MipLevels }
func (t *WGPUTexture) Format() Format    { return t.desc.Format }

func (t *WGPUTexture) Release() {
	t.surface.StateMu.Lock()
	defer t.surface.StateMu.Unlock()
	if t.released {
		return
	}
	t.released = true
	if t.readbackBuf != nil {
		if t.readbackState == readbackMapped {
			t.readbackBuf.Unmap()
		}
		t.readbackBuf.Release()
		t.readbackBuf = nil
	}
	if t.View != nil {
		t.View.Release()
	}
	if t.Texture != nil {
		t.Texture.Release()
	}
}

func wgpuFormat(f Format) (wgpu.TextureFormat, error) {
	switch f {
	case FormatRGBA8Unorm:
		return wgpu.TextureFormatRGBA8Unorm, nil
	case FormatRGBA16Uint:
		return wgpu.TextureFormatRGBA16Uint, nil
	case FormatRGBA32Uint:
		return wgpu.TextureFormatRGBA32Uint, nil
	}
	return 0, fmt.Errorf("unsupported texture format %s", f)
}

func wgpuUsage(u Usage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&UsageSampled != 0 {
		out |= wgpu.TextureUsageTextureBinding
	}
	if u&UsageCopySrc != 0 {
		out |= wgpu.TextureUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		out |= wgpu.TextureUsageCopyDst
	}
	if u&UsageRenderTarget != 0 {
		out |= wgpu.TextureUsageRenderAttachment
	}
	return out
}

func (s *WGPUSurface) CreateTexture(desc TextureDescriptor) (Texture, error) {
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	format, err := wgpuFormat(desc.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create texture %q: %w", desc.Label, err)
	}

	tex, err := s.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         desc.Label,
		Size:          wgpu.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: desc.MipLevels,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         wgpuUsage(desc.Usage) | wgpu.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create texture %q: %w", desc.Label, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("failed to create view for %q: %w", desc.Label, err)
	}
	return &WGPUTexture{surface: s, desc: desc, Texture: tex, View: view}, nil
}

func (s *WGPUSurface) lookup(t Texture) (*WGPUTexture, error) {
	wt, ok := t.(*WGPUTexture)
	if !ok || wt.surface != s {
		return nil, ErrForeignTexture
	}
	if wt.released {
		return nil, fmt.Errorf("%w: %q", ErrReleased, wt.desc.Label)
	}
	return wt, nil
}

func (s *WGPUSurface) WriteTexture(dst Texture, region Region, data []byte, bytesPerRow uint32) error {
	wt, err := s.lookup(dst)
	if err != nil {
		return err
	}
	if err := checkRegion(wt, region); err != nil {
		return err
	}
	if err := checkData(wt, region, data, bytesPerRow); err != nil {
		return err
	}
	err = s.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  wt.Texture,
			MipLevel: region.Mip,
			Origin:   wgpu.Origin3D{X: region.X, Y: region.Y, Z: 0},
			Aspect:   wgpu.TextureAspectAll,
		},
		data,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  bytesPerRow,
			RowsPerImage: region.Height,
		},
		&wgpu.Extent3D{Width: region.Width, Height: region.Height, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("failed to write %q region %+v: %w", wt.desc.Label, region, err)
	}
	return nil
}

func (s *WGPUSurface) FillTexture(dst Texture, texel []byte) error {
	wt, err := s.lookup(dst)
	if err != nil {
		return err
	}
	bpt := wt.desc.Format.BytesPerTexel()
	if uint32(len(texel)) != bpt {
		return fmt.Errorf("%w: fill texel is %d bytes, format %s needs %d", ErrShortData, len(texel), wt.desc.Format, bpt)
	}

	// mip 0 is the largest level, so one pattern buffer serves every mip
	need := int(wt.desc.Width * wt.desc.Height * bpt)
	if len(wt.fill) != need || string(wt.fill[:bpt]) != string(texel) {
		wt.fill = make([]byte, need)
		for off := 0; off < need; off += int(bpt) {
			copy(wt.fill[off:], texel)
		}
	}
	for mip := uint32(0); mip < wt.desc.MipLevels; mip++ {
		w, h := MipSize(wt.desc.Width, mip), MipSize(wt.desc.Height, mip)
		region := Region{Width: w, Height: h, Mip: mip}
		if err := s.WriteTexture(wt, region, wt.fill[:w*h*bpt], w*bpt); err != nil {
			return err
		}
	}
	return nil
}

func (s *WGPUSurface) ensureEncoder() error {
	if s.encoder != nil {
		return nil
	}
	encoder, err := s.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	s.encoder = encoder
	return nil
}

func (s *WGPUSurface) ScheduleReadback(src Texture) error {
	wt, err := s.lookup(src)
	if err != nil {
		return err
	}

	s.StateMu.Lock()
	state := wt.readbackState
	s.StateMu.Unlock()

	// Issue the copy ONLY if the staging buffer is idle
	if state != readbackIdle {
		return nil
	}

	w, h := wt.desc.Width, wt.desc.Height
	bytesPerRow := (w*wt.desc.Format.BytesPerTexel() + 255) & ^uint32(255)
	if wt.readbackBuf == nil || wt.readbackBytesPerRow != bytesPerRow {
		if wt.readbackBuf != nil {
			wt.readbackBuf.Release()
		}
		wt.readbackBuf, err = s.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: wt.desc.Label + " Readback",
			Size:  uint64(bytesPerRow) * uint64(h),
			Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
		})
		if err != nil {
			return fmt.Errorf("failed to create readback buffer for %q: %w", wt.desc.Label, err)
		}
		wt.readbackBytesPerRow = bytesPerRow
	}

	if err := s.ensureEncoder(); err != nil {
		return err
	}
	s.encoder.CopyTextureToBuffer(
		&wgpu.ImageCopyTexture{
			Texture:  wt.Texture,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{X: 0, Y: 0, Z: 0},
			Aspect:   wgpu.TextureAspectAll,
		},
		&wgpu.ImageCopyBuffer{
			Buffer: wt.readbackBuf,
			Layout: wgpu.TextureDataLayout{
				Offset:       0,
				BytesPerRow:  bytesPerRow,
				RowsPerImage: h,
			},
		},
		&wgpu.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	)

	s.StateMu.Lock()
	wt.readbackState = readbackRecorded
	s.StateMu.Unlock()
	s.recorded = append(s.recorded, wt)
	return nil
}

func (s *WGPUSurface) Submit() error {
	if s.encoder == nil {
		return nil
	}
	cmd, err := s.encoder.Finish(nil)
	s.encoder = nil
	if err != nil {
		s.StateMu.Lock()
		for _, wt := range s.recorded {
			wt.readbackState = readbackIdle
		}
		s.StateMu.Unlock()
		s.recorded = s.recorded[:0]
		return fmt.Errorf("failed to finish command encoder: %w", err)
	}
	s.queue.Submit(cmd)

	s.StateMu.Lock()
	for _, wt := range s.recorded {
		if wt.readbackState == readbackRecorded {
			wt.readbackState = readbackCopy
		}
	}
	s.StateMu.Unlock()
	s.recorded = s.recorded[:0]
	return nil
}

func (s *WGPUSurface) PollReadback(src Texture) (Readback, bool, error) {
	wt, err := s.lookup(src)
	if err != nil {
		return Readback{}, false, err
	}

	s.StateMu.Lock()
	// If the GPU copy was submitted in a previous frame, start mapping now
	if wt.readbackState == readbackCopy {
		wt.readbackState = readbackMapping
		buf := wt.readbackBuf
		buf.MapAsync(wgpu.MapModeRead, 0, buf.GetSize(), func(status wgpu.BufferMapAsyncStatus) {
			s.StateMu.Lock()
			defer s.StateMu.Unlock()
			if wt.released {
				return
			}
			if status == wgpu.BufferMapAsyncStatusSuccess {
				wt.readbackState = readbackMapped
			} else {
				wt.readbackState = readbackIdle
			}
		})
	}
	s.StateMu.Unlock()

	s.Device.Poll(false, nil)

	s.StateMu.Lock()
	defer s.StateMu.Unlock()
	if wt.readbackState != readbackMapped {
		return Readback{}, false, nil
	}

	size := wt.readbackBuf.GetSize()
	mapped := wt.readbackBuf.GetMappedRange(0, uint(size))
	data := make([]byte, len(mapped))
	copy(data, mapped)
	wt.readbackBuf.Unmap()
	wt.readbackState = readbackIdle

	return Readback{
		Data:        data,
		BytesPerRow: wt.readbackBytesPerRow,
		Width:       wt.desc.Width,
		Height:      wt.desc.Height,
	}, true, nil
}
