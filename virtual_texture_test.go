package vtex

import (
	"fmt"
	"image"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/feedback"
	"github.com/gekko3d/vtex/vt/gpu"
	"github.com/gekko3d/vtex/vt/source"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordLogger struct {
	nopLogger
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

// testSource serves solid tiles and can hold every load until released.
type testSource struct {
	tileSize uint32
	size     uint32
	gate     chan struct{}
	fail     map[core.TileCoord]bool
	once     sync.Once
}

func newTestSource(s Settings, gated bool) *testSource {
	src := &testSource{tileSize: s.TileSize, size: s.VirtualTextureSize, fail: map[core.TileCoord]bool{}}
	src.gate = make(chan struct{})
	if !gated {
		src.release()
	}
	return src
}

func (s *testSource) release() { s.once.Do(func() { close(s.gate) }) }

func (s *testSource) Tile(c core.TileCoord) ([]byte, error) {
	<-s.gate
	if s.fail[c] {
		return nil, fmt.Errorf("%w: %s", source.ErrCorrupt, c)
	}
	px := make([]byte, int(s.tileSize)*int(s.tileSize)*4)
	for i := 0; i < len(px); i += 4 {
		px[i], px[i+1], px[i+2], px[i+3] = byte(c.X), byte(c.Y), c.Mip, 255
	}
	return px, nil
}

func (s *testSource) LogicalSize() (uint32, uint32) { return s.size, s.size }

func testSettings(physical, virtual uint32) Settings {
	s := DefaultSettings()
	s.TileSize = 256
	s.PhysicalTextureSize = physical
	s.VirtualTextureSize = virtual
	s.MaxUploadsPerFrame = 0
	s.Debug = true
	return s
}

func newTestVT(t *testing.T, s Settings, src source.TileSource, log Logger) (*VirtualTexture, *gpu.MemorySurface) {
	t.Helper()
	surface := gpu.NewMemorySurface()
	if log == nil {
		log = NewNopLogger()
	}
	v, err := New(Options{
		Settings:      s,
		Source:        src,
		Surface:       surface,
		Logger:        log,
		SurfaceWidth:  80,
		SurfaceHeight: 80,
		Label:         t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		v.Close()
		if ts, ok := src.(*testSource); ok {
			ts.release()
		}
		v.Wait()
	})
	return v, surface
}

// writeFeedback stands in for the scene render: it writes one request texel
// per coordinate and leaves the rest of the target cleared.
func writeFeedback(t *testing.T, s *gpu.MemorySurface, tg Targets, coords ...core.TileCoord) {
	t.Helper()
	w, h := tg.Feedback.Width(), tg.Feedback.Height()
	n := int(w * h)
	require.LessOrEqual(t, len(coords), n)
	buf := make([]byte, n*feedback.BytesPerTexel)
	for i := 0; i < n; i++ {
		copy(buf[i*feedback.BytesPerTexel:], feedback.ClearTexel())
	}
	for i, c := range coords {
		feedback.EncodeTexel(buf[i*feedback.BytesPerTexel:], c, tg.FeedbackID)
	}
	require.NoError(t, s.WriteTexture(tg.Feedback, gpu.Region{Width: w, Height: h}, buf, w*feedback.BytesPerTexel))
}

func runFrame(t *testing.T, v *VirtualTexture, s *gpu.MemorySurface, coords ...core.TileCoord) {
	t.Helper()
	require.NoError(t, v.Frame(func(tg Targets) error {
		writeFeedback(t, s, tg, coords...)
		return nil
	}))
	require.NoError(t, v.Atlas().CheckConsistency(), "frame %d", v.Stats().Frame)
}

func runUntil(t *testing.T, v *VirtualTexture, s *gpu.MemorySurface, cond func() bool, coords ...core.TileCoord) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached by frame %d", v.Stats().Frame)
		runFrame(t, v, s, coords...)
		time.Sleep(time.Millisecond)
	}
}

func row(n uint32) []core.TileCoord {
	out := make([]core.TileCoord, n)
	for i := range out {
		out[i] = core.TileCoord{X: uint32(i), Y: 0, Mip: 0}
	}
	return out
}

func TestVirtualTexture_CapacitySaturation(t *testing.T) {
	st := testSettings(512, 2048)
	st.PinFallbackMip = false
	src := newTestSource(st, true)
	v, s := newTestVT(t, st, src, nil)
	require.Equal(t, 4, v.Atlas().Stats().Slots)

	coords := row(5)
	runFrame(t, v, s, coords...)
	assert.Equal(t, 5, v.Stats().Jobs)

	src.release()
	require.Eventually(t, func() bool { return v.sched.Stats().Completed == 5 }, 2*time.Second, time.Millisecond)

	// every load is ready, but only four fit while all five are visible
	runFrame(t, v, s, coords...)
	stats := v.Stats()
	assert.Equal(t, 4, stats.Resident)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, uint64(4), stats.Uploaded)
	assert.Equal(t, uint64(0), stats.Evictions)

	var deferred core.TileCoord
	for _, c := range coords {
		if _, ok := v.Pages().Lookup(c); !ok {
			deferred = c
		}
	}
	assert.True(t, v.sched.Has(deferred), "the deferred tile is kept, not dropped")

	// once the view only needs the deferred tile it takes the oldest slot
	runUntil(t, v, s, func() bool {
		_, ok := v.Pages().Lookup(deferred)
		return ok
	}, deferred)
	stats = v.Stats()
	assert.Equal(t, 4, stats.Resident)
	assert.Equal(t, 0, stats.Deferred)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(5), stats.Uploaded)
}

func TestVirtualTexture_DeferredTileExpires(t *testing.T) {
	st := testSettings(512, 2048)
	st.PinFallbackMip = false
	st.DeferredTTLFrames = 3
	src := newTestSource(st, true)
	v, s := newTestVT(t, st, src, nil)

	coords := row(5)
	runFrame(t, v, s, coords...)
	src.release()
	require.Eventually(t, func() bool { return v.sched.Stats().Completed == 5 }, 2*time.Second, time.Millisecond)
	runFrame(t, v, s, coords...)
	require.Equal(t, 1, v.Stats().Deferred)

	var visible []core.TileCoord
	for _, c := range coords {
		if _, ok := v.Pages().Lookup(c); ok {
			visible = append(visible, c)
		}
	}
	require.Len(t, visible, 4)

	for i := 0; i < 6; i++ {
		runFrame(t, v, s, visible...)
	}
	stats := v.Stats()
	assert.Equal(t, 0, stats.Deferred)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 4, stats.Jobs+stats.Resident)
}

func TestVirtualTexture_GracefulDegradation(t *testing.T) {
	st := testSettings(1024, 8192)
	src := newTestSource(st, false)
	bad := core.TileCoord{X: 5, Y: 5, Mip: 2}
	coarse := core.TileCoord{X: 2, Y: 2, Mip: 3}
	src.fail[bad] = true
	log := &recordLogger{}
	v, s := newTestVT(t, st, src, log)

	runUntil(t, v, s, func() bool {
		_, ok := v.Pages().Lookup(coarse)
		return ok && v.Stats().Failed > 0
	}, bad, coarse)

	_, ok := v.Pages().Lookup(bad)
	assert.False(t, ok)
	assert.NotEmpty(t, log.warns)
	assert.Empty(t, log.errs)

	uv := mgl32.Vec2{0.6875, 0.6875}
	phys, used, ok := v.Resolve(uv, 2)
	require.True(t, ok)
	assert.Equal(t, coarse, used)

	slot, _ := v.Pages().Lookup(coarse)
	ox, oy := v.Atlas().SlotOrigin(slot)
	// 5632 texels is three quarters into the 2048 texel span of (2,2,3)
	want := mgl32.Vec2{float32(ox) + 192, float32(oy) + 192}.Mul(1.0 / 1024)
	assert.InDelta(t, want.X(), phys.X(), 1e-5)
	assert.InDelta(t, want.Y(), phys.Y(), 1e-5)

	// the failed tile keeps being requested but is not reloaded right away
	for i := 0; i < 5; i++ {
		runFrame(t, v, s, bad, coarse)
	}
	assert.Greater(t, v.sched.Stats().BackedOff, uint64(0))
	assert.Equal(t, uint64(1), v.Stats().Failed)
}

func TestVirtualTexture_ResolveRowEndTexels(t *testing.T) {
	// 512000/256 halves to odd tile counts, so row ends carry remainders
	st := testSettings(512, 512000)
	v, s := newTestVT(t, st, newTestSource(st, false), nil)
	top := core.TileCoord{Mip: v.Config().MaxMipLevel()}
	require.Equal(t, uint8(10), top.Mip)

	runUntil(t, v, s, func() bool {
		_, ok := v.Pages().Lookup(top)
		return ok
	})
	for _, uv := range []mgl32.Vec2{{0.25, 0.25}, {0.75, 0.25}, {0.999, 0.999}} {
		_, used, ok := v.Resolve(uv, 0)
		require.True(t, ok, "%v", uv)
		assert.Equal(t, top, used, "%v", uv)
	}

	edge := core.TileCoord{X: 61, Y: 0, Mip: 5}
	runUntil(t, v, s, func() bool {
		_, ok := v.Pages().Lookup(edge)
		return ok
	}, edge)
	_, used, ok := v.Resolve(mgl32.Vec2{0.995, 0.01}, 4)
	require.True(t, ok)
	assert.Equal(t, edge, used)
}

func TestVirtualTexture_CoalescesAcrossFrames(t *testing.T) {
	st := testSettings(1024, 8192)
	st.PinFallbackMip = false
	src := newTestSource(st, true)
	v, s := newTestVT(t, st, src, nil)

	c := core.TileCoord{X: 7, Y: 3, Mip: 1}
	runFrame(t, v, s, c)
	runFrame(t, v, s, c)
	runFrame(t, v, s, c)

	stats := v.sched.Stats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(2), stats.Coalesced)

	src.release()
	runUntil(t, v, s, func() bool {
		_, ok := v.Pages().Lookup(c)
		return ok
	}, c)
	assert.Equal(t, uint64(1), v.sched.Stats().Submitted)
}

func TestVirtualTexture_BijectionUnderChurn(t *testing.T) {
	st := testSettings(512, 4096)
	st.MaxUploadsPerFrame = 3
	src := newTestSource(st, false)
	v, s := newTestVT(t, st, src, nil)
	cfg := v.Config()

	rng := rand.New(rand.NewSource(1))
	for frame := 0; frame < 150; frame++ {
		var coords []core.TileCoord
		for i := 0; i < 1+rng.Intn(6); i++ {
			mip := uint8(rng.Intn(int(cfg.MaxMipLevel()) + 1))
			n := cfg.TilesPerRow(mip)
			coords = append(coords, core.TileCoord{X: uint32(rng.Intn(int(n))), Y: uint32(rng.Intn(int(n))), Mip: mip})
		}
		runFrame(t, v, s, coords...)
		if frame%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	stats := v.Stats()
	assert.LessOrEqual(t, stats.Resident, 4)
	assert.Greater(t, stats.Uploaded, uint64(4))
	assert.Greater(t, stats.Evictions, uint64(0))
}

func TestVirtualTexture_UploadBudget(t *testing.T) {
	st := testSettings(2048, 8192)
	st.PinFallbackMip = false
	st.MaxUploadsPerFrame = 2
	src := newTestSource(st, true)
	v, s := newTestVT(t, st, src, nil)

	coords := row(6)
	runFrame(t, v, s, coords...)
	src.release()
	require.Eventually(t, func() bool { return v.sched.Stats().Completed == 6 }, 2*time.Second, time.Millisecond)

	runFrame(t, v, s, coords...)
	assert.Equal(t, uint64(2), v.Stats().Uploaded)
	runFrame(t, v, s, coords...)
	assert.Equal(t, uint64(4), v.Stats().Uploaded)
	runFrame(t, v, s, coords...)
	assert.Equal(t, uint64(6), v.Stats().Uploaded)
}

func TestVirtualTexture_FallbackPinnedAndFlushed(t *testing.T) {
	st := testSettings(512, 2048)
	src := newTestSource(st, false)
	v, s := newTestVT(t, st, src, nil)
	fallback := core.TileCoord{Mip: v.Config().MaxMipLevel()}

	runUntil(t, v, s, func() bool { return v.Stats().Pinned == 1 })
	slot, ok := v.Pages().Lookup(fallback)
	require.True(t, ok)
	assert.True(t, v.Atlas().Slot(slot).Pinned)

	// the indirection texture reflects the binding after the frame's flush
	texel, err := s.ReadTexel(v.Bindings().Indirection, 0, 0, uint32(fallback.Mip))
	require.NoError(t, err)
	assert.Equal(t, byte(1), texel[6])

	// the fallback survives a view that keeps cycling through other tiles
	others := row(8)
	for i := 0; v.Stats().Uploaded < 9 && i < 2000; i++ {
		runFrame(t, v, s, others[(i/3)%len(others)])
		time.Sleep(100 * time.Microsecond)
	}
	require.GreaterOrEqual(t, v.Stats().Uploaded, uint64(9))
	assert.Greater(t, v.Stats().Evictions, uint64(0))
	slot2, ok := v.Pages().Lookup(fallback)
	assert.True(t, ok)
	assert.Equal(t, slot, slot2)
}

func TestVirtualTexture_ResizeAndClose(t *testing.T) {
	st := testSettings(512, 2048)
	src := newTestSource(st, true)
	v, s := newTestVT(t, st, src, nil)

	runFrame(t, v, s, row(3)...)
	require.NoError(t, v.Resize(160, 120))
	w, h := v.feedback.Size()
	assert.Equal(t, uint32(16), w)
	assert.Equal(t, uint32(12), h)
	runFrame(t, v, s, row(3)...)

	live := s.Live()
	v.Close()
	v.Close()
	assert.Equal(t, live-3, s.Live())

	_, err := v.BeginFrame()
	assert.ErrorIs(t, err, ErrClosed)

	// loads blocked in the source finish after close and are discarded
	src.release()
	v.Wait()
	assert.Empty(t, v.sched.Drain(0))
}

func TestVirtualTexture_FrameMisuse(t *testing.T) {
	st := testSettings(512, 2048)
	v, _ := newTestVT(t, st, newTestSource(st, false), nil)

	assert.Error(t, v.EndFrame())
	_, err := v.BeginFrame()
	require.NoError(t, err)
	_, err = v.BeginFrame()
	assert.Error(t, err)
	require.NoError(t, v.EndFrame())
}

func TestNew_Rejects(t *testing.T) {
	st := testSettings(512, 2048)
	src := newTestSource(st, false)

	off := st
	off.IsEnable = false
	_, err := New(Options{Settings: off, Source: src, Surface: gpu.NewMemorySurface()})
	assert.ErrorIs(t, err, ErrDisabled)

	bad := st
	bad.PhysicalTextureSize = 500
	_, err = New(Options{Settings: bad, Source: src, Surface: gpu.NewMemorySurface()})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	_, err = New(Options{Settings: st, Surface: gpu.NewMemorySurface()})
	assert.Error(t, err)
	_, err = New(Options{Settings: st, Source: src})
	assert.Error(t, err)

	// a source cut at another tile size would fail every upload
	otherCfg, err := core.NewConfig(512, 2048, 128)
	require.NoError(t, err)
	_, err = New(Options{Settings: st, Source: source.NewProcedural(otherCfg), Surface: gpu.NewMemorySurface()})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)

	sameCfg, err := st.Config()
	require.NoError(t, err)
	v, err := New(Options{Settings: st, Source: source.NewProcedural(sameCfg), Surface: gpu.NewMemorySurface()})
	require.NoError(t, err)
	v.Close()
	v.Wait()
}

func TestNew_RejectsPackedTileSizeMismatch(t *testing.T) {
	st := testSettings(512, 2048)
	path := filepath.Join(t.TempDir(), "small.vimg")
	w, err := source.Create(path, 128, 256, 256)
	require.NoError(t, err)
	_, err = source.Pack(w, image.NewRGBA(image.Rect(0, 0, 256, 256)), source.PackOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	p, err := source.Open(path)
	require.NoError(t, err)
	defer p.Close()
	_, err = New(Options{Settings: st, Source: p, Surface: gpu.NewMemorySurface()})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestVirtualTexture_SharedFeedbackTarget(t *testing.T) {
	sa := testSettings(1024, 8192)
	sa.FeedbackID = 1
	sa.PinFallbackMip = false
	sb := testSettings(1024, 4096)
	sb.FeedbackID = 2
	sb.PinFallbackMip = false

	surface := gpu.NewMemorySurface()
	pass, err := feedback.NewPass(surface, 80, 80, sa.FeedbackBufferDivisor, "shared.feedback")
	require.NoError(t, err)
	open := func(s Settings, label string) (*VirtualTexture, error) {
		return New(Options{
			Settings:      s,
			Source:        newTestSource(s, false),
			Surface:       surface,
			SurfaceWidth:  80,
			SurfaceHeight: 80,
			Feedback:      pass,
			Label:         label,
		})
	}
	va, err := open(sa, "a")
	require.NoError(t, err)
	vb, err := open(sb, "b")
	require.NoError(t, err)
	t.Cleanup(func() {
		va.Close()
		vb.Close()
		va.Wait()
		vb.Wait()
		pass.Release()
	})

	_, err = open(sa, "dup")
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration, "feedback ids are unique per target")
	other := sa
	other.FeedbackID = 3
	_, err = New(Options{Settings: other, Source: newTestSource(other, false), Surface: gpu.NewMemorySurface(), Feedback: pass})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration, "target on another surface")
	assert.Equal(t, 2, pass.Registered())

	// (20,3,0) only exists in a's grid; (1,1,1) is requested by b alone
	ca := core.TileCoord{X: 20, Y: 3, Mip: 0}
	cb := core.TileCoord{X: 1, Y: 1, Mip: 1}
	frame := func() {
		ta, err := va.BeginFrame()
		require.NoError(t, err)
		tb, err := vb.BeginFrame()
		require.NoError(t, err)
		require.Equal(t, ta.Feedback, tb.Feedback)

		w, h := ta.Feedback.Width(), ta.Feedback.Height()
		buf := make([]byte, int(w*h)*feedback.BytesPerTexel)
		for i := 0; i < int(w*h); i++ {
			copy(buf[i*feedback.BytesPerTexel:], feedback.ClearTexel())
		}
		feedback.EncodeTexel(buf, ca, ta.FeedbackID)
		feedback.EncodeTexel(buf[feedback.BytesPerTexel:], cb, tb.FeedbackID)
		require.NoError(t, surface.WriteTexture(ta.Feedback, gpu.Region{Width: w, Height: h}, buf, w*feedback.BytesPerTexel))

		require.NoError(t, va.EndFrame())
		require.NoError(t, vb.EndFrame())
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		frame()
		_, okA := va.Pages().Lookup(ca)
		_, okB := vb.Pages().Lookup(cb)
		if okA && okB {
			break
		}
		require.True(t, time.Now().Before(deadline), "tiles not resident by frame %d", va.Stats().Frame)
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, []core.TileCoord{ca}, va.Requests().Coords())
	assert.Equal(t, []core.TileCoord{cb}, vb.Requests().Coords())
	_, ok := va.Pages().Lookup(cb)
	assert.False(t, ok, "b's request never reaches a")
	assert.Equal(t, 2, pass.LastStats.Requests)

	// closing one texture leaves the shared target to the other
	va.Close()
	assert.Equal(t, 1, pass.Registered())
	assert.NotNil(t, pass.Texture())
	frameB := func() {
		require.NoError(t, vb.Frame(func(tg Targets) error {
			writeFeedback(t, surface, tg, cb)
			return nil
		}))
	}
	frameB()
	assert.Equal(t, []core.TileCoord{cb}, vb.Requests().Coords())
}
