package feedback

import (
	"testing"

	"github.com/gekko3d/vtex/vt/core"
	"github.com/gekko3d/vtex/vt/gpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) core.Config {
	t.Helper()
	cfg, err := core.NewConfig(1024, 8192, 256)
	require.NoError(t, err)
	return cfg
}

func TestTexelCodec(t *testing.T) {
	buf := make([]byte, BytesPerTexel)
	EncodeTexel(buf, core.TileCoord{X: 7, Y: 9, Mip: 3}, 42)
	c, id, ok := DecodeTexel(buf)
	require.True(t, ok)
	assert.Equal(t, core.TileCoord{X: 7, Y: 9, Mip: 3}, c)
	assert.Equal(t, uint32(42), id)

	_, id, ok = DecodeTexel(ClearTexel())
	assert.False(t, ok)
	assert.Equal(t, Sentinel, id)
}

func TestRequestSet(t *testing.T) {
	s := NewRequestSet()
	assert.True(t, s.Add(core.TileCoord{X: 1, Mip: 0}))
	assert.False(t, s.Add(core.TileCoord{X: 1, Mip: 0}))
	s.Add(core.TileCoord{X: 0, Y: 1, Mip: 0})
	s.Add(core.TileCoord{Mip: 4})
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []core.TileCoord{{Mip: 4}, {X: 1}, {Y: 1}}, s.Coords())

	var empty *RequestSet
	assert.False(t, empty.Contains(core.TileCoord{}))
	assert.Equal(t, 0, empty.Len())
}

func TestDecoder_SkipsSentinelForeignAndInvalid(t *testing.T) {
	cfg := testConfig(t)
	const w, h = 4, 2
	// padded rows, as a GPU readback would have
	rb := gpu.Readback{Width: w, Height: h, BytesPerRow: 256, Data: make([]byte, 256*h)}
	put := func(x, y int, c core.TileCoord, id uint32) {
		EncodeTexel(rb.Data[y*256+x*BytesPerTexel:], c, id)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(rb.Data[y*256+x*BytesPerTexel:], ClearTexel())
		}
	}
	put(0, 0, core.TileCoord{X: 5, Y: 5, Mip: 2}, 1)
	put(1, 0, core.TileCoord{X: 5, Y: 5, Mip: 2}, 1)
	put(2, 0, core.TileCoord{X: 2, Y: 2, Mip: 3}, 1)
	put(3, 0, core.TileCoord{X: 1, Y: 1, Mip: 0}, 2)
	put(0, 1, core.TileCoord{X: 40, Y: 0, Mip: 0}, 1)
	put(1, 1, core.TileCoord{X: 1, Mip: 9}, 1)
	// past the end of the chain folds onto the single-tile mip
	put(2, 1, core.TileCoord{Mip: 9}, 1)

	set, st, err := Decoder{Config: cfg, ID: 1}.Decode(rb)
	require.NoError(t, err)
	top := cfg.MaxMipLevel()
	assert.Equal(t, []core.TileCoord{{Mip: top}, {X: 2, Y: 2, Mip: 3}, {X: 5, Y: 5, Mip: 2}}, set.Coords())
	assert.Equal(t, DecodeStats{Texels: 8, Cleared: 1, Foreign: 1, Invalid: 2, Requests: 3}, st)
}

func TestDecoder_RejectsShortReadback(t *testing.T) {
	_, _, err := Decoder{Config: testConfig(t)}.Decode(gpu.Readback{Width: 4, Height: 1, BytesPerRow: 32, Data: make([]byte, 64)})
	assert.Error(t, err)
	_, _, err = Decoder{Config: testConfig(t)}.Decode(gpu.Readback{Width: 4, Height: 2, BytesPerRow: 64, Data: make([]byte, 64)})
	assert.Error(t, err)
}

func TestSelector(t *testing.T) {
	cfg := testConfig(t)
	s := Selector{Config: cfg}

	// one texel per pixel is mip 0
	d := mgl32.Vec2{1.0 / 8192, 0}
	assert.Equal(t, uint8(0), s.Mip(d, d))
	// four texels per pixel is mip 2
	d = mgl32.Vec2{4.0 / 8192, 0}
	assert.Equal(t, uint8(2), s.Mip(d, mgl32.Vec2{}))
	// minification past the chain clamps to the single tile mip
	d = mgl32.Vec2{1, 1}
	assert.Equal(t, cfg.MaxMipLevel(), s.Mip(d, d))

	s.FeedbackBias = -1
	d = mgl32.Vec2{4.0 / 8192, 0}
	assert.Equal(t, uint8(1), s.Mip(d, d))
	s.FeedbackBias = 0
	s.MipBias = 0.5
	s.MipScale = 0.5
	// log2(4)*1.5+0.5 = 3.5
	assert.Equal(t, uint8(3), s.Mip(d, d))

	c := Selector{Config: cfg}.Select(mgl32.Vec2{0.6875, 0.6875}, mgl32.Vec2{4.0 / 8192, 0}, mgl32.Vec2{})
	assert.Equal(t, core.TileCoord{X: 5, Y: 5, Mip: 2}, c)
}

func TestSize(t *testing.T) {
	w, h := Size(1920, 1080, 10)
	assert.Equal(t, uint32(192), w)
	assert.Equal(t, uint32(108), h)
	w, h = Size(5, 5, 10)
	assert.Equal(t, uint32(1), w)
	assert.Equal(t, uint32(1), h)
	w, _ = Size(64, 64, 0)
	assert.Equal(t, uint32(64), w)
}

func TestPass_ClearReadbackPoll(t *testing.T) {
	cfg := testConfig(t)
	s := gpu.NewMemorySurface()
	p, err := NewPass(s, 80, 40, 10, "test.feedback")
	require.NoError(t, err)
	require.NoError(t, p.Register(Decoder{Config: cfg, ID: 3}))
	w, h := p.Size()
	require.Equal(t, uint32(8), w)
	require.Equal(t, uint32(4), h)

	texel := make([]byte, BytesPerTexel)
	EncodeTexel(texel, core.TileCoord{X: 1, Y: 1, Mip: 1}, 3)
	require.NoError(t, s.WriteTexture(p.Texture(), gpu.Region{X: 2, Y: 1, Width: 1, Height: 1}, texel, BytesPerTexel))

	require.NoError(t, p.ScheduleReadback())
	set, ok, err := p.Poll(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []core.TileCoord{{X: 1, Y: 1, Mip: 1}}, set.Coords())
	assert.Equal(t, 31, p.LastStats.Cleared)

	// a cleared target yields an empty set, so nothing leaks across frames
	require.NoError(t, p.Clear())
	require.NoError(t, p.ScheduleReadback())
	set, ok, err = p.Poll(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, set.Len())

	_, ok, err = p.Poll(3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoute_SplitsByID(t *testing.T) {
	small := testConfig(t)
	large, err := core.NewConfig(1024, 65536, 256)
	require.NoError(t, err)

	rb := gpu.Readback{Width: 4, Height: 1, BytesPerRow: 4 * BytesPerTexel, Data: make([]byte, 4*BytesPerTexel)}
	wide := core.TileCoord{X: 100, Y: 3, Mip: 0}
	EncodeTexel(rb.Data[0:], core.TileCoord{X: 1, Y: 1, Mip: 1}, 1)
	EncodeTexel(rb.Data[BytesPerTexel:], wide, 2)
	// out of range for id 1's grid, in range for id 2's
	EncodeTexel(rb.Data[2*BytesPerTexel:], wide, 1)
	EncodeTexel(rb.Data[3*BytesPerTexel:], wide, 7)

	sets, st, err := Route(rb, map[uint32]Decoder{
		1: {Config: small, ID: 1},
		2: {Config: large, ID: 2},
		5: {Config: small, ID: 5},
	})
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, []core.TileCoord{{X: 1, Y: 1, Mip: 1}}, sets[1].Coords())
	assert.Equal(t, []core.TileCoord{wide}, sets[2].Coords())
	assert.Equal(t, 0, sets[5].Len())
	assert.Equal(t, DecodeStats{Texels: 4, Foreign: 1, Invalid: 1, Requests: 2}, st)
}

func TestPass_SharedTarget(t *testing.T) {
	cfg := testConfig(t)
	s := gpu.NewMemorySurface()
	p, err := NewPass(s, 80, 40, 10, "test.feedback")
	require.NoError(t, err)
	require.NoError(t, p.Register(Decoder{Config: cfg, ID: 1}))
	require.NoError(t, p.Register(Decoder{Config: cfg, ID: 2}))
	assert.Error(t, p.Register(Decoder{Config: cfg, ID: 2}))
	assert.Error(t, p.Register(Decoder{Config: cfg, ID: Sentinel}))
	assert.Equal(t, 2, p.Registered())

	// both textures begin the frame; only the first clear touches the target
	require.NoError(t, p.Begin())
	texel := make([]byte, 2*BytesPerTexel)
	EncodeTexel(texel, core.TileCoord{X: 1, Y: 1, Mip: 1}, 1)
	EncodeTexel(texel[BytesPerTexel:], core.TileCoord{X: 2, Y: 0, Mip: 0}, 2)
	require.NoError(t, s.WriteTexture(p.Texture(), gpu.Region{Width: 2, Height: 1}, texel, 2*BytesPerTexel))
	require.NoError(t, p.Begin())

	require.NoError(t, p.ScheduleReadback())
	require.NoError(t, p.ScheduleReadback())
	a, ok, err := p.Poll(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []core.TileCoord{{X: 1, Y: 1, Mip: 1}}, a.Coords())

	// the second texture gets its half of the same readback
	b, ok, err := p.Poll(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []core.TileCoord{{X: 2, Y: 0, Mip: 0}}, b.Coords())
	assert.Equal(t, 2, p.LastStats.Requests)

	_, ok, err = p.Poll(1)
	require.NoError(t, err)
	assert.False(t, ok)

	// the next frame's Begin clears again
	require.NoError(t, p.Begin())
	require.NoError(t, p.ScheduleReadback())
	a, ok, err = p.Poll(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, a.Len())

	p.Unregister(2)
	_, ok, err = p.Poll(2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Registered())
}

func TestPass_Resize(t *testing.T) {
	s := gpu.NewMemorySurface()
	p, err := NewPass(s, 100, 100, 10, "test.feedback")
	require.NoError(t, err)
	first := p.Texture()

	require.NoError(t, p.Resize(100, 100))
	assert.Same(t, first, p.Texture())

	require.NoError(t, p.Resize(200, 50))
	w, h := p.Size()
	assert.Equal(t, uint32(20), w)
	assert.Equal(t, uint32(5), h)
	assert.Equal(t, 1, s.Live())

	p.Release()
	assert.Equal(t, 0, s.Live())
}
